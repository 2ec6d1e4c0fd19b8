// Package server exposes the storage engine to the authoring and play
// views over a local HTTP API: image load/store/delete through the
// lifecycle cache, cache status, the migration entry point, and the
// session boundary check.
//
// The API is gated by the shared instructor password (compared against
// a bcrypt hash), mirroring the application's static password gate.
// Health and metrics endpoints stay open for probes.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/cluebox/imagestore/blobstore"
	"github.com/cluebox/imagestore/lifecycle"
	"github.com/cluebox/imagestore/migrate"
	"github.com/cluebox/imagestore/session"
)

// instructorKeyHeader carries the shared instructor password.
const instructorKeyHeader = "X-Instructor-Key"

// Deps are the engine components the server fronts.
type Deps struct {
	Cache    *lifecycle.Cache
	Blobs    blobstore.Store
	Migrator *migrate.Migrator
	Sessions *session.Manager

	// PasswordHash is the bcrypt hash of the shared instructor
	// password. Empty disables authentication.
	PasswordHash string

	// Gatherer serves /metrics. Optional.
	Gatherer prometheus.Gatherer

	// Logger receives request logs. Defaults to the standard logger.
	Logger logrus.FieldLogger
}

// Server is the admin HTTP surface of the engine.
type Server struct {
	deps   Deps
	router *mux.Router
	log    logrus.FieldLogger
}

// New builds the server and its routes.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	s := &Server{
		deps: deps,
		log:  deps.Logger.WithField("component", "server"),
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireInstructorKey)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/migrate", s.handleMigrate).Methods(http.MethodPost)
	api.HandleFunc("/session/check", s.handleSessionCheck).Methods(http.MethodPost)
	api.HandleFunc("/session/fresh", s.handleSessionFresh).Methods(http.MethodPost)
	api.HandleFunc("/images/{key}", s.handleImageGet).Methods(http.MethodGet)
	api.HandleFunc("/images/{key}", s.handleImagePut).Methods(http.MethodPut)
	api.HandleFunc("/images/{key}", s.handleImageDelete).Methods(http.MethodDelete)

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request handled")
	})
}

func (s *Server) requireInstructorKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.PasswordHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(instructorKeyHeader)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "instructor key required")
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.deps.PasswordHash), []byte(key)); err != nil {
			writeError(w, http.StatusForbidden, "invalid instructor key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cache.Status())
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Migrator.Run(r.Context())
	if err != nil {
		s.log.WithError(err).Error("migration run failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Partial failures still answer 200: migration is best-effort and
	// the caller surfaces result.failures as a soft warning.
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSessionCheck(w http.ResponseWriter, r *http.Request) {
	var info session.Info
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session payload")
		return
	}
	reset, err := s.deps.Sessions.CheckAndInitialize(info)
	if err != nil {
		s.log.WithError(err).Warn("session reset finished with errors")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": reset})
}

func (s *Server) handleSessionFresh(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.InitializeFresh(); err != nil {
		s.log.WithError(err).Warn("fresh session initialization finished with errors")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleImageGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	data, err := s.deps.Cache.LoadImage(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "image unavailable")
		return
	}
	if data == "" {
		writeError(w, http.StatusNotFound, "no image")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "data": data})
}

type imagePutRequest struct {
	Data string `json:"data"`
	Name string `json:"name,omitempty"`
}

func (s *Server) handleImagePut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req imagePutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Data == "" {
		writeError(w, http.StatusBadRequest, "image data required")
		return
	}
	if err := blobstore.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Blobs.Put(r.Context(), key, req.Data); err != nil {
		s.log.WithError(err).WithField("key", key).Error("image store failed")
		writeError(w, http.StatusServiceUnavailable, "image store failed")
		return
	}
	// A rewritten image must not be served from a stale resident copy.
	s.deps.Cache.UnloadImage(key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleImageDelete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.deps.Blobs.Delete(r.Context(), key); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		s.log.WithError(err).WithField("key", key).Error("image delete failed")
		writeError(w, http.StatusServiceUnavailable, "image delete failed")
		return
	}
	s.deps.Cache.UnloadImage(key)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
