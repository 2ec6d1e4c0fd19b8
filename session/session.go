// Package session implements the session boundary protocol: the reset
// that guarantees a new student session never observes image bytes or
// per-student progress left over from the previous session on the same
// device.
//
// Session identity is an opaque identifier assigned at enrollment and
// persisted as the "last known session id". On every application entry
// the incoming identity is compared against the persisted one; a
// mismatch (including the very first entry, where nothing is persisted
// yet) triggers a full reset before any image operation runs.
package session

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	imagestore "github.com/cluebox/imagestore"
)

// MetadataStore is the slice of the metadata store the protocol needs.
type MetadataStore interface {
	ReadRecord(key string) (json.RawMessage, error)
	WriteRecord(key string, doc json.RawMessage) error
	DeleteRecord(key string) error
}

// ImageCache is the slice of the lifecycle cache the protocol needs.
type ImageCache interface {
	ClearAllActive() int
}

// Info identifies the session supplied by the enrollment step.
type Info struct {
	ID      string `json:"id"`
	Student string `json:"student,omitempty"`
}

// Manager applies the session boundary protocol.
type Manager struct {
	meta  MetadataStore
	cache ImageCache
	log   logrus.FieldLogger
}

// New creates a session manager over the given stores.
func New(meta MetadataStore, cache ImageCache, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		meta:  meta,
		cache: cache,
		log:   log.WithField("component", "session"),
	}
}

// CheckAndInitialize compares the incoming session identity with the
// persisted one and performs a full reset on mismatch: the image cache
// is cleared, the per-student records are deleted, and the new
// identity is persisted. Instructor-authored records are never
// touched.
//
// It returns true when a reset was performed. This must run before any
// image is loaded for the new session, otherwise stale cache entries
// from the old session could be served transiently.
//
// A missing session identity means enrollment has not happened yet; no
// action is taken.
func (m *Manager) CheckAndInitialize(info Info) (bool, error) {
	if info.ID == "" {
		return false, nil
	}

	last, err := m.lastSessionID()
	if err != nil {
		return false, err
	}
	if last == info.ID {
		return false, nil
	}

	if err := m.reset(); err != nil {
		return true, err
	}

	doc, err := json.Marshal(info.ID)
	if err != nil {
		return true, err
	}
	if err := m.meta.WriteRecord(imagestore.KeyLastSessionID, doc); err != nil {
		return true, err
	}

	m.log.WithFields(logrus.Fields{
		"previous_session": last,
		"session":          info.ID,
	}).Info("new session detected, state reset")
	return true, nil
}

// InitializeFresh resets per-student state unconditionally, for use by
// the enrollment step before a brand-new session begins.
func (m *Manager) InitializeFresh() error {
	return m.reset()
}

// End proactively clears the image cache when a session exits. This is
// best-effort cleanup, not a correctness requirement; the entry check
// in CheckAndInitialize is the actual safety net.
func (m *Manager) End() {
	dropped := m.cache.ClearAllActive()
	m.log.WithField("dropped", dropped).Debug("session ended, cache cleared")
}

func (m *Manager) lastSessionID() (string, error) {
	doc, err := m.meta.ReadRecord(imagestore.KeyLastSessionID)
	if err != nil {
		// Treat any read failure like a first entry: absence of a
		// persisted id must trigger a reset, never skip one.
		return "", nil
	}
	var id string
	if err := json.Unmarshal(doc, &id); err != nil {
		return "", nil
	}
	return id, nil
}

// reset clears the image cache and deletes the per-student records,
// continuing past individual failures so one stuck record cannot leave
// the rest of the previous session resident.
func (m *Manager) reset() error {
	m.cache.ClearAllActive()

	var firstErr error
	for _, key := range imagestore.StudentKeys() {
		if err := m.meta.DeleteRecord(key); err != nil {
			m.log.WithError(err).WithField("record", key).Error("failed to delete per-student record")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
