// Package migrate implements the one-shot upgrade of legacy inline
// images to blob-store references.
//
// Early versions of the authoring views embedded image bytes directly
// inside metadata records as data-URIs. The migration walks the fixed
// set of well-known records, moves each inline image's bytes into the
// blob store under a deterministic "-migrated" key, and rewrites the
// slot to hold a reference instead. It runs at most once per data
// directory, guarded by a persisted flag rather than in-memory state
// (the application may be restarted at any point).
//
// Migration is a separate, explicit batch step rather than a per-read
// side effect, so read-only rendering paths stay free of surprising
// writes. Slots are processed serially; this is a rare, background-
// tolerant operation that does not need fan-out.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	imagestore "github.com/cluebox/imagestore"
	"github.com/cluebox/imagestore/blobstore"
	"github.com/cluebox/imagestore/metastore"
	"github.com/cluebox/imagestore/perf"
)

var tracer = otel.Tracer("github.com/cluebox/imagestore/migrate")

// MetadataStore is the slice of the metadata store the migration needs.
type MetadataStore interface {
	ReadRecord(key string) (json.RawMessage, error)
	WriteRecord(key string, doc json.RawMessage) error
}

// Failure describes one slot or record the migration could not
// process. The pass continues past failures; they are aggregated here
// so the caller can surface a degraded-but-continuable status.
type Failure struct {
	RecordKey string `json:"recordKey"`
	SlotKey   string `json:"slotKey,omitempty"`
	Reason    string `json:"reason"`
}

// Result is the structured outcome of one migration pass.
type Result struct {
	// AlreadyComplete is true when the persisted flag showed a prior
	// pass finished and nothing was done.
	AlreadyComplete bool `json:"alreadyComplete"`

	// RecordsScanned counts well-known records that existed and were
	// walked.
	RecordsScanned int `json:"recordsScanned"`

	// SlotsMigrated counts inline images successfully moved out of
	// line.
	SlotsMigrated int `json:"slotsMigrated"`

	// Failures lists everything skipped on a best-effort basis.
	Failures []Failure `json:"failures,omitempty"`
}

// OK reports whether the pass completed without any failures.
func (r *Result) OK() bool {
	return len(r.Failures) == 0
}

// Migrator performs the one-shot legacy-image migration.
type Migrator struct {
	meta  MetadataStore
	blobs blobstore.Store
	log   logrus.FieldLogger
}

// New creates a migrator over the given stores.
func New(meta MetadataStore, blobs blobstore.Store, log logrus.FieldLogger) *Migrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Migrator{
		meta:  meta,
		blobs: blobs,
		log:   log.WithField("component", "migrate"),
	}
}

// Run executes the migration pass. It must be called before any
// image-dependent view renders.
//
// The pass is idempotent: when the completion flag is already set it
// returns immediately. Otherwise every well-known record is walked and
// every legacy inline image is moved into the blob store; individual
// failures are logged, collected into the Result, and do not stop the
// pass. The completion flag is set once the pass finishes even when
// some slots failed, so migration is never silently retried forever on
// the same records. The returned error is non-nil only when the flag
// itself cannot be read or written.
func (m *Migrator) Run(ctx context.Context) (*Result, error) {
	ctx, span := tracer.Start(ctx, "migrate.Run")
	defer span.End()

	result := &Result{}

	done, err := m.flagSet()
	if err != nil {
		return result, err
	}
	if done {
		result.AlreadyComplete = true
		return result, nil
	}

	timer := perf.Start("legacy-image-migration", m.log)
	m.migrateWalls(ctx, result)
	m.migrateElements(ctx, result)
	m.migrateFinalQuestions(ctx, result)
	timer.Stop()

	if err := m.meta.WriteRecord(imagestore.KeyMigrationComplete, json.RawMessage("true")); err != nil {
		return result, fmt.Errorf("failed to persist migration flag: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"records_scanned": result.RecordsScanned,
		"slots_migrated":  result.SlotsMigrated,
		"failures":        len(result.Failures),
	}).Info("legacy image migration finished")
	return result, nil
}

func (m *Migrator) flagSet() (bool, error) {
	doc, err := m.meta.ReadRecord(imagestore.KeyMigrationComplete)
	if errors.Is(err, metastore.ErrNoRecord) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read migration flag: %w", err)
	}
	var done bool
	if err := json.Unmarshal(doc, &done); err != nil {
		// A corrupt flag is treated as unset; the pass re-runs and
		// rewrites it.
		m.log.WithError(err).Warn("migration flag is malformed, re-running migration")
		return false, nil
	}
	return done, nil
}

func (m *Migrator) migrateWalls(ctx context.Context, result *Result) {
	var record imagestore.WallImages
	m.migrateRecord(ctx, result, imagestore.KeyRoomImagesByWall, &record, func() []imagestore.MigratableSlot {
		return record.MigratableSlots()
	})
}

func (m *Migrator) migrateElements(ctx context.Context, result *Result) {
	var record imagestore.RoomElements
	m.migrateRecord(ctx, result, imagestore.KeyRoomElementsByID, &record, func() []imagestore.MigratableSlot {
		return record.MigratableSlots()
	})
}

func (m *Migrator) migrateFinalQuestions(ctx context.Context, result *Result) {
	var record imagestore.FinalQuestions
	m.migrateRecord(ctx, result, imagestore.KeyFinalQuestionByGroup, &record, func() []imagestore.MigratableSlot {
		return record.MigratableSlots()
	})
}

// migrateRecord reads one well-known record into its typed shape,
// moves every legacy inline slot into the blob store, and writes the
// record back if anything changed. Absent records are skipped;
// malformed records are reported and skipped without aborting the
// pass.
func (m *Migrator) migrateRecord(ctx context.Context, result *Result, key string, record any, slots func() []imagestore.MigratableSlot) {
	doc, err := m.meta.ReadRecord(key)
	if err != nil {
		if errors.Is(err, metastore.ErrNoRecord) {
			return
		}
		m.log.WithError(err).WithField("record", key).Error("failed to read record")
		result.Failures = append(result.Failures, Failure{RecordKey: key, Reason: err.Error()})
		return
	}

	if err := json.Unmarshal(doc, record); err != nil {
		m.log.WithError(err).WithField("record", key).Warn("record has unexpected shape, skipping")
		result.Failures = append(result.Failures, Failure{RecordKey: key, Reason: "malformed record: " + err.Error()})
		return
	}
	result.RecordsScanned++

	changed := 0
	for _, ms := range slots() {
		if !ms.Slot.HasInlineData() {
			continue
		}
		if err := m.blobs.Put(ctx, ms.MigratedKey, ms.Slot.Data); err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"record": key,
				"slot":   ms.MigratedKey,
			}).Error("failed to move inline image to blob store")
			result.Failures = append(result.Failures, Failure{RecordKey: key, SlotKey: ms.MigratedKey, Reason: err.Error()})
			continue
		}
		ms.Slot.Promote(ms.MigratedKey)
		changed++
		m.log.WithFields(logrus.Fields{
			"record": key,
			"slot":   ms.MigratedKey,
		}).Info("migrated inline image")
	}

	if changed == 0 {
		return
	}

	out, err := json.Marshal(record)
	if err != nil {
		result.Failures = append(result.Failures, Failure{RecordKey: key, Reason: "failed to re-encode record: " + err.Error()})
		return
	}
	if err := m.meta.WriteRecord(key, out); err != nil {
		m.log.WithError(err).WithField("record", key).Error("failed to write migrated record")
		result.Failures = append(result.Failures, Failure{RecordKey: key, Reason: err.Error()})
		return
	}
	result.SlotsMigrated += changed
}
