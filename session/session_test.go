package session

import (
	"encoding/json"
	"errors"
	"testing"

	imagestore "github.com/cluebox/imagestore"
	"github.com/cluebox/imagestore/metastore"
)

// fakeMeta is an in-memory metadata store with per-key fault injection.
type fakeMeta struct {
	records   map[string]json.RawMessage
	deleteErr map[string]error
	deleted   []string
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{
		records:   make(map[string]json.RawMessage),
		deleteErr: make(map[string]error),
	}
}

func (f *fakeMeta) ReadRecord(key string) (json.RawMessage, error) {
	doc, ok := f.records[key]
	if !ok {
		return nil, metastore.ErrNoRecord
	}
	return doc, nil
}

func (f *fakeMeta) WriteRecord(key string, doc json.RawMessage) error {
	f.records[key] = doc
	return nil
}

func (f *fakeMeta) DeleteRecord(key string) error {
	if err := f.deleteErr[key]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, key)
	delete(f.records, key)
	return nil
}

// fakeCache counts clear calls.
type fakeCache struct {
	clears  int
	dropped int
}

func (f *fakeCache) ClearAllActive() int {
	f.clears++
	return f.dropped
}

func seedAllRecords(f *fakeMeta) {
	for _, key := range imagestore.InstructorKeys() {
		f.records[key] = json.RawMessage(`{"seeded":true}`)
	}
	for _, key := range imagestore.StudentKeys() {
		f.records[key] = json.RawMessage(`{"seeded":true}`)
	}
}

// TestCheckAndInitialize_EmptyID verifies a missing session identity is
// a no-op: enrollment has not happened yet.
func TestCheckAndInitialize_EmptyID(t *testing.T) {
	meta := newFakeMeta()
	seedAllRecords(meta)
	cache := &fakeCache{}

	reset, err := New(meta, cache, nil).CheckAndInitialize(Info{})
	if err != nil {
		t.Fatalf("CheckAndInitialize: %v", err)
	}
	if reset {
		t.Error("empty id must not reset")
	}
	if cache.clears != 0 || len(meta.deleted) != 0 {
		t.Error("empty id must not touch any state")
	}
}

// TestCheckAndInitialize_FirstEntry verifies the very first entry (no
// persisted id) triggers a reset and persists the new identity.
func TestCheckAndInitialize_FirstEntry(t *testing.T) {
	meta := newFakeMeta()
	seedAllRecords(meta)
	cache := &fakeCache{dropped: 2}

	reset, err := New(meta, cache, nil).CheckAndInitialize(Info{ID: "session-1"})
	if err != nil {
		t.Fatalf("CheckAndInitialize: %v", err)
	}
	if !reset {
		t.Fatal("first entry must reset")
	}
	if cache.clears != 1 {
		t.Errorf("cache not cleared, clears=%d", cache.clears)
	}

	var id string
	if err := json.Unmarshal(meta.records[imagestore.KeyLastSessionID], &id); err != nil || id != "session-1" {
		t.Errorf("session id not persisted: %s", meta.records[imagestore.KeyLastSessionID])
	}
}

// TestCheckAndInitialize_SameSession verifies re-entry under the same
// identity leaves everything alone.
func TestCheckAndInitialize_SameSession(t *testing.T) {
	meta := newFakeMeta()
	seedAllRecords(meta)
	meta.records[imagestore.KeyLastSessionID] = json.RawMessage(`"session-1"`)
	cache := &fakeCache{}

	reset, err := New(meta, cache, nil).CheckAndInitialize(Info{ID: "session-1"})
	if err != nil {
		t.Fatalf("CheckAndInitialize: %v", err)
	}
	if reset || cache.clears != 0 || len(meta.deleted) != 0 {
		t.Errorf("same session must be a no-op: reset=%v clears=%d deleted=%v", reset, cache.clears, meta.deleted)
	}
}

// TestCheckAndInitialize_NewSessionIsolation verifies a changed
// identity deletes exactly the per-student records and never the
// instructor-authored content.
func TestCheckAndInitialize_NewSessionIsolation(t *testing.T) {
	meta := newFakeMeta()
	seedAllRecords(meta)
	meta.records[imagestore.KeyLastSessionID] = json.RawMessage(`"session-1"`)
	cache := &fakeCache{dropped: 3}

	reset, err := New(meta, cache, nil).CheckAndInitialize(Info{ID: "session-2", Student: "avery"})
	if err != nil {
		t.Fatalf("CheckAndInitialize: %v", err)
	}
	if !reset {
		t.Fatal("new session must reset")
	}
	if cache.clears != 1 {
		t.Errorf("cache not cleared, clears=%d", cache.clears)
	}

	for _, key := range imagestore.StudentKeys() {
		if _, ok := meta.records[key]; ok {
			t.Errorf("per-student record %q survived the reset", key)
		}
	}
	for _, key := range imagestore.InstructorKeys() {
		if _, ok := meta.records[key]; !ok {
			t.Errorf("instructor record %q was deleted", key)
		}
	}

	var id string
	json.Unmarshal(meta.records[imagestore.KeyLastSessionID], &id)
	if id != "session-2" {
		t.Errorf("persisted id = %q, want session-2", id)
	}
}

// TestCheckAndInitialize_DeleteFailureContinues verifies one stuck
// record does not block the rest of the reset, and the failure is
// surfaced.
func TestCheckAndInitialize_DeleteFailureContinues(t *testing.T) {
	meta := newFakeMeta()
	seedAllRecords(meta)
	meta.records[imagestore.KeyLastSessionID] = json.RawMessage(`"session-1"`)
	meta.deleteErr[imagestore.KeyStudentProgress] = errors.New("locked")
	cache := &fakeCache{}

	reset, err := New(meta, cache, nil).CheckAndInitialize(Info{ID: "session-2"})
	if !reset {
		t.Fatal("reset must still be reported")
	}
	if err == nil {
		t.Fatal("expected the delete failure to surface")
	}
	if _, ok := meta.records[imagestore.KeyStudentSolvedItems]; ok {
		t.Error("later records must still be deleted after an earlier failure")
	}
}

// TestInitializeFresh verifies the unconditional reset used at
// enrollment.
func TestInitializeFresh(t *testing.T) {
	meta := newFakeMeta()
	seedAllRecords(meta)
	cache := &fakeCache{}

	if err := New(meta, cache, nil).InitializeFresh(); err != nil {
		t.Fatalf("InitializeFresh: %v", err)
	}
	if cache.clears != 1 {
		t.Errorf("cache not cleared, clears=%d", cache.clears)
	}
	for _, key := range imagestore.StudentKeys() {
		if _, ok := meta.records[key]; ok {
			t.Errorf("per-student record %q survived", key)
		}
	}
}

// TestEnd_ClearsCache verifies session exit drops resident images.
func TestEnd_ClearsCache(t *testing.T) {
	meta := newFakeMeta()
	cache := &fakeCache{dropped: 2}

	New(meta, cache, nil).End()
	if cache.clears != 1 {
		t.Errorf("expected one cache clear, got %d", cache.clears)
	}
	if len(meta.deleted) != 0 {
		t.Error("End must not delete records")
	}
}
