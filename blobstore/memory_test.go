package blobstore

import (
	"context"
	"errors"
	"testing"
)

// TestMemory_PutGetDelete exercises the full contract against the
// in-memory backend.
func TestMemory_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "wall-north-image-migrated"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown key, got %v", err)
	}

	if err := m.Put(ctx, "wall-north-image-migrated", "data:image/png;base64,AAAA"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := m.Get(ctx, "wall-north-image-migrated")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "data:image/png;base64,AAAA" {
		t.Errorf("unexpected data: %q", got)
	}

	// Overwrite
	if err := m.Put(ctx, "wall-north-image-migrated", "data:image/png;base64,BBBB"); err != nil {
		t.Fatal(err)
	}
	got, _ = m.Get(ctx, "wall-north-image-migrated")
	if got != "data:image/png;base64,BBBB" {
		t.Errorf("overwrite did not replace data: %q", got)
	}

	if err := m.Delete(ctx, "wall-north-image-migrated"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, "wall-north-image-migrated"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting again is a no-op.
	if err := m.Delete(ctx, "wall-north-image-migrated"); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
}

// TestMemory_RejectsBadKeys verifies key validation applies to the
// in-memory backend too, so tests catch bad keys early.
func TestMemory_RejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Put(ctx, "", "x"); err == nil {
		t.Error("Put with empty key should fail")
	}
	if _, err := m.Get(ctx, "../escape"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Get with traversal key should fail validation, got %v", err)
	}
}
