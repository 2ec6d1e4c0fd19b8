package blobstore

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
)

func openTestBolt(t *testing.T) *Bolt {
	t.Helper()
	b, err := OpenBolt(BoltConfig{Path: filepath.Join(t.TempDir(), "images.bolt")})
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// TestBolt_PutGetDelete exercises the full contract against the local
// file backend.
func TestBolt_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	b := openTestBolt(t)

	if _, err := b.Get(ctx, "element-e1-g1-info-migrated"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown key, got %v", err)
	}

	if err := b.Put(ctx, "element-e1-g1-info-migrated", "data:image/png;base64,AAAA"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := b.Get(ctx, "element-e1-g1-info-migrated")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "data:image/png;base64,AAAA" {
		t.Errorf("unexpected data: %q", got)
	}

	if err := b.Delete(ctx, "element-e1-g1-info-migrated"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Get(ctx, "element-e1-g1-info-migrated"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := b.Delete(ctx, "element-e1-g1-info-migrated"); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
}

// TestBolt_SurvivesReopen verifies blobs persist across close/reopen.
func TestBolt_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "images.bolt")

	b, err := OpenBolt(BoltConfig{Path: path})
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	if err := b.Put(ctx, "wall-north-image-migrated", "data:image/png;base64,AAAA"); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	b2, err := OpenBolt(BoltConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()

	got, err := b2.Get(ctx, "wall-north-image-migrated")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got != "data:image/png;base64,AAAA" {
		t.Errorf("unexpected data after reopen: %q", got)
	}
}

// TestBolt_Keys verifies key enumeration, which the verify command
// uses for its orphan scan.
func TestBolt_Keys(t *testing.T) {
	ctx := context.Background()
	b := openTestBolt(t)

	want := []string{
		"element-e1-g1-info-migrated",
		"final-1-image-migrated",
		"wall-north-image-migrated",
	}
	for _, key := range want {
		if err := b.Put(ctx, key, "data:image/png;base64,AAAA"); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := b.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(keys))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}
