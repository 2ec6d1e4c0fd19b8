// Package blobstore provides the asynchronous key→bytes persistence
// layer for large objects (image data-URIs). Records in the metadata
// store hold only references; the bytes themselves live here.
//
// Three backends share one contract: a local bbolt file (the default),
// S3 for deployments that keep room imagery in a bucket, and an
// in-memory store for tests and development.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get for a key with no stored bytes.
// Not-found is a normal outcome, not a failure: a deleted image racing
// a read resolves to "no image", and callers must render the absent
// state rather than propagate.
var ErrNotFound = errors.New("blobstore: key not found")

// Store is the blob persistence contract consumed by the lifecycle
// cache and the migration procedure.
//
// Put silently overwrites any prior value for the key. Delete of a
// missing key is a no-op. All operations may fail when the underlying
// persistence layer is unavailable or over quota; callers catch and
// degrade to "image unavailable".
type Store interface {
	Put(ctx context.Context, key, data string) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// maxKeyLength bounds stored keys; the generated key convention stays
// far below this.
const maxKeyLength = 1024

// ValidateKey rejects keys that could not have come from the key
// derivation conventions: empty, oversized, path-like, or containing
// control bytes.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("blob key cannot be empty")
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("blob key too long: %d characters (max %d)", len(key), maxKeyLength)
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("blob key contains path traversal: %s", key)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("blob key should not start with /: %s", key)
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("blob key contains null byte")
	}
	return nil
}
