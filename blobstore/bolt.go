package blobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/cluebox/imagestore/blobstore")

var imagesBucket = []byte("images")

// Bolt stores blobs in a local bbolt file, the default backend for a
// single-machine deployment.
type Bolt struct {
	db  *bbolt.DB
	log logrus.FieldLogger
}

// BoltConfig holds local blob store configuration.
type BoltConfig struct {
	// Path to the bbolt database file.
	Path string

	// Logger receives structured store events. Defaults to the
	// standard logger.
	Logger logrus.FieldLogger
}

// OpenBolt opens (creating if needed) the local blob store at
// cfg.Path.
func OpenBolt(cfg BoltConfig) (*Bolt, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(imagesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create images bucket: %w", err)
	}

	return &Bolt{
		db:  db,
		log: cfg.Logger.WithField("component", "blobstore"),
	}, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Put stores data under key, silently replacing any prior value.
func (b *Bolt) Put(ctx context.Context, key, data string) error {
	_, span := tracer.Start(ctx, "blobstore.Bolt.Put")
	defer span.End()

	if err := ValidateKey(key); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(imagesBucket).Put([]byte(key), []byte(data))
	})
	if err != nil {
		return fmt.Errorf("failed to put blob %q: %w", key, err)
	}

	b.log.WithFields(logrus.Fields{
		"key":  key,
		"size": len(data),
	}).Debug("stored blob")
	return nil
}

// Get returns the bytes stored under key, or ErrNotFound.
func (b *Bolt) Get(ctx context.Context, key string) (string, error) {
	_, span := tracer.Start(ctx, "blobstore.Bolt.Get")
	defer span.End()

	if err := ValidateKey(key); err != nil {
		return "", err
	}

	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(imagesBucket).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Delete removes the bytes stored under key. Deleting a missing key is
// a no-op.
func (b *Bolt) Delete(ctx context.Context, key string) error {
	_, span := tracer.Start(ctx, "blobstore.Bolt.Delete")
	defer span.End()

	if err := ValidateKey(key); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(imagesBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob %q: %w", key, err)
	}
	return nil
}

// Keys lists every stored blob key. Used by the verify command to find
// orphaned blobs; not part of the Store contract.
func (b *Bolt) Keys(ctx context.Context) ([]string, error) {
	_ = ctx
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(imagesBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list blob keys: %w", err)
	}
	return keys, nil
}

// Compile-time interface check
var _ Store = (*Bolt)(nil)
