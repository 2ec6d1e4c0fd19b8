// Package lifecycle implements the in-memory image cache that sits in
// front of the blob store: a small fixed number of resident entries,
// least-recently-used eviction, a periodic staleness sweep, and
// explicit unload operations.
//
// Images are large (data-URIs of compressed bitmaps) and the views only
// ever need a handful visible at once, so a small fixed cap with LRU
// eviction plus an idle sweep bounds memory without thrashing on every
// single-image view.
//
// Entries live in a go-memdb table indexed by key and by last-access
// time; the access-time index drives both capacity eviction (oldest
// first) and the staleness sweep.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/sirupsen/logrus"

	imagestore "github.com/cluebox/imagestore"
	"github.com/cluebox/imagestore/blobstore"
)

const (
	entriesTable    = "images"
	idIndex         = "id"
	lastAccessIndex = "last_accessed"
)

// Eviction reasons reported to metrics and logs.
const (
	reasonCapacity = "capacity"
	reasonStale    = "stale"
	reasonUnload   = "unload"
	reasonClear    = "clear"
)

// entry is one resident cached image. Entries are immutable once
// inserted; a hit replaces the entry with a re-timestamped copy so the
// access-time index stays consistent.
type entry struct {
	Key            string
	Data           string
	LastAccessedNS int64
}

// Config holds cache configuration.
type Config struct {
	// MaxResident is the capacity limit on resident entries
	// (default 3).
	MaxResident int

	// StaleAfter is how long an untouched entry survives before the
	// sweep evicts it (default 30s).
	StaleAfter time.Duration

	// SweepInterval is the staleness sweep period (default 5s).
	// A negative interval disables the background sweeper; callers
	// then own sweep scheduling.
	SweepInterval time.Duration

	// Clock supplies the current time. Defaults to time.Now; tests
	// inject a fake.
	Clock func() time.Time

	// Logger receives structured cache events. Defaults to the
	// standard logger.
	Logger logrus.FieldLogger

	// Metrics receives cache counters. Optional.
	Metrics *Metrics
}

// DefaultConfig returns the reference cache behavior: three resident
// images, swept every five seconds, stale after thirty.
func DefaultConfig() Config {
	return Config{
		MaxResident:   3,
		StaleAfter:    30 * time.Second,
		SweepInterval: 5 * time.Second,
	}
}

// Status is the read-only diagnostic view of the cache.
type Status struct {
	ActiveImages int      `json:"activeImages"`
	MaxImages    int      `json:"maxImages"`
	ImageKeys    []string `json:"imageKeys"`
}

// Cache is the image lifecycle cache. One instance is constructed per
// application root and passed explicitly to consumers; it owns the
// background sweeper, which runs until Close.
type Cache struct {
	blobs   blobstore.Store
	db      *memdb.MemDB
	mu      sync.Mutex
	clock   func() time.Time
	max     int
	stale   time.Duration
	log     logrus.FieldLogger
	metrics *Metrics

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			entriesTable: {
				Name: entriesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					lastAccessIndex: {
						Name:    lastAccessIndex,
						Unique:  false,
						Indexer: &memdb.IntFieldIndex{Field: "LastAccessedNS"},
					},
				},
			},
		},
	}
}

// New creates a cache in front of blobs and starts its background
// sweeper (unless cfg.SweepInterval is negative).
func New(blobs blobstore.Store, cfg Config) (*Cache, error) {
	def := DefaultConfig()
	if cfg.MaxResident <= 0 {
		cfg.MaxResident = def.MaxResident
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("failed to create cache table: %w", err)
	}

	c := &Cache{
		blobs:   blobs,
		db:      db,
		clock:   cfg.Clock,
		max:     cfg.MaxResident,
		stale:   cfg.StaleAfter,
		log:     cfg.Logger.WithField("component", "lifecycle-cache"),
		metrics: cfg.Metrics,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go c.sweeper(cfg.SweepInterval)
	} else {
		close(c.done)
	}

	return c, nil
}

// Close stops the background sweeper. The cache remains usable for
// explicit operations afterwards.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// LoadImage returns the bytes for key, from memory when resident or
// from the blob store otherwise. A cache hit refreshes the entry's
// access time; a load first makes room under the capacity limit, then
// fetches and stores a fresh entry.
//
// An empty key, a missing blob, and a storage failure all yield "";
// only the storage failure also returns an error, which callers may
// log and ignore to degrade to "image unavailable".
//
// Two racing loads for the same key both fetch; the second overwrites
// the first with identical data. Blob values are immutable by
// convention once written, so this costs a redundant read and nothing
// else.
func (c *Cache) LoadImage(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", nil
	}

	c.mu.Lock()
	if e := c.lookupLocked(key); e != nil {
		c.touchLocked(e)
		c.mu.Unlock()
		c.metrics.hit()
		return e.Data, nil
	}
	c.enforceMemoryLimitLocked()
	c.mu.Unlock()

	c.metrics.miss()
	data, err := c.blobs.Get(ctx, key)
	if errors.Is(err, blobstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		c.metrics.loadFailure()
		c.log.WithError(err).WithField("key", key).Warn("image load failed")
		return "", err
	}

	c.mu.Lock()
	c.enforceMemoryLimitLocked()
	c.insertLocked(key, data)
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"key":  key,
		"size": len(data),
	}).Debug("image loaded")
	return data, nil
}

// UnloadImage removes the entry for key if present. Always safe to
// call.
func (c *Cache) UnloadImage(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.lookupLocked(key); e != nil {
		c.deleteLocked(e, reasonUnload)
	}
}

// UnloadImages unloads each key; order-independent.
func (c *Cache) UnloadImages(keys []string) {
	for _, key := range keys {
		c.UnloadImage(key)
	}
}

// ClearAllActive removes every resident entry unconditionally and
// returns how many were dropped.
func (c *Cache) ClearAllActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.allLocked()
	for _, e := range entries {
		c.deleteLocked(e, reasonClear)
	}
	if len(entries) > 0 {
		c.log.WithField("count", len(entries)).Info("cleared all resident images")
	}
	return len(entries)
}

// Status returns the current resident count, the capacity limit, and
// the resident keys. Read-only; does not touch access times.
func (c *Cache) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.allLocked()
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	sort.Strings(keys)
	return Status{
		ActiveImages: len(entries),
		MaxImages:    c.max,
		ImageKeys:    keys,
	}
}

// Resolve turns an image slot into displayable bytes:
//
//  1. nil or empty slot → no image;
//  2. a reference → blob-store fetch through the cache;
//  3. legacy inline data → returned directly, bypassing store and
//     cache.
//
// The three-way branch is the backward-compatibility seam that keeps
// un-migrated records rendering; migration stays a separate, explicit
// batch step rather than a side effect of reads.
func (c *Cache) Resolve(ctx context.Context, slot *imagestore.ImageSlot) (string, error) {
	if slot == nil {
		return "", nil
	}
	if slot.HasReference() {
		return c.LoadImage(ctx, slot.ImageKey)
	}
	if slot.Data != "" {
		return slot.Data, nil
	}
	return "", nil
}

// sweeper runs the staleness sweep until Close.
func (c *Cache) sweeper(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweepTick()
		}
	}
}

// sweepTick wraps one sweep in panic recovery so a bug in eviction
// cannot kill the sweeper goroutine for the rest of the process.
func (c *Cache) sweepTick() {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("recovered from panic in cache sweep")
		}
	}()
	c.sweepStale(c.clock())
}

// sweepStale evicts every resident entry whose last access is older
// than the staleness threshold, regardless of capacity. Returns the
// number evicted.
func (c *Cache) sweepStale(now time.Time) int {
	cutoff := now.Add(-c.stale).UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for _, e := range c.oldestFirstLocked() {
		if e.LastAccessedNS > cutoff {
			break // index is ordered; everything after is fresh
		}
		c.deleteLocked(e, reasonStale)
		evicted++
	}
	if evicted > 0 {
		c.log.WithField("count", evicted).Debug("swept stale images")
	}
	return evicted
}

// enforceMemoryLimitLocked makes room for one incoming load: when the
// resident count has reached the capacity limit, the least-recently-
// accessed entries are evicted until exactly one slot is free.
func (c *Cache) enforceMemoryLimitLocked() {
	entries := c.oldestFirstLocked()
	count := len(entries)
	if count < c.max {
		return
	}
	toEvict := count - (c.max - 1)
	for _, e := range entries[:toEvict] {
		c.deleteLocked(e, reasonCapacity)
		c.log.WithField("key", e.Key).Debug("evicted image for capacity")
	}
}

func (c *Cache) lookupLocked(key string) *entry {
	txn := c.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(entriesTable, idIndex, key)
	if err != nil || raw == nil {
		return nil
	}
	return raw.(*entry)
}

// touchLocked refreshes the access time of a resident entry by
// replacing it, keeping the access-time index in step.
func (c *Cache) touchLocked(e *entry) {
	fresh := &entry{
		Key:            e.Key,
		Data:           e.Data,
		LastAccessedNS: c.clock().UnixNano(),
	}
	txn := c.db.Txn(true)
	if err := txn.Insert(entriesTable, fresh); err != nil {
		txn.Abort()
		c.log.WithError(err).WithField("key", e.Key).Error("failed to refresh cache entry")
		return
	}
	txn.Commit()
}

func (c *Cache) insertLocked(key, data string) {
	e := &entry{
		Key:            key,
		Data:           data,
		LastAccessedNS: c.clock().UnixNano(),
	}
	txn := c.db.Txn(true)
	if err := txn.Insert(entriesTable, e); err != nil {
		txn.Abort()
		c.log.WithError(err).WithField("key", key).Error("failed to insert cache entry")
		return
	}
	txn.Commit()
	c.metrics.setResident(c.residentCountLocked())
}

func (c *Cache) deleteLocked(e *entry, reason string) {
	txn := c.db.Txn(true)
	if err := txn.Delete(entriesTable, e); err != nil {
		txn.Abort()
		c.log.WithError(err).WithField("key", e.Key).Error("failed to delete cache entry")
		return
	}
	txn.Commit()
	c.metrics.evicted(reason)
	c.metrics.setResident(c.residentCountLocked())
}

func (c *Cache) allLocked() []*entry {
	txn := c.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(entriesTable, idIndex)
	if err != nil {
		return nil
	}
	var out []*entry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*entry))
	}
	return out
}

// oldestFirstLocked returns resident entries ordered by ascending
// last-access time.
func (c *Cache) oldestFirstLocked() []*entry {
	txn := c.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(entriesTable, lastAccessIndex)
	if err != nil {
		return nil
	}
	var out []*entry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*entry))
	}
	return out
}

func (c *Cache) residentCountLocked() int {
	return len(c.allLocked())
}
