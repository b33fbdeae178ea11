// Package cache is a local read-through cache for downloaded payloads.
// Decoded objects live as plain files on disk; a Pebble index maps object
// keys to their file, remote ETag, and access times. A cached payload is
// only served while its ETag still matches the remote object, so a remote
// overwrite invalidates the cache on the next read.
package cache

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
	"github.com/minio/sha256-simd"
	"github.com/sirupsen/logrus"

	"github.com/tethys-ts/s3tethys/pkg/core"
)

var prefixEntry = []byte("obj:")

type entry struct {
	ETag     string `cbor:"etag"`
	Size     int64  `cbor:"size"`
	File     string `cbor:"file"`
	Added    int64  `cbor:"added"`
	Accessed int64  `cbor:"accessed"`
}

// Cache indexes locally cached payload files.
type Cache struct {
	cfg   core.CacheConfig
	db    *pebble.DB
	files string
	log   *logrus.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// Open creates or reopens a cache rooted at cfg.Dir.
func Open(cfg core.CacheConfig, log *logrus.Logger) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: cache directory not specified", core.ErrInvalidConfig)
	}
	if log == nil {
		log = logrus.New()
	}

	files := filepath.Join(cfg.Dir, "objects")
	if err := os.MkdirAll(files, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := pebble.Open(filepath.Join(cfg.Dir, "index"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}

	return &Cache{cfg: cfg, db: db, files: files, log: log, stopCh: make(chan struct{})}, nil
}

func (c *Cache) Close() error {
	c.Stop()
	return c.db.Close()
}

// Get opens the cached payload for key if present and still matching etag.
// A stale entry (different ETag) is dropped and reported as a miss.
func (c *Cache) Get(key, etag string) (io.ReadCloser, bool, error) {
	ik := indexKey(key)
	val, closer, err := c.db.Get(ik)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var e entry
	derr := cbor.Unmarshal(val, &e)
	closer.Close()
	if derr != nil {
		c.drop(key, entry{})
		return nil, false, nil
	}

	if e.ETag != etag {
		c.drop(key, e)
		return nil, false, nil
	}

	f, err := os.Open(filepath.Join(c.files, e.File))
	if err != nil {
		c.drop(key, e)
		return nil, false, nil
	}

	e.Accessed = time.Now().Unix()
	if b, err := cbor.Marshal(e); err == nil {
		c.db.Set(ik, b, pebble.NoSync)
	}
	return f, true, nil
}

// Writer stages a new cache entry. The payload lands in a temp file and only
// becomes visible on Commit, so a failed download never poisons the cache.
func (c *Cache) Writer(key, etag string) (*EntryWriter, error) {
	f, err := os.CreateTemp(c.files, "staging-*")
	if err != nil {
		return nil, err
	}
	return &EntryWriter{c: c, f: f, key: key, etag: etag}, nil
}

// Remove drops the cache entry for key, if any.
func (c *Cache) Remove(key string) {
	val, closer, err := c.db.Get(indexKey(key))
	if err != nil {
		return
	}
	var e entry
	derr := cbor.Unmarshal(val, &e)
	closer.Close()
	if derr != nil {
		e = entry{}
	}
	c.drop(key, e)
}

func (c *Cache) drop(key string, e entry) {
	if err := c.db.Delete(indexKey(key), pebble.Sync); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("failed to delete cache index entry")
	}
	if e.File != "" {
		if err := os.Remove(filepath.Join(c.files, e.File)); err != nil && !os.IsNotExist(err) {
			c.log.WithError(err).WithField("file", e.File).Warn("failed to delete cached file")
		}
	}
}

// EntryWriter stages one payload file.
type EntryWriter struct {
	c    *Cache
	f    *os.File
	key  string
	etag string
	n    int64
	done bool
}

func (w *EntryWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.n += int64(n)
	return n, err
}

// Commit makes the staged entry visible, replacing any previous entry.
func (w *EntryWriter) Commit() error {
	if w.done {
		return nil
	}
	w.done = true

	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return err
	}

	name := fileName(w.key, w.etag)
	if err := os.Rename(w.f.Name(), filepath.Join(w.c.files, name)); err != nil {
		os.Remove(w.f.Name())
		return err
	}

	now := time.Now().Unix()
	b, err := cbor.Marshal(entry{
		ETag:     w.etag,
		Size:     w.n,
		File:     name,
		Added:    now,
		Accessed: now,
	})
	if err != nil {
		return err
	}
	return w.c.db.Set(indexKey(w.key), b, pebble.Sync)
}

// Abort discards the staged entry.
func (w *EntryWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.f.Close()
	os.Remove(w.f.Name())
}

func indexKey(key string) []byte {
	return append(append([]byte{}, prefixEntry...), key...)
}

func fileName(key, etag string) string {
	sum := sha256.Sum256([]byte(key + "\x00" + etag))
	return hex.EncodeToString(sum[:])
}

func iterBounds() *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: prefixEntry,
		UpperBound: upperBound(prefixEntry),
	}
}

func upperBound(b []byte) []byte {
	res := make([]byte, len(b))
	copy(res, b)
	for i := len(res) - 1; i >= 0; i-- {
		res[i]++
		if res[i] != 0 {
			return res
		}
	}
	return nil
}
