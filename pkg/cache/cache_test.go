package cache

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/tethys-ts/s3tethys/pkg/core"
)

func testCache(t *testing.T, cfg core.CacheConfig) *Cache {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.RunEvery == 0 {
		cfg.RunEvery = time.Hour
	}
	log := logrus.New()
	log.SetOutput(io.Discard)

	c, err := Open(cfg, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func store(t *testing.T, c *Cache, key, etag string, data []byte) {
	t.Helper()
	w, err := c.Writer(key, etag)
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func readEntry(t *testing.T, c *Cache, key string) (entry, bool) {
	t.Helper()
	val, closer, err := c.db.Get(indexKey(key))
	if err == pebble.ErrNotFound {
		return entry{}, false
	}
	if err != nil {
		t.Fatalf("index get: %v", err)
	}
	defer closer.Close()

	var e entry
	if err := cbor.Unmarshal(val, &e); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	return e, true
}

func writeEntry(t *testing.T, c *Cache, key string, e entry) {
	t.Helper()
	b, err := cbor.Marshal(e)
	if err != nil {
		t.Fatalf("encode entry: %v", err)
	}
	if err := c.db.Set(indexKey(key), b, pebble.Sync); err != nil {
		t.Fatalf("index set: %v", err)
	}
}

func TestPutGetHit(t *testing.T) {
	c := testCache(t, core.CacheConfig{})

	data := []byte("station-data-payload")
	store(t, c, "ts/flow/1/abc", "etag-1", data)

	rc, ok, err := c.Get("ts/flow/1/abc", "etag-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read cached payload: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("cached payload differs from original")
	}
}

func TestMissOnUnknownKey(t *testing.T) {
	c := testCache(t, core.CacheConfig{})

	_, ok, err := c.Get("never/seen", "etag")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestStaleETagInvalidates(t *testing.T) {
	c := testCache(t, core.CacheConfig{})

	store(t, c, "k", "etag-old", []byte("old"))

	// Remote object was overwritten; its ETag changed.
	_, ok, err := c.Get("k", "etag-new")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("stale entry must not be served")
	}

	// The stale entry is gone even for its original ETag.
	_, ok, _ = c.Get("k", "etag-old")
	if ok {
		t.Fatal("stale entry should have been dropped")
	}
}

func TestAbortLeavesNoEntry(t *testing.T) {
	c := testCache(t, core.CacheConfig{})

	w, err := c.Writer("k", "etag")
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Abort()

	_, ok, _ := c.Get("k", "etag")
	if ok {
		t.Fatal("aborted entry must not be visible")
	}
}

func TestRemove(t *testing.T) {
	c := testCache(t, core.CacheConfig{})

	store(t, c, "k", "etag", []byte("data"))
	c.Remove("k")

	_, ok, _ := c.Get("k", "etag")
	if ok {
		t.Fatal("removed entry still served")
	}
}

func TestCommitReplacesEntry(t *testing.T) {
	c := testCache(t, core.CacheConfig{})

	store(t, c, "k", "etag-1", []byte("v1"))
	store(t, c, "k", "etag-2", []byte("v2"))

	rc, ok, err := c.Get("k", "etag-2")
	if err != nil || !ok {
		t.Fatalf("Get after replace: ok=%v err=%v", ok, err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "v2" {
		t.Fatalf("expected v2, got %q", got)
	}
}

func TestSweepTTL(t *testing.T) {
	c := testCache(t, core.CacheConfig{TTL: time.Second})

	store(t, c, "old", "etag", []byte("expired payload"))

	// Backdate the entry past the TTL.
	e, ok := readEntry(t, c, "old")
	if !ok {
		t.Fatal("entry missing before sweep")
	}
	e.Accessed = time.Now().Add(-time.Minute).Unix()
	writeEntry(t, c, "old", e)

	res, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.EntriesEvicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", res.EntriesEvicted)
	}
	if res.BytesReclaimed != int64(len("expired payload")) {
		t.Fatalf("unexpected bytes reclaimed: %d", res.BytesReclaimed)
	}

	_, hit, _ := c.Get("old", "etag")
	if hit {
		t.Fatal("expired entry still served after sweep")
	}
}

func TestSweepSizeEvictsLRU(t *testing.T) {
	c := testCache(t, core.CacheConfig{MaxBytes: 25})

	store(t, c, "a", "etag", bytes.Repeat([]byte("a"), 10))
	store(t, c, "b", "etag", bytes.Repeat([]byte("b"), 10))
	store(t, c, "c", "etag", bytes.Repeat([]byte("c"), 10))

	// Make "a" the oldest and "c" the freshest.
	for i, key := range []string{"a", "b", "c"} {
		e, ok := readEntry(t, c, key)
		if !ok {
			t.Fatalf("entry %s missing", key)
		}
		e.Accessed = time.Now().Add(time.Duration(i-3) * time.Minute).Unix()
		writeEntry(t, c, key, e)
	}

	res, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.EntriesEvicted != 1 {
		t.Fatalf("expected 1 eviction to get under the cap, got %d", res.EntriesEvicted)
	}

	if _, ok, _ := c.Get("a", "etag"); ok {
		t.Fatal("least recently used entry survived the sweep")
	}
	for _, key := range []string{"b", "c"} {
		if _, ok, _ := c.Get(key, "etag"); !ok {
			t.Fatalf("entry %s evicted too eagerly", key)
		}
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	dir := t.TempDir()
	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := core.CacheConfig{Dir: dir, RunEvery: time.Hour}
	c, err := Open(cfg, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	store(t, c, "k", "etag", []byte("persistent"))
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c2, err := Open(cfg, log)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()

	rc, ok, err := c2.Get("k", "etag")
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "persistent" {
		t.Fatalf("payload lost across reopen: %q", got)
	}
}
