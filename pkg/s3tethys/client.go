// Package s3tethys is a client-side data access layer for S3-compatible
// object stores. Payloads stream through zstd compression in both directions;
// every stored object carries an envelope describing its schema identity and
// content hash, validated before data reaches the caller.
package s3tethys

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tethys-ts/s3tethys/pkg/cache"
	"github.com/tethys-ts/s3tethys/pkg/core"
	"github.com/tethys-ts/s3tethys/pkg/envelope"
	"github.com/tethys-ts/s3tethys/pkg/resolve"
	"github.com/tethys-ts/s3tethys/pkg/stream"
	"github.com/tethys-ts/s3tethys/pkg/transfer"
)

type client struct {
	cfg   core.Config
	res   *resolve.Resolver
	be    transfer.Backend
	eng   *transfer.Engine
	local *cache.Cache
	env   envelope.Codec
	split *stream.Splitter
	log   *logrus.Logger

	mu     sync.Mutex
	closed bool
}

// Open connects a Client to the configured bucket. When PublicURL is set the
// client reads over plain HTTPS without credentials and all write operations
// fail; otherwise it speaks the S3 API. A non-empty Cache.Dir enables the
// local read-through cache with its background eviction sweeps.
func Open(ctx context.Context, cfg Config) (Client, error) {
	cfg = cfg.WithDefaults()
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket not specified", core.ErrInvalidConfig)
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}

	var (
		be  transfer.Backend
		err error
	)
	if cfg.PublicURL != "" {
		be = transfer.NewPublicBackend(cfg.PublicURL, cfg.Transfer)
	} else {
		be, err = transfer.NewS3Backend(cfg)
		if err != nil {
			return nil, err
		}
	}

	c := &client{
		cfg:   cfg,
		res:   resolve.New(cfg.Bucket, cfg.KeyPrefix),
		be:    be,
		eng:   transfer.New(be, cfg.Transfer, log),
		env:   envelope.NewCodec(),
		split: stream.NewSplitter(cfg.Transfer.ChunkSizeBytes),
		log:   log,
	}

	if cfg.Cache.Dir != "" {
		lc, err := cache.Open(cfg.Cache, log)
		if err != nil {
			be.Close()
			return nil, fmt.Errorf("failed to open local cache: %w", err)
		}
		// Sweeps outlive the Open ctx; Close stops them.
		lc.Start(context.Background())
		c.local = lc
	}

	return c, nil
}

func (c *client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrClosed
	}
	return nil
}

func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var first error
	if c.local != nil {
		if err := c.local.Close(); err != nil {
			first = err
		}
	}
	if err := c.be.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func (c *client) Resolve(schemaName string, schemaVersion int, logicalID string) (ObjectLocator, error) {
	return c.res.Resolve(schemaName, schemaVersion, logicalID)
}

func (c *client) PutObject(ctx context.Context, loc ObjectLocator, r io.Reader, schemaName string, schemaVersion int) (TransferResult, error) {
	if err := c.checkOpen(); err != nil {
		return TransferResult{}, err
	}
	loc, err := c.res.Normalize(loc)
	if err != nil {
		return TransferResult{}, err
	}
	if schemaName == "" {
		return TransferResult{}, fmt.Errorf("%w: empty schema name", core.ErrInvalidIdentifier)
	}
	if schemaVersion < 1 {
		return TransferResult{}, fmt.Errorf("%w: schema version %d < 1", core.ErrInvalidIdentifier, schemaVersion)
	}

	codecID, level := core.CodecZstd, c.cfg.Transfer.DefaultCompressionLevel
	if c.cfg.Transfer.DisableCompression {
		codecID, level = core.CodecNone, 0
	}
	res, err := c.eng.Put(ctx, loc, r, transfer.PutMeta{
		SchemaName:    schemaName,
		SchemaVersion: schemaVersion,
		Codec:         codecID,
		Level:         level,
	})
	// The remote object changed (or may have); any cached copy is stale.
	c.invalidate(loc)
	return res, err
}

func (c *client) GetObject(ctx context.Context, loc ObjectLocator, minVersion, maxVersion int) (Envelope, []byte, error) {
	env, h, err := c.OpenObject(ctx, loc, minVersion, maxVersion)
	if err != nil {
		return Envelope{}, nil, err
	}
	data, err := stream.Collect(h)
	if err != nil {
		return env, nil, err
	}
	return env, data, nil
}

func (c *client) OpenObject(ctx context.Context, loc ObjectLocator, minVersion, maxVersion int) (Envelope, StreamHandle, error) {
	if err := c.checkOpen(); err != nil {
		return Envelope{}, nil, err
	}
	loc, err := c.res.Normalize(loc)
	if err != nil {
		return Envelope{}, nil, err
	}
	gate := envelope.Gate{MinVersion: minVersion, MaxVersion: maxVersion}

	// Only the latest version is cacheable; a pinned version bypasses the
	// cache entirely.
	if c.local != nil && loc.Version == "" {
		if info, herr := c.eng.Head(ctx, loc); herr == nil {
			if env, h, cerr, ok := c.openCached(loc, info.ETag, gate); ok {
				return env, h, cerr
			}
			env, h, err := c.eng.Get(ctx, loc, gate)
			if err != nil {
				return Envelope{}, nil, err
			}
			return env, c.fillCache(loc, info.ETag, env, h), nil
		}
		// Head failed; let the plain path produce the canonical error.
	}

	return c.eng.Get(ctx, loc, gate)
}

// OpenObjectRange streams bytes start through end (end < 0 means to the end)
// of the stored payload. Ranged reads bypass the cache and skip hash
// verification, since a partial payload cannot be rehashed; only
// uncompressed payloads are range-addressable.
func (c *client) OpenObjectRange(ctx context.Context, loc ObjectLocator, minVersion, maxVersion int, start, end int64) (Envelope, StreamHandle, error) {
	if err := c.checkOpen(); err != nil {
		return Envelope{}, nil, err
	}
	loc, err := c.res.Normalize(loc)
	if err != nil {
		return Envelope{}, nil, err
	}
	if start < 0 || (end >= 0 && end < start) {
		return Envelope{}, nil, fmt.Errorf("%w: byte range [%d, %d]", core.ErrInvalidIdentifier, start, end)
	}

	gate := envelope.Gate{MinVersion: minVersion, MaxVersion: maxVersion}
	return c.eng.GetRange(ctx, loc, gate, transfer.ByteRange{Start: start, End: end})
}

// openCached serves loc from the local cache when both the envelope and the
// payload are present under the remote object's current ETag. ok reports
// whether the cache decided the call, including a gate rejection of the
// cached envelope.
func (c *client) openCached(loc ObjectLocator, etag string, gate envelope.Gate) (Envelope, StreamHandle, error, bool) {
	mrc, hit, err := c.local.Get(cacheKey(loc)+core.MetaSuffix, etag)
	if err != nil || !hit {
		return Envelope{}, nil, nil, false
	}
	raw, err := io.ReadAll(mrc)
	mrc.Close()
	if err != nil {
		return Envelope{}, nil, nil, false
	}
	env, err := c.env.Decode(raw)
	if err != nil {
		c.invalidate(loc)
		return Envelope{}, nil, nil, false
	}

	if err := gate.Check(env); err != nil {
		return Envelope{}, nil, err, true
	}

	prc, hit, err := c.local.Get(cacheKey(loc), etag)
	if err != nil || !hit {
		return Envelope{}, nil, nil, false
	}
	// Payload bytes were hash-verified when the entry was written.
	return env, c.split.Handle(prc), nil, true
}

// fillCache wraps h so the decoded payload lands in the cache as it streams
// past. Only a clean, fully verified read is committed.
func (c *client) fillCache(loc ObjectLocator, etag string, env Envelope, h StreamHandle) StreamHandle {
	raw, err := c.env.Encode(env)
	if err != nil {
		return h
	}
	w, err := c.local.Writer(cacheKey(loc), etag)
	if err != nil {
		c.log.WithError(err).Debug("cache writer unavailable, streaming uncached")
		return h
	}
	return &cachingHandle{inner: h, w: w, c: c, loc: loc, etag: etag, envRaw: raw}
}

func (c *client) invalidate(loc ObjectLocator) {
	if c.local == nil {
		return
	}
	c.local.Remove(cacheKey(loc))
	c.local.Remove(cacheKey(loc) + core.MetaSuffix)
}

func cacheKey(loc ObjectLocator) string {
	return loc.Bucket + "/" + loc.Key
}

type cachingHandle struct {
	inner     StreamHandle
	w         *cache.EntryWriter
	c         *client
	loc       ObjectLocator
	etag      string
	envRaw    []byte
	failed    bool
	committed bool
}

func (h *cachingHandle) Next() ([]byte, error) {
	chunk, err := h.inner.Next()
	if err == nil {
		if !h.failed {
			if _, werr := h.w.Write(chunk); werr != nil {
				h.failed = true
			}
		}
		return chunk, nil
	}
	if err == io.EOF && !h.failed {
		h.commit()
	} else if err != io.EOF {
		h.failed = true
	}
	return nil, err
}

func (h *cachingHandle) commit() {
	if h.committed {
		return
	}
	h.committed = true
	if err := h.w.Commit(); err != nil {
		h.c.log.WithError(err).Debug("failed to commit cached payload")
		return
	}
	mw, err := h.c.local.Writer(cacheKey(h.loc)+core.MetaSuffix, h.etag)
	if err != nil {
		return
	}
	if _, err := mw.Write(h.envRaw); err != nil {
		mw.Abort()
		return
	}
	if err := mw.Commit(); err != nil {
		h.c.log.WithError(err).Debug("failed to commit cached envelope")
	}
}

func (h *cachingHandle) Close() error {
	if !h.committed {
		h.w.Abort()
	}
	return h.inner.Close()
}

func (c *client) GetObjectToFile(ctx context.Context, loc ObjectLocator, minVersion, maxVersion int, path string) (Envelope, error) {
	env, h, err := c.OpenObject(ctx, loc, minVersion, maxVersion)
	if err != nil {
		return Envelope{}, err
	}
	defer h.Close()

	f, err := os.CreateTemp(filepath.Dir(path), ".s3tethys-*")
	if err != nil {
		return env, err
	}
	defer os.Remove(f.Name())

	for {
		chunk, nerr := h.Next()
		if nerr == io.EOF {
			break
		}
		if nerr != nil {
			f.Close()
			return env, nerr
		}
		if _, werr := f.Write(chunk); werr != nil {
			f.Close()
			return env, werr
		}
	}
	if err := f.Close(); err != nil {
		return env, err
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return env, err
	}
	return env, nil
}

func (c *client) ObjectExists(ctx context.Context, loc ObjectLocator) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	loc, err := c.res.Normalize(loc)
	if err != nil {
		return false, err
	}
	return c.eng.Exists(ctx, loc)
}

func (c *client) DeleteObject(ctx context.Context, loc ObjectLocator) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	loc, err := c.res.Normalize(loc)
	if err != nil {
		return err
	}
	err = c.eng.Delete(ctx, loc)
	c.invalidate(loc)
	return err
}

func (c *client) ListObjects(ctx context.Context, prefix, resumeToken string) *ObjectIterator {
	if err := c.checkOpen(); err != nil {
		return transfer.FailedObjects(err)
	}
	return c.eng.Objects(ctx, c.res.Bucket(), prefix, resumeToken)
}

func (c *client) ListObjectVersions(ctx context.Context, prefix string) *VersionIterator {
	if err := c.checkOpen(); err != nil {
		return transfer.FailedVersions(err)
	}
	return c.eng.Versions(ctx, c.res.Bucket(), prefix)
}

func (c *client) CopyObject(ctx context.Context, src, dst ObjectLocator) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	src, err := c.res.Normalize(src)
	if err != nil {
		return err
	}
	dst, err = c.res.Normalize(dst)
	if err != nil {
		return err
	}
	if err := c.eng.Copy(ctx, src, dst); err != nil {
		return err
	}
	c.invalidate(dst)
	return nil
}

func (c *client) CopyObjects(ctx context.Context, pairs []CopyPair, workers int) error {
	if workers <= 0 {
		workers = 4
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, p := range pairs {
		p := p
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.CopyObject(ctx, p.Src, p.Dst); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s -> %s: %w", p.Src.Key, p.Dst.Key, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}
