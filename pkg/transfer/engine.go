// Package transfer moves bytes between the local process and the remote
// object store, chunk by chunk, interleaving the compression codec and the
// envelope validator. Payloads stream through in a single pass; nothing here
// buffers a whole object.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tethys-ts/s3tethys/pkg/codec"
	"github.com/tethys-ts/s3tethys/pkg/core"
	"github.com/tethys-ts/s3tethys/pkg/envelope"
	"github.com/tethys-ts/s3tethys/pkg/stream"
)

// PutMeta carries the schema identity and codec selection for one upload.
type PutMeta struct {
	SchemaName    string
	SchemaVersion int
	Codec         core.CodecID
	Level         int
}

// Engine coordinates backend, codec, and validator. It holds no mutable
// state beyond the connection-slot semaphore, so operations on distinct
// locators are safe concurrently. Same-locator writes are last-writer-wins
// at the store.
type Engine struct {
	cfg   core.TransferConfig
	be    Backend
	env   envelope.Codec
	split *stream.Splitter
	log   *logrus.Logger
	slots chan struct{}
}

func New(be Backend, cfg core.TransferConfig, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		cfg:   cfg,
		be:    be,
		env:   envelope.NewCodec(),
		split: stream.NewSplitter(cfg.ChunkSizeBytes),
		log:   log,
		slots: make(chan struct{}, cfg.PoolSize),
	}
}

// acquire blocks for a connection slot up to the configured pool wait.
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	select {
	case e.slots <- struct{}{}:
		return func() { <-e.slots }, nil
	default:
	}

	wait := time.NewTimer(e.cfg.PoolWait)
	defer wait.Stop()
	select {
	case e.slots <- struct{}{}:
		return func() { <-e.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wait.C:
		return nil, fmt.Errorf("%w: no free slot after %s", core.ErrPoolExhausted, e.cfg.PoolWait)
	}
}

// Put streams src through the codec into the payload object, then writes the
// envelope sidecar. The upload is all-or-nothing from the caller's view: on
// failure the partial payload is deleted best-effort and ErrTransferFailed
// is returned. A seekable source is rewound and retried on transient
// failures; a non-seekable one gets a single attempt since its bytes cannot
// be replayed.
func (e *Engine) Put(ctx context.Context, loc core.ObjectLocator, src io.Reader, meta PutMeta) (core.TransferResult, error) {
	cdc, err := codec.New(meta.Codec, meta.Level)
	if err != nil {
		return core.TransferResult{}, err
	}

	release, err := e.acquire(ctx)
	if err != nil {
		return core.TransferResult{}, err
	}
	defer release()

	start := time.Now()

	var (
		seeker, seekable = src.(io.Seeker)
		startPos         int64
		uncompressed     int64
		compressed       int64
		hash             string
	)
	if seekable {
		if startPos, err = seeker.Seek(0, io.SeekCurrent); err != nil {
			seekable = false
		}
	}

	attempt := func() error {
		if seekable {
			if _, err := seeker.Seek(startPos, io.SeekStart); err != nil {
				return err
			}
		}
		n, cn, h, err := e.putPayload(ctx, loc, src, cdc)
		if err != nil {
			return err
		}
		uncompressed, compressed, hash = n, cn, h
		return nil
	}

	if seekable {
		err = e.retry(ctx, "put "+loc.Key, attempt)
	} else {
		err = attempt()
	}
	if err != nil {
		e.abortPut(loc)
		return core.TransferResult{}, e.wrapTransfer("put", loc, err)
	}

	env := core.Envelope{
		SchemaName:       meta.SchemaName,
		SchemaVersion:    meta.SchemaVersion,
		ContentHash:      hash,
		UncompressedSize: uint64(uncompressed),
		Codec:            meta.Codec,
		Level:            meta.Level,
	}
	envBytes, err := e.env.Encode(env)
	if err != nil {
		e.abortPut(loc)
		return core.TransferResult{}, err
	}

	err = e.retry(ctx, "put "+loc.MetaKey(), func() error {
		return e.be.Put(ctx, loc.Bucket, loc.MetaKey(), bytes.NewReader(envBytes), envelopeContentType)
	})
	if err != nil {
		e.abortPut(loc)
		return core.TransferResult{}, e.wrapTransfer("put envelope", loc, err)
	}

	e.log.WithFields(logrus.Fields{
		"bucket": loc.Bucket,
		"key":    loc.Key,
		"schema": meta.SchemaName,
		"size":   uncompressed,
		"wire":   compressed,
	}).Debug("put complete")

	return core.TransferResult{
		BytesTransferred: compressed,
		Envelope:         env,
		ElapsedMillis:    time.Since(start).Milliseconds(),
	}, nil
}

// putPayload runs one upload attempt: src -> hasher tee -> encoder -> store.
func (e *Engine) putPayload(ctx context.Context, loc core.ObjectLocator, src io.Reader, cdc codec.Codec) (uncompressed, compressed int64, hash string, err error) {
	hasher := envelope.NewHasher()
	pr, pw := io.Pipe()
	cw := &countWriter{w: pw}

	done := make(chan struct{})
	var encErr error
	go func() {
		defer close(done)
		enc, err := cdc.NewEncoder(cw)
		if err != nil {
			encErr = err
			pw.CloseWithError(err)
			return
		}
		n, err := io.Copy(enc, io.TeeReader(src, hasher))
		uncompressed = n
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
		encErr = err
		pw.CloseWithError(err)
	}()

	putErr := e.be.Put(ctx, loc.Bucket, loc.Key, pr, payloadContentType)
	pr.CloseWithError(putErr)
	<-done

	if encErr != nil {
		return 0, 0, "", encErr
	}
	if putErr != nil {
		return 0, 0, "", putErr
	}
	return uncompressed, cw.n, hasher.Sum(), nil
}

// abortPut removes whatever the failed put left behind, best-effort. Callers
// must still confirm absence with Exists before assuming the object is gone.
func (e *Engine) abortPut(loc core.ObjectLocator) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, key := range []string{loc.Key, loc.MetaKey()} {
		if err := e.be.Delete(ctx, loc.Bucket, key); err != nil && !core.IsNotFound(err) {
			e.log.WithError(err).WithField("key", key).Warn("failed to clean up partial object")
		}
	}
}

// Get opens the object at loc for streamed reading. The envelope sidecar is
// fetched and gated first, before any payload bytes move. The returned
// handle decodes lazily; the content hash is verified incrementally and a
// mismatch surfaces as ErrHashMismatch from the final Next call, even when
// earlier chunks were already yielded.
func (e *Engine) Get(ctx context.Context, loc core.ObjectLocator, gate envelope.Gate) (core.Envelope, core.StreamHandle, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return core.Envelope{}, nil, err
	}

	env, err := e.readEnvelope(ctx, loc)
	if err != nil {
		release()
		return core.Envelope{}, nil, err
	}
	if err := gate.Check(env); err != nil {
		release()
		return core.Envelope{}, nil, err
	}

	cdc, err := codec.New(env.Codec, env.Level)
	if err != nil {
		release()
		return core.Envelope{}, nil, err
	}

	var rc io.ReadCloser
	err = e.retry(ctx, "get "+loc.Key, func() error {
		var err error
		rc, _, err = e.be.Get(ctx, loc.Bucket, loc.Key, GetOptions{VersionID: loc.Version})
		return err
	})
	if err != nil {
		release()
		return core.Envelope{}, nil, e.wrapTransfer("get", loc, err)
	}

	dec, err := cdc.NewDecoder(rc)
	if err != nil {
		rc.Close()
		release()
		return core.Envelope{}, nil, err
	}

	vr := &verifyReader{r: dec, hasher: envelope.NewHasher(), env: env}
	handle := e.split.Handle(&releaseCloser{
		Reader:  vr,
		closers: []io.Closer{dec, rc},
		release: release,
	})
	return env, handle, nil
}

// GetRange streams stored payload bytes from rng.Start through rng.End
// (End < 0 means to the end of the object). The envelope is still fetched
// and gated, but only uncompressed payloads are range-addressable, and a
// partial read cannot be hash-verified.
func (e *Engine) GetRange(ctx context.Context, loc core.ObjectLocator, gate envelope.Gate, rng ByteRange) (core.Envelope, core.StreamHandle, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return core.Envelope{}, nil, err
	}

	env, err := e.readEnvelope(ctx, loc)
	if err != nil {
		release()
		return core.Envelope{}, nil, err
	}
	if err := gate.Check(env); err != nil {
		release()
		return core.Envelope{}, nil, err
	}
	if env.Codec != core.CodecNone {
		release()
		return core.Envelope{}, nil, fmt.Errorf("%w: ranged read of a %s-compressed payload", core.ErrInvalidConfig, env.Codec)
	}

	var rc io.ReadCloser
	err = e.retry(ctx, "get "+loc.Key, func() error {
		var err error
		rc, _, err = e.be.Get(ctx, loc.Bucket, loc.Key, GetOptions{VersionID: loc.Version, Range: &rng})
		return err
	})
	if err != nil {
		release()
		return core.Envelope{}, nil, e.wrapTransfer("get", loc, err)
	}

	handle := e.split.Handle(&releaseCloser{
		Reader:  rc,
		closers: []io.Closer{rc},
		release: release,
	})
	return env, handle, nil
}

// readEnvelope fetches and decodes the sidecar for loc. A version-pinned
// locator reads the sidecar version written alongside that payload version,
// not the latest one.
func (e *Engine) readEnvelope(ctx context.Context, loc core.ObjectLocator) (core.Envelope, error) {
	metaVersion := ""
	if loc.Version != "" {
		var err error
		metaVersion, err = e.pairedMetaVersion(ctx, loc)
		if err != nil {
			return core.Envelope{}, err
		}
	}

	var raw []byte
	err := e.retry(ctx, "get "+loc.MetaKey(), func() error {
		rc, _, err := e.be.Get(ctx, loc.Bucket, loc.MetaKey(), GetOptions{VersionID: metaVersion})
		if err != nil {
			return err
		}
		defer rc.Close()
		raw, err = io.ReadAll(rc)
		return err
	})
	if err != nil {
		if core.IsNotFound(err) {
			return core.Envelope{}, fmt.Errorf("%w: no envelope for %s/%s", core.ErrNotFound, loc.Bucket, loc.Key)
		}
		return core.Envelope{}, e.wrapTransfer("get envelope", loc, err)
	}
	return e.env.Decode(raw)
}

// pairedMetaVersion resolves the sidecar version that validates the pinned
// payload version. Payload and sidecar histories move in lockstep — every
// put writes the pair and every delete removes the pair — so the n-th
// version of one pairs with the n-th version of the other in a single
// listing.
func (e *Engine) pairedMetaVersion(ctx context.Context, loc core.ObjectLocator) (string, error) {
	var payloadVers, metaVers []string
	marker := ""
	for {
		var page VersionPage
		err := e.retry(ctx, "list versions "+loc.Key, func() error {
			var err error
			page, err = e.be.ListVersions(ctx, loc.Bucket, loc.Key, marker)
			return err
		})
		if err != nil {
			return "", e.wrapTransfer("list versions", loc, err)
		}
		for _, v := range page.Versions {
			switch v.Key {
			case loc.Key:
				payloadVers = append(payloadVers, v.VersionID)
			case loc.MetaKey():
				metaVers = append(metaVers, v.VersionID)
			}
		}
		marker = page.NextKeyMarker
		if marker == "" {
			break
		}
	}

	for i, pv := range payloadVers {
		if pv != loc.Version {
			continue
		}
		if i >= len(metaVers) {
			return "", fmt.Errorf("%w: no envelope for %s/%s?version=%s", core.ErrNotFound, loc.Bucket, loc.Key, loc.Version)
		}
		return metaVers[i], nil
	}
	return "", fmt.Errorf("%w: %s/%s?version=%s", core.ErrNotFound, loc.Bucket, loc.Key, loc.Version)
}

// Head returns store-level metadata for the payload object.
func (e *Engine) Head(ctx context.Context, loc core.ObjectLocator) (core.ObjectInfo, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return core.ObjectInfo{}, err
	}
	defer release()

	var info core.ObjectInfo
	err = e.retry(ctx, "head "+loc.Key, func() error {
		var err error
		info, err = e.be.Head(ctx, loc.Bucket, loc.Key)
		return err
	})
	if err != nil && !core.IsNotFound(err) {
		return core.ObjectInfo{}, e.wrapTransfer("head", loc, err)
	}
	return info, err
}

// Exists reports whether the payload object is present.
func (e *Engine) Exists(ctx context.Context, loc core.ObjectLocator) (bool, error) {
	_, err := e.Head(ctx, loc)
	if core.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the payload and its sidecar. Deleting an absent object
// fails with ErrNotFound, every time.
func (e *Engine) Delete(ctx context.Context, loc core.ObjectLocator) error {
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = e.retry(ctx, "head "+loc.Key, func() error {
		_, err := e.be.Head(ctx, loc.Bucket, loc.Key)
		return err
	})
	if err != nil {
		if core.IsNotFound(err) {
			return fmt.Errorf("%w: %s/%s", core.ErrNotFound, loc.Bucket, loc.Key)
		}
		return e.wrapTransfer("delete", loc, err)
	}

	err = e.retry(ctx, "delete "+loc.Key, func() error {
		return e.be.Delete(ctx, loc.Bucket, loc.Key)
	})
	if err != nil {
		return e.wrapTransfer("delete", loc, err)
	}

	// Sidecar removal is best-effort; a dangling sidecar is harmless and
	// invisible to listings.
	if err := e.be.Delete(ctx, loc.Bucket, loc.MetaKey()); err != nil && !core.IsNotFound(err) {
		e.log.WithError(err).WithField("key", loc.MetaKey()).Warn("failed to delete envelope sidecar")
	}
	return nil
}

// Copy duplicates payload and sidecar server-side. All metadata carries over.
func (e *Engine) Copy(ctx context.Context, src, dst core.ObjectLocator) error {
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = e.retry(ctx, "copy "+src.Key, func() error {
		return e.be.Copy(ctx, src.Bucket, src.Key, dst.Bucket, dst.Key)
	})
	if err != nil {
		if core.IsNotFound(err) {
			return fmt.Errorf("%w: %s/%s", core.ErrNotFound, src.Bucket, src.Key)
		}
		return e.wrapTransfer("copy", src, err)
	}

	err = e.retry(ctx, "copy "+src.MetaKey(), func() error {
		return e.be.Copy(ctx, src.Bucket, src.MetaKey(), dst.Bucket, dst.MetaKey())
	})
	if err != nil {
		e.abortPut(dst)
		return e.wrapTransfer("copy envelope", src, err)
	}
	return nil
}

func (e *Engine) wrapTransfer(op string, loc core.ObjectLocator, err error) error {
	if err == nil {
		return nil
	}
	// Validation and absence failures keep their own identity; only
	// network-level failures collapse into ErrTransferFailed.
	for _, keep := range []error{
		core.ErrNotFound, core.ErrCorruptStream, core.ErrHashMismatch,
		core.ErrSchemaMismatch, core.ErrUnsupportedVersion,
		core.ErrInvalidConfig, core.ErrInvalidIdentifier, core.ErrPoolExhausted,
	} {
		if errors.Is(err, keep) {
			return fmt.Errorf("%s %s/%s: %w", op, loc.Bucket, loc.Key, err)
		}
	}
	return fmt.Errorf("%w: %s %s/%s: %v", core.ErrTransferFailed, op, loc.Bucket, loc.Key, err)
}

// verifyReader hashes decoded bytes as they pass through and turns the
// stream's EOF into ErrHashMismatch when the recomputed hash differs from
// the envelope (trailing-error signaling).
type verifyReader struct {
	r        io.Reader
	hasher   *envelope.Hasher
	env      core.Envelope
	verified bool
}

func (v *verifyReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		v.hasher.Write(p[:n])
	}
	if err == io.EOF && !v.verified {
		v.verified = true
		if verr := v.hasher.Verify(v.env); verr != nil {
			return n, verr
		}
	}
	return n, err
}

// releaseCloser closes the decode chain and frees the connection slot.
type releaseCloser struct {
	io.Reader
	closers []io.Closer
	release func()
}

func (r *releaseCloser) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	if r.release != nil {
		r.release()
		r.release = nil
	}
	return first
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Objects iterates keys under prefix lazily with restartable pagination.
// Envelope sidecars are filtered out. Pass the token from a previous
// iterator's ResumeToken to continue an interrupted listing.
func (e *Engine) Objects(ctx context.Context, bucket, prefix, token string) *ObjectIterator {
	return &ObjectIterator{e: e, ctx: ctx, bucket: bucket, prefix: prefix, token: token}
}

// FailedObjects returns an iterator whose Next always reports err. It lets
// callers that cannot return an error directly still surface one.
func FailedObjects(err error) *ObjectIterator {
	return &ObjectIterator{failErr: err, done: true}
}

type ObjectIterator struct {
	e       *Engine
	ctx     context.Context
	bucket  string
	prefix  string
	token   string
	page    []core.ObjectInfo
	idx     int
	done    bool
	failErr error
}

// Next returns the next object, or io.EOF when the store reports no
// continuation token and the final page is drained.
func (it *ObjectIterator) Next() (core.ObjectInfo, error) {
	if it.failErr != nil {
		return core.ObjectInfo{}, it.failErr
	}
	for {
		if it.idx < len(it.page) {
			info := it.page[it.idx]
			it.idx++
			if strings.HasSuffix(info.Key, core.MetaSuffix) {
				continue
			}
			return info, nil
		}
		if it.done {
			return core.ObjectInfo{}, io.EOF
		}

		var page ListPage
		err := it.e.retry(it.ctx, "list "+it.prefix, func() error {
			var err error
			page, err = it.e.be.List(it.ctx, it.bucket, it.prefix, it.token, 0)
			return err
		})
		if err != nil {
			it.done = true
			return core.ObjectInfo{}, it.e.wrapTransfer("list", core.ObjectLocator{Bucket: it.bucket, Key: it.prefix}, err)
		}

		it.page = page.Objects
		it.idx = 0
		it.token = page.NextToken
		if it.token == "" {
			it.done = true
		}
		if len(it.page) == 0 && it.done {
			return core.ObjectInfo{}, io.EOF
		}
	}
}

// ResumeToken returns the continuation token to restart the listing after
// the most recently fetched page.
func (it *ObjectIterator) ResumeToken() string { return it.token }

// Versions iterates object versions under prefix, sidecars filtered.
func (e *Engine) Versions(ctx context.Context, bucket, prefix string) *VersionIterator {
	return &VersionIterator{e: e, ctx: ctx, bucket: bucket, prefix: prefix}
}

// FailedVersions is the VersionIterator counterpart of FailedObjects.
func FailedVersions(err error) *VersionIterator {
	return &VersionIterator{failErr: err, done: true}
}

type VersionIterator struct {
	e       *Engine
	ctx     context.Context
	bucket  string
	prefix  string
	marker  string
	page    []core.ObjectInfo
	idx     int
	done    bool
	failErr error
}

func (it *VersionIterator) Next() (core.ObjectInfo, error) {
	if it.failErr != nil {
		return core.ObjectInfo{}, it.failErr
	}
	for {
		if it.idx < len(it.page) {
			info := it.page[it.idx]
			it.idx++
			if strings.HasSuffix(info.Key, core.MetaSuffix) {
				continue
			}
			return info, nil
		}
		if it.done {
			return core.ObjectInfo{}, io.EOF
		}

		var page VersionPage
		err := it.e.retry(it.ctx, "list versions "+it.prefix, func() error {
			var err error
			page, err = it.e.be.ListVersions(it.ctx, it.bucket, it.prefix, it.marker)
			return err
		})
		if err != nil {
			it.done = true
			return core.ObjectInfo{}, it.e.wrapTransfer("list versions", core.ObjectLocator{Bucket: it.bucket, Key: it.prefix}, err)
		}

		it.page = page.Versions
		it.idx = 0
		it.marker = page.NextKeyMarker
		if it.marker == "" {
			it.done = true
		}
		if len(it.page) == 0 && it.done {
			return core.ObjectInfo{}, io.EOF
		}
	}
}
