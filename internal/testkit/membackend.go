package testkit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tethys-ts/s3tethys/pkg/core"
	"github.com/tethys-ts/s3tethys/pkg/transfer"
)

// MemBackend is an in-memory transfer.Backend with versioning, paginated
// listings, and fault injection. It mimics the error taxonomy a real
// S3-compatible backend produces.
type MemBackend struct {
	mu      sync.Mutex
	buckets map[string]map[string][]memVersion
	seq     int

	// PageSize bounds List/ListVersions pages; 0 means 1000.
	PageSize int

	// FailPuts / FailGets / FailHeads make the next N calls of that kind
	// fail with a transient error.
	FailPuts  int
	FailGets  int
	FailHeads int

	putCalls int
	getCalls int
}

type memVersion struct {
	data      []byte
	etag      string
	versionID string
	modified  int64
	deleted   bool
}

func NewMemBackend() *MemBackend {
	return &MemBackend{buckets: make(map[string]map[string][]memVersion)}
}

func (m *MemBackend) PutCalls() int { m.mu.Lock(); defer m.mu.Unlock(); return m.putCalls }
func (m *MemBackend) GetCalls() int { m.mu.Lock(); defer m.mu.Unlock(); return m.getCalls }

func transientf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", core.ErrTransient, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", core.ErrNotFound, fmt.Sprintf(format, args...))
}

func (m *MemBackend) Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Drain outside the lock; the reader may block on the caller's pipe.
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.FailPuts > 0 {
		m.FailPuts--
		return transientf("injected put failure for %s", key)
	}

	if m.buckets[bucket] == nil {
		m.buckets[bucket] = make(map[string][]memVersion)
	}
	m.seq++
	m.buckets[bucket][key] = append(m.buckets[bucket][key], memVersion{
		data:      data,
		etag:      fmt.Sprintf("etag-%08x", m.seq),
		versionID: strconv.Itoa(m.seq),
		modified:  time.Now().Unix(),
	})
	return nil
}

func (m *MemBackend) lookup(bucket, key, versionID string) (memVersion, error) {
	versions := m.buckets[bucket][key]
	if versionID == "" {
		for i := len(versions) - 1; i >= 0; i-- {
			if !versions[i].deleted {
				return versions[i], nil
			}
		}
		return memVersion{}, notFoundf("%s/%s", bucket, key)
	}
	for _, v := range versions {
		if v.versionID == versionID && !v.deleted {
			return v, nil
		}
	}
	return memVersion{}, notFoundf("%s/%s?version=%s", bucket, key, versionID)
}

func (m *MemBackend) Get(ctx context.Context, bucket, key string, opts transfer.GetOptions) (io.ReadCloser, core.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.ObjectInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.FailGets > 0 {
		m.FailGets--
		return nil, core.ObjectInfo{}, transientf("injected get failure for %s", key)
	}

	v, err := m.lookup(bucket, key, opts.VersionID)
	if err != nil {
		return nil, core.ObjectInfo{}, err
	}

	data := v.data
	if opts.Range != nil {
		start, end := opts.Range.Start, opts.Range.End
		if end < 0 || end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		if start > end {
			data = nil
		} else {
			data = data[start : end+1]
		}
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	return io.NopCloser(bytes.NewReader(cp)), m.info(key, v), nil
}

func (m *MemBackend) Head(ctx context.Context, bucket, key string) (core.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return core.ObjectInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailHeads > 0 {
		m.FailHeads--
		return core.ObjectInfo{}, transientf("injected head failure for %s", key)
	}

	v, err := m.lookup(bucket, key, "")
	if err != nil {
		return core.ObjectInfo{}, err
	}
	return m.info(key, v), nil
}

func (m *MemBackend) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// S3 delete is idempotent success even for absent keys.
	versions := m.buckets[bucket][key]
	for i := range versions {
		versions[i].deleted = true
	}
	return nil
}

func (m *MemBackend) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.lookup(srcBucket, srcKey, "")
	if err != nil {
		return err
	}

	if m.buckets[dstBucket] == nil {
		m.buckets[dstBucket] = make(map[string][]memVersion)
	}
	m.seq++
	cp := make([]byte, len(v.data))
	copy(cp, v.data)
	m.buckets[dstBucket][dstKey] = append(m.buckets[dstBucket][dstKey], memVersion{
		data:      cp,
		etag:      v.etag,
		versionID: strconv.Itoa(m.seq),
		modified:  time.Now().Unix(),
	})
	return nil
}

func (m *MemBackend) List(ctx context.Context, bucket, prefix, continuationToken string, maxKeys int) (transfer.ListPage, error) {
	if err := ctx.Err(); err != nil {
		return transfer.ListPage{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.sortedKeys(bucket, prefix)
	pageSize := m.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	if maxKeys > 0 && maxKeys < pageSize {
		pageSize = maxKeys
	}

	start := 0
	if continuationToken != "" {
		start = sort.SearchStrings(keys, continuationToken)
	}

	var page transfer.ListPage
	for i := start; i < len(keys) && len(page.Objects) < pageSize; i++ {
		v, err := m.lookup(bucket, keys[i], "")
		if err != nil {
			continue
		}
		page.Objects = append(page.Objects, m.info(keys[i], v))
		if i+1 < len(keys) && len(page.Objects) == pageSize {
			page.NextToken = keys[i+1]
		}
	}
	return page, nil
}

func (m *MemBackend) ListVersions(ctx context.Context, bucket, prefix, keyMarker string) (transfer.VersionPage, error) {
	if err := ctx.Err(); err != nil {
		return transfer.VersionPage{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.sortedKeys(bucket, prefix)
	start := 0
	if keyMarker != "" {
		start = sort.SearchStrings(keys, keyMarker)
	}

	pageSize := m.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	var page transfer.VersionPage
	for i := start; i < len(keys); i++ {
		versions := m.buckets[bucket][keys[i]]
		for j, v := range versions {
			if v.deleted {
				continue
			}
			info := m.info(keys[i], v)
			info.IsLatest = j == len(versions)-1
			page.Versions = append(page.Versions, info)
		}
		if len(page.Versions) >= pageSize && i+1 < len(keys) {
			page.NextKeyMarker = keys[i+1]
			break
		}
	}
	return page, nil
}

func (m *MemBackend) Close() error { return nil }

// Corrupt flips one byte of the latest stored version at the given offset.
func (m *MemBackend) Corrupt(bucket, key string, offset int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.buckets[bucket][key]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].deleted {
			continue
		}
		if offset < 0 || offset >= len(versions[i].data) {
			return fmt.Errorf("corrupt offset %d out of range", offset)
		}
		versions[i].data[offset] ^= 0xFF
		return nil
	}
	return notFoundf("%s/%s", bucket, key)
}

// StoredSize returns the stored byte count of the latest version.
func (m *MemBackend) StoredSize(bucket, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.lookup(bucket, key, "")
	if err != nil {
		return 0, err
	}
	return len(v.data), nil
}

func (m *MemBackend) sortedKeys(bucket, prefix string) []string {
	var keys []string
	for k := range m.buckets[bucket] {
		if prefix == "" || len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *MemBackend) info(key string, v memVersion) core.ObjectInfo {
	return core.ObjectInfo{
		Key:          key,
		Size:         int64(len(v.data)),
		ETag:         v.etag,
		LastModified: v.modified,
		VersionID:    v.versionID,
	}
}
