package transfer

import (
	"context"
	"io"

	"github.com/tethys-ts/s3tethys/pkg/core"
)

// ByteRange selects part of an object. End < 0 means "to the end".
type ByteRange struct {
	Start int64
	End   int64
}

// GetOptions narrow a backend GET to one version or byte range.
type GetOptions struct {
	VersionID string
	Range     *ByteRange
}

// ListPage is one page of a key listing. An empty NextToken means the store
// reported no continuation and the listing is complete.
type ListPage struct {
	Objects   []core.ObjectInfo
	NextToken string
}

// VersionPage is one page of an object-version listing.
type VersionPage struct {
	Versions      []core.ObjectInfo
	NextKeyMarker string
}

// Backend is the raw object store protocol: PUT/GET/HEAD/DELETE/COPY/LIST
// over an S3-compatible API. Implementations map store failures onto the
// core taxonomy: absence to core.ErrNotFound, and timeouts, throttling, and
// 5xx-equivalents to core.ErrTransient so the engine can retry them. A
// backend never retries on its own.
type Backend interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) error
	Get(ctx context.Context, bucket, key string, opts GetOptions) (io.ReadCloser, core.ObjectInfo, error)
	Head(ctx context.Context, bucket, key string) (core.ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	List(ctx context.Context, bucket, prefix, continuationToken string, maxKeys int) (ListPage, error)
	ListVersions(ctx context.Context, bucket, prefix, keyMarker string) (VersionPage, error)
	Close() error
}

const (
	payloadContentType  = "application/zstd"
	envelopeContentType = "application/cbor"
)
