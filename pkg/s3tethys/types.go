package s3tethys

import (
	"context"
	"io"

	"github.com/tethys-ts/s3tethys/pkg/core"
	"github.com/tethys-ts/s3tethys/pkg/transfer"
)

// Alias core types so callers only import this package.
type ObjectLocator = core.ObjectLocator
type Envelope = core.Envelope
type TransferResult = core.TransferResult
type StreamHandle = core.StreamHandle
type ObjectInfo = core.ObjectInfo
type CodecID = core.CodecID

const (
	CodecNone = core.CodecNone
	CodecZstd = core.CodecZstd
)

// Iterators come straight from the transfer layer.
type ObjectIterator = transfer.ObjectIterator
type VersionIterator = transfer.VersionIterator

// CopyPair names one source/destination pair for a bulk copy.
type CopyPair struct {
	Src ObjectLocator
	Dst ObjectLocator
}

// Client is the primary interface for s3tethys. One Client per bucket
// namespace; safe for concurrent use. Every open StreamHandle must be closed.
type Client interface {
	// Resolve maps a logical dataset id onto its object locator without I/O.
	Resolve(schemaName string, schemaVersion int, logicalID string) (ObjectLocator, error)

	// PutObject compresses and uploads r as the payload at loc and writes its
	// envelope. The write is all-or-nothing from the caller's point of view.
	PutObject(ctx context.Context, loc ObjectLocator, r io.Reader, schemaName string, schemaVersion int) (TransferResult, error)

	// GetObject downloads, validates, and decompresses the whole object.
	// minVersion/maxVersion bound the acceptable schema version; 0 means
	// unbounded on that side.
	GetObject(ctx context.Context, loc ObjectLocator, minVersion, maxVersion int) (Envelope, []byte, error)

	// OpenObject is the streamed form of GetObject. The envelope is validated
	// before the handle is returned; the content hash is verified before the
	// final chunk's successor call reports io.EOF.
	OpenObject(ctx context.Context, loc ObjectLocator, minVersion, maxVersion int) (Envelope, StreamHandle, error)

	// OpenObjectRange streams bytes start through end (end < 0 means to the
	// end) of the stored payload. Only uncompressed payloads are
	// range-addressable; a partial read is not hash-verified.
	OpenObjectRange(ctx context.Context, loc ObjectLocator, minVersion, maxVersion int, start, end int64) (Envelope, StreamHandle, error)

	// GetObjectToFile streams the decoded payload into the file at path,
	// replacing it atomically on success.
	GetObjectToFile(ctx context.Context, loc ObjectLocator, minVersion, maxVersion int, path string) (Envelope, error)

	ObjectExists(ctx context.Context, loc ObjectLocator) (bool, error)

	// DeleteObject removes the payload and its envelope. Deleting an absent
	// object fails with ErrNotFound.
	DeleteObject(ctx context.Context, loc ObjectLocator) error

	// ListObjects iterates keys under prefix (relative to the bucket root).
	// Pass a ResumeToken from an earlier iterator to continue a listing;
	// empty starts from the beginning.
	ListObjects(ctx context.Context, prefix, resumeToken string) *ObjectIterator

	// ListObjectVersions iterates all stored versions under prefix.
	ListObjectVersions(ctx context.Context, prefix string) *VersionIterator

	// CopyObject duplicates an object and its envelope server-side.
	CopyObject(ctx context.Context, src, dst ObjectLocator) error

	// CopyObjects runs CopyObject over pairs with up to workers in flight.
	CopyObjects(ctx context.Context, pairs []CopyPair, workers int) error

	Close() error
}
