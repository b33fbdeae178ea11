package core

import (
	"io"
)

// CodecID identifies the compression codec applied to a stored payload.
type CodecID uint8

const (
	CodecNone CodecID = 0
	CodecZstd CodecID = 1
)

func (c CodecID) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// MetaSuffix is appended to a payload key to form its envelope sidecar key.
const MetaSuffix = ".meta"

// ObjectLocator addresses one stored object. Key is normalized: POSIX-style
// segments, no leading slash. Version selects a specific object version on
// stores that support versioning; empty means latest.
type ObjectLocator struct {
	Bucket  string
	Key     string
	Version string
}

// MetaKey returns the key of the envelope sidecar paired with this object.
func (l ObjectLocator) MetaKey() string {
	return l.Key + MetaSuffix
}

// Envelope describes the schema identity and integrity of one payload.
// ContentHash is the hex-encoded multihash (sha2-256) of the uncompressed
// payload bytes.
type Envelope struct {
	SchemaName       string  `cbor:"schema_name"`
	SchemaVersion    int     `cbor:"schema_version"`
	ContentHash      string  `cbor:"content_hash"`
	UncompressedSize uint64  `cbor:"uncompressed_size"`
	Codec            CodecID `cbor:"codec"`
	Level            int     `cbor:"level"`
}

// TransferResult summarizes one completed transfer. BytesTransferred counts
// compressed payload bytes moved on the wire; the envelope sidecar is not
// included.
type TransferResult struct {
	BytesTransferred int64
	Envelope         Envelope
	ElapsedMillis    int64
}

// StreamHandle is a forward-only sequence of byte chunks bound to one object
// transfer. Next returns the next chunk or io.EOF; the returned slice is only
// valid until the following Next call. Close must be called on every exit
// path to release the underlying connection.
type StreamHandle interface {
	Next() ([]byte, error)
	Close() error
}

// ObjectInfo is store-level metadata for one object, as reported by LIST and
// HEAD operations.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified int64 // unix seconds
	VersionID    string
	IsLatest     bool
}

// ReaderFromHandle adapts a StreamHandle to io.ReadCloser.
func ReaderFromHandle(h StreamHandle) io.ReadCloser {
	return &handleReader{h: h}
}

type handleReader struct {
	h   StreamHandle
	buf []byte
}

func (r *handleReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		chunk, err := r.h.Next()
		if err != nil {
			return 0, err
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *handleReader) Close() error {
	return r.h.Close()
}
