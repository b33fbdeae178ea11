// Package codec wraps block compression behind a streaming encode/decode
// interface. Payloads compressed here are standard zstd frames, readable by
// any third-party zstd tool.
package codec

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/tethys-ts/s3tethys/pkg/core"
)

const (
	MinZstdLevel = 1
	MaxZstdLevel = 22
)

// Codec is a streaming compressor/decompressor. Encoders and decoders are
// single-pass and never buffer the whole input.
type Codec interface {
	Name() string
	ID() core.CodecID
	Level() int

	// NewEncoder wraps w; bytes written to the returned WriteCloser come out
	// of w compressed. Close flushes the final frame and must be called.
	NewEncoder(w io.Writer) (io.WriteCloser, error)

	// NewDecoder wraps r holding compressed frames. Reads fail with
	// core.ErrCorruptStream when the framing is invalid or truncated.
	NewDecoder(r io.Reader) (io.ReadCloser, error)
}

// New returns the codec for a stored codec id, validating the level up front.
func New(id core.CodecID, level int) (Codec, error) {
	switch id {
	case core.CodecNone:
		return NewNone(), nil
	case core.CodecZstd:
		return NewZstd(level)
	default:
		return nil, fmt.Errorf("%w: unknown codec id %d", core.ErrInvalidConfig, id)
	}
}

type noneCodec struct{}

// NewNone returns the identity codec.
func NewNone() Codec {
	return noneCodec{}
}

func (noneCodec) Name() string     { return "none" }
func (noneCodec) ID() core.CodecID { return core.CodecNone }
func (noneCodec) Level() int       { return 0 }

func (noneCodec) NewEncoder(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (noneCodec) NewDecoder(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

type zstdCodec struct {
	level int
}

// NewZstd returns a zstd codec. The level follows the reference zstd scale;
// out-of-range levels fail with core.ErrInvalidConfig here rather than on
// the first chunk.
func NewZstd(level int) (Codec, error) {
	if level < MinZstdLevel || level > MaxZstdLevel {
		return nil, fmt.Errorf("%w: zstd level %d outside [%d, %d]", core.ErrInvalidConfig, level, MinZstdLevel, MaxZstdLevel)
	}
	return &zstdCodec{level: level}, nil
}

func (c *zstdCodec) Name() string     { return "zstd" }
func (c *zstdCodec) ID() core.CodecID { return core.CodecZstd }
func (c *zstdCodec) Level() int       { return c.level }

func (c *zstdCodec) NewEncoder(w io.Writer) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}
	return enc, nil
}

func (c *zstdCodec) NewDecoder(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorruptStream, err)
	}
	return &zstdReader{dec: dec}, nil
}

// zstdReader maps decoder failures onto the corrupt-stream sentinel so
// callers can distinguish broken framing from integrity failures.
type zstdReader struct {
	dec *zstd.Decoder
}

func (r *zstdReader) Read(p []byte) (int, error) {
	n, err := r.dec.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: %v", core.ErrCorruptStream, err)
	}
	return n, err
}

func (r *zstdReader) Close() error {
	r.dec.Close()
	return nil
}
