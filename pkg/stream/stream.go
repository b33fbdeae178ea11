// Package stream provides pull-based chunk iteration over byte streams.
// Handles are forward-only and explicitly closed, which keeps the design
// portable between thread-backed and event-loop runtimes and guarantees the
// underlying connection is released on every exit path.
package stream

import (
	"io"
	"sync"
)

// Splitter turns readers into chunked stream handles. Chunk buffers are
// pooled and reused across handles.
type Splitter struct {
	size int
	pool sync.Pool
}

// NewSplitter returns a splitter producing chunks of at most chunkSize bytes.
func NewSplitter(chunkSize int) *Splitter {
	return &Splitter{
		size: chunkSize,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, chunkSize)
			},
		},
	}
}

// Handle wraps rc in a chunk iterator. Closing the handle closes rc and
// returns the chunk buffer to the pool.
func (s *Splitter) Handle(rc io.ReadCloser) *Handle {
	return &Handle{
		rc:       rc,
		buf:      s.pool.Get().([]byte),
		splitter: s,
	}
}

// Handle is an open, ordered, forward-only sequence of byte chunks bound to
// one transfer. The slice returned by Next is only valid until the following
// Next or Close call.
type Handle struct {
	rc       io.ReadCloser
	buf      []byte
	splitter *Splitter
	err      error
	closed   bool
}

func (h *Handle) Next() ([]byte, error) {
	if h.err != nil {
		return nil, h.err
	}
	if h.closed {
		return nil, io.ErrClosedPipe
	}

	n, err := io.ReadFull(h.rc, h.buf)
	if n > 0 {
		if err == io.ErrUnexpectedEOF {
			// Final short chunk; the next call reports end of stream.
			h.err = io.EOF
			return h.buf[:n], nil
		}
		if err != nil && err != io.EOF {
			h.err = err
		}
		return h.buf[:n], nil
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	if err == nil {
		err = io.EOF
	}
	h.err = err
	return nil, err
}

func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.buf != nil {
		h.splitter.pool.Put(h.buf)
		h.buf = nil
	}
	return h.rc.Close()
}

// Collect drains a handle into one contiguous byte slice and closes it.
// The close error is only reported when draining itself succeeded.
func Collect(h interface {
	Next() ([]byte, error)
	Close() error
}) ([]byte, error) {
	var out []byte
	for {
		chunk, err := h.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.Close()
			return nil, err
		}
		out = append(out, chunk...)
	}
	if err := h.Close(); err != nil {
		return nil, err
	}
	return out, nil
}
