package testkit

import (
	"errors"
	"io"
)

var ErrInjectedFault = errors.New("injected fault")

// ErrorReader wraps an io.Reader and returns an error after returning N bytes.
type ErrorReader struct {
	r     io.Reader
	limit int64
	read  int64
	err   error
}

// NewErrorReader returns a reader that injects the given error after 'limit'
// bytes. If err is nil, ErrInjectedFault is used.
func NewErrorReader(r io.Reader, limit int64, err error) *ErrorReader {
	if err == nil {
		err = ErrInjectedFault
	}
	return &ErrorReader{
		r:     r,
		limit: limit,
		err:   err,
	}
}

func (e *ErrorReader) Read(p []byte) (n int, err error) {
	if e.read >= e.limit {
		return 0, e.err
	}

	space := e.limit - e.read
	if int64(len(p)) > space {
		p = p[:space]
	}

	n, err = e.r.Read(p)
	e.read += int64(n)

	if err != nil {
		return n, err
	}

	if e.read >= e.limit {
		return n, e.err
	}

	return n, nil
}

// PauseReader wraps an io.Reader and blocks Read until the returned unpause
// function is called.
type PauseReader struct {
	r       io.Reader
	unpause chan struct{}
}

func NewPauseReader(r io.Reader) (*PauseReader, func()) {
	ch := make(chan struct{})
	return &PauseReader{
		r:       r,
		unpause: ch,
	}, func() { close(ch) }
}

func (p *PauseReader) Read(b []byte) (n int, err error) {
	<-p.unpause
	return p.r.Read(b)
}

// CorruptAt returns a copy of b with the byte at offset bit-flipped.
func CorruptAt(b []byte, offset int) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	if offset >= 0 && offset < len(out) {
		out[offset] ^= 0xFF
	}
	return out
}
