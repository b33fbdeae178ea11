package stream_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/tethys-ts/s3tethys/internal/testkit"
	"github.com/tethys-ts/s3tethys/pkg/stream"
)

func TestHandleChunking(t *testing.T) {
	s := stream.NewSplitter(8)
	data := []byte("0123456789abcdefxyz") // 19 bytes: 8 + 8 + 3

	h := s.Handle(io.NopCloser(bytes.NewReader(data)))
	defer h.Close()

	var sizes []int
	var got []byte
	for {
		chunk, err := h.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		sizes = append(sizes, len(chunk))
		got = append(got, chunk...)
	}

	if !bytes.Equal(got, data) {
		t.Error("concatenated chunks differ from input")
	}
	wantSizes := []int{8, 8, 3}
	if len(sizes) != len(wantSizes) {
		t.Fatalf("expected %d chunks, got %d", len(wantSizes), len(sizes))
	}
	for i := range sizes {
		if sizes[i] != wantSizes[i] {
			t.Errorf("chunk %d: expected %d bytes, got %d", i, wantSizes[i], sizes[i])
		}
	}
}

func TestHandleEmptyStream(t *testing.T) {
	s := stream.NewSplitter(8)
	h := s.Handle(io.NopCloser(bytes.NewReader(nil)))
	defer h.Close()

	if _, err := h.Next(); err != io.EOF {
		t.Errorf("expected io.EOF on empty stream, got %v", err)
	}
	// EOF is sticky.
	if _, err := h.Next(); err != io.EOF {
		t.Errorf("expected io.EOF again, got %v", err)
	}
}

func TestHandlePropagatesReadError(t *testing.T) {
	s := stream.NewSplitter(4)
	src := testkit.NewErrorReader(bytes.NewReader(make([]byte, 64)), 10, nil)

	h := s.Handle(io.NopCloser(src))
	defer h.Close()

	var err error
	for err == nil {
		_, err = h.Next()
	}
	if !errors.Is(err, testkit.ErrInjectedFault) {
		t.Errorf("expected injected fault, got %v", err)
	}
}

func TestHandleCloseReleasesBuffer(t *testing.T) {
	s := stream.NewSplitter(4)
	h := s.Handle(io.NopCloser(bytes.NewReader([]byte("abcd"))))

	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if _, err := h.Next(); err != io.ErrClosedPipe {
		t.Errorf("Next after Close: expected ErrClosedPipe, got %v", err)
	}
}

func TestCollect(t *testing.T) {
	s := stream.NewSplitter(16)
	r := testkit.RNG(7)
	data := testkit.RandomBytes(r, 1000)

	got, err := stream.Collect(s.Handle(io.NopCloser(bytes.NewReader(data))))
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Collect output differs from input")
	}
}
