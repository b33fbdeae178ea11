package codec_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/tethys-ts/s3tethys/internal/testkit"
	"github.com/tethys-ts/s3tethys/pkg/codec"
	"github.com/tethys-ts/s3tethys/pkg/core"
)

func TestNoneRoundTrip(t *testing.T) {
	c := codec.NewNone()
	if c.Name() != "none" {
		t.Errorf("expected none, got %s", c.Name())
	}

	data := []byte("hello world")
	var buf bytes.Buffer
	enc, err := c.NewEncoder(&buf)
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	if _, err := enc.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !bytes.Equal(buf.Bytes(), data) {
		t.Error("none codec should not change data")
	}

	dec, err := c.NewDecoder(&buf)
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}
	got, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("none codec round trip mismatch")
	}
}

func TestZstdRoundTrip(t *testing.T) {
	c, err := codec.NewZstd(3)
	if err != nil {
		t.Fatalf("NewZstd failed: %v", err)
	}
	if c.Name() != "zstd" || c.ID() != core.CodecZstd || c.Level() != 3 {
		t.Errorf("unexpected codec identity: %s/%d/%d", c.Name(), c.ID(), c.Level())
	}

	r := testkit.RNG(1)
	data := testkit.CompressibleBytes(r, 1024*1024)

	var buf bytes.Buffer
	enc, err := c.NewEncoder(&buf)
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	// Write in small pieces to exercise the streaming path.
	for off := 0; off < len(data); off += 4096 {
		end := off + 4096
		if end > len(data) {
			end = len(data)
		}
		if _, err := enc.Write(data[off:end]); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if buf.Len() >= len(data) {
		t.Errorf("expected compression, %d >= %d", buf.Len(), len(data))
	}

	dec, err := c.NewDecoder(&buf)
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}
	defer dec.Close()

	got, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("zstd round trip mismatch")
	}
}

func TestZstdLevelValidation(t *testing.T) {
	for _, level := range []int{0, -1, 23, 100} {
		if _, err := codec.NewZstd(level); !errors.Is(err, core.ErrInvalidConfig) {
			t.Errorf("level %d: expected ErrInvalidConfig, got %v", level, err)
		}
	}
	for _, level := range []int{1, 3, 19, 22} {
		if _, err := codec.NewZstd(level); err != nil {
			t.Errorf("level %d: unexpected error %v", level, err)
		}
	}
}

func TestZstdCorruptFraming(t *testing.T) {
	c, err := codec.NewZstd(1)
	if err != nil {
		t.Fatalf("NewZstd failed: %v", err)
	}

	var buf bytes.Buffer
	enc, _ := c.NewEncoder(&buf)
	enc.Write([]byte("some payload that will be compressed"))
	enc.Close()

	t.Run("FlippedHeader", func(t *testing.T) {
		bad := testkit.CorruptAt(buf.Bytes(), 1)
		dec, err := c.NewDecoder(bytes.NewReader(bad))
		if err == nil {
			_, err = io.ReadAll(dec)
			dec.Close()
		}
		if !errors.Is(err, core.ErrCorruptStream) {
			t.Errorf("expected ErrCorruptStream, got %v", err)
		}
	})

	t.Run("TruncatedFrame", func(t *testing.T) {
		bad := buf.Bytes()[:buf.Len()/2]
		dec, err := c.NewDecoder(bytes.NewReader(bad))
		if err == nil {
			_, err = io.ReadAll(dec)
			dec.Close()
		}
		if !errors.Is(err, core.ErrCorruptStream) {
			t.Errorf("expected ErrCorruptStream, got %v", err)
		}
	})
}

func TestNewByID(t *testing.T) {
	if _, err := codec.New(core.CodecZstd, 3); err != nil {
		t.Errorf("zstd by id failed: %v", err)
	}
	if _, err := codec.New(core.CodecNone, 0); err != nil {
		t.Errorf("none by id failed: %v", err)
	}
	if _, err := codec.New(core.CodecID(9), 0); !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for unknown id, got %v", err)
	}
}
