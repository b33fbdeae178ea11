package envelope_test

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/multiformats/go-multihash"

	"github.com/tethys-ts/s3tethys/pkg/core"
	"github.com/tethys-ts/s3tethys/pkg/envelope"
)

func TestBuildAndWireRoundTrip(t *testing.T) {
	c := envelope.NewCodec()

	payload := []byte("1,2,3\n")
	env, err := c.Build("csv", 1, payload, core.CodecZstd, 3)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if env.UncompressedSize != 6 {
		t.Errorf("expected size 6, got %d", env.UncompressedSize)
	}

	// The stored hash is the hex multihash of the sha2-256 digest.
	mh, err := multihash.Sum(payload, multihash.SHA2_256, -1)
	if err != nil {
		t.Fatalf("Sum failed: %v", err)
	}
	if env.ContentHash != hex.EncodeToString(mh) {
		t.Errorf("content hash mismatch: %s vs %s", env.ContentHash, hex.EncodeToString(mh))
	}

	b, err := c.Encode(env)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(b[:4]) != envelope.Magic {
		t.Errorf("missing magic in wire bytes")
	}

	got, err := c.Decode(b)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got != env {
		t.Errorf("round trip mismatch: %+v vs %+v", got, env)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	c := envelope.NewCodec()
	env, _ := c.Build("csv", 2, []byte("abc"), core.CodecNone, 0)

	a, err := c.Encode(env)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	b, err := c.Encode(env)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(a) != string(b) {
		t.Error("canonical encoding should be byte-identical")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	c := envelope.NewCodec()

	cases := []struct {
		name string
		b    []byte
	}{
		{"Empty", nil},
		{"Short", []byte("ST")},
		{"BadMagic", []byte("XXXX\x01\xa0")},
		{"BadFormatVersion", []byte("STYS\x09\xa0")},
		{"NotCBOR", []byte("STYS\x01garbage")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Decode(tc.b); !errors.Is(err, core.ErrCorruptStream) {
				t.Errorf("expected ErrCorruptStream, got %v", err)
			}
		})
	}
}

func TestBuildValidation(t *testing.T) {
	c := envelope.NewCodec()

	if _, err := c.Build("", 1, []byte("x"), core.CodecNone, 0); !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("empty schema name: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := c.Build("csv", 0, []byte("x"), core.CodecNone, 0); !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("zero version: expected ErrInvalidConfig, got %v", err)
	}
}

func TestHasherVerify(t *testing.T) {
	c := envelope.NewCodec()
	payload := []byte("some payload bytes")
	env, _ := c.Build("csv", 1, payload, core.CodecNone, 0)

	t.Run("Match", func(t *testing.T) {
		h := envelope.NewHasher()
		// Incremental writes must agree with the one-shot build.
		h.Write(payload[:5])
		h.Write(payload[5:])
		if err := h.Verify(env); err != nil {
			t.Errorf("Verify failed: %v", err)
		}
	})

	t.Run("Mismatch", func(t *testing.T) {
		h := envelope.NewHasher()
		h.Write([]byte("different bytes"))
		if err := h.Verify(env); !errors.Is(err, core.ErrHashMismatch) {
			t.Errorf("expected ErrHashMismatch, got %v", err)
		}
	})
}

func TestGate(t *testing.T) {
	env := core.Envelope{SchemaName: "csv", SchemaVersion: 3}

	cases := []struct {
		name string
		gate envelope.Gate
		want error
	}{
		{"Open", envelope.Gate{}, nil},
		{"InRange", envelope.Gate{MinVersion: 1, MaxVersion: 3}, nil},
		{"TooNew", envelope.Gate{MaxVersion: 2}, core.ErrUnsupportedVersion},
		{"TooOld", envelope.Gate{MinVersion: 4}, core.ErrUnsupportedVersion},
		{"NameAccepted", envelope.Gate{Names: []string{"nc", "csv"}}, nil},
		{"NameRejected", envelope.Gate{Names: []string{"nc"}}, core.ErrSchemaMismatch},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.gate.Check(env)
			if tc.want == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
