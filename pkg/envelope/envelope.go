// Package envelope implements the metadata record paired with every stored
// payload: schema identity, version, integrity hash, and codec parameters.
//
// The wire format is 4 magic bytes, one format-version byte, then the
// envelope as a canonical CBOR map. Envelopes are stored as a sidecar object
// next to the payload (key + ".meta"), which lets puts stream arbitrarily
// large payloads: the content hash is only known once the payload has been
// fully written.
package envelope

import (
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/fxamacker/cbor/v2"
	"github.com/minio/sha256-simd"
	"github.com/multiformats/go-multihash"

	"github.com/tethys-ts/s3tethys/pkg/core"
)

const (
	Magic         = "STYS"
	FormatVersion = 1
)

// Codec encodes, decodes, and validates envelopes.
type Codec interface {
	Encode(env core.Envelope) ([]byte, error)
	Decode(b []byte) (core.Envelope, error)

	// Build computes the content hash and size over payload synchronously.
	Build(schemaName string, schemaVersion int, payload []byte, codecID core.CodecID, level int) (core.Envelope, error)
}

type codec struct {
	encMode cbor.EncMode
}

// NewCodec returns the envelope codec. Encoding is canonical CBOR (Core
// Deterministic Encoding Requirements) so identical envelopes are
// byte-identical on the wire.
func NewCodec() Codec {
	em, _ := cbor.CanonicalEncOptions().EncMode()
	return &codec{encMode: em}
}

func (c *codec) Encode(env core.Envelope) ([]byte, error) {
	if err := validate(env); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}

	body, err := c.encMode.Marshal(env)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(Magic)+1+len(body))
	out = append(out, Magic...)
	out = append(out, FormatVersion)
	out = append(out, body...)
	return out, nil
}

func (c *codec) Decode(b []byte) (core.Envelope, error) {
	if len(b) < len(Magic)+1 {
		return core.Envelope{}, fmt.Errorf("%w: envelope too small", core.ErrCorruptStream)
	}
	if string(b[:len(Magic)]) != Magic {
		return core.Envelope{}, fmt.Errorf("%w: bad envelope magic", core.ErrCorruptStream)
	}
	if b[len(Magic)] != FormatVersion {
		return core.Envelope{}, fmt.Errorf("%w: unsupported envelope format %d", core.ErrCorruptStream, b[len(Magic)])
	}

	var env core.Envelope
	if err := cbor.Unmarshal(b[len(Magic)+1:], &env); err != nil {
		return core.Envelope{}, fmt.Errorf("%w: failed to unmarshal envelope: %v", core.ErrCorruptStream, err)
	}

	if err := validate(env); err != nil {
		return core.Envelope{}, fmt.Errorf("%w: %v", core.ErrCorruptStream, err)
	}
	return env, nil
}

func (c *codec) Build(schemaName string, schemaVersion int, payload []byte, codecID core.CodecID, level int) (core.Envelope, error) {
	h := NewHasher()
	h.Write(payload)

	env := core.Envelope{
		SchemaName:       schemaName,
		SchemaVersion:    schemaVersion,
		ContentHash:      h.Sum(),
		UncompressedSize: uint64(len(payload)),
		Codec:            codecID,
		Level:            level,
	}
	if err := validate(env); err != nil {
		return core.Envelope{}, fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}
	return env, nil
}

func validate(env core.Envelope) error {
	if env.SchemaName == "" {
		return fmt.Errorf("empty schema name")
	}
	if env.SchemaVersion < 1 {
		return fmt.Errorf("schema version %d < 1", env.SchemaVersion)
	}
	if env.ContentHash == "" {
		return fmt.Errorf("empty content hash")
	}
	if _, err := decodeHash(env.ContentHash); err != nil {
		return err
	}
	switch env.Codec {
	case core.CodecNone, core.CodecZstd:
	default:
		return fmt.Errorf("unknown codec id %d", env.Codec)
	}
	return nil
}

func decodeHash(s string) (*multihash.DecodedMultihash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("content hash is not hex: %v", err)
	}
	dm, err := multihash.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("content hash is not a multihash: %v", err)
	}
	if dm.Code != multihash.SHA2_256 {
		return nil, fmt.Errorf("unsupported content hash algorithm %#x", dm.Code)
	}
	return dm, nil
}

// Hasher accumulates payload bytes and produces the hex multihash stored in
// an envelope. It is incremental so transfers can hash while streaming.
type Hasher struct {
	h hash.Hash
}

func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the hex-encoded multihash of everything written so far.
func (h *Hasher) Sum() string {
	mh, err := multihash.Encode(h.h.Sum(nil), multihash.SHA2_256)
	if err != nil {
		// Encode only fails on unknown codes; SHA2_256 is fixed here.
		panic(fmt.Sprintf("multihash encode: %v", err))
	}
	return hex.EncodeToString(mh)
}

// Verify compares the accumulated hash against an envelope's stored hash.
// This is the authoritative integrity check: it must pass before the final
// payload byte is released to the caller.
func (h *Hasher) Verify(env core.Envelope) error {
	if _, err := decodeHash(env.ContentHash); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCorruptStream, err)
	}
	if h.Sum() != env.ContentHash {
		return fmt.Errorf("%w: payload hash does not match envelope for schema %s/%d", core.ErrHashMismatch, env.SchemaName, env.SchemaVersion)
	}
	return nil
}

// Gate declares which envelopes a reader can accept. Zero bounds are open;
// an empty name set accepts any schema name.
type Gate struct {
	Names      []string
	MinVersion int
	MaxVersion int
}

// Check fails fast on an incompatible envelope, before any payload bytes
// are downloaded. Name mismatches are never coerced and never retried.
func (g Gate) Check(env core.Envelope) error {
	if len(g.Names) > 0 {
		ok := false
		for _, n := range g.Names {
			if n == env.SchemaName {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: stored schema %q not in accepted set %v", core.ErrSchemaMismatch, env.SchemaName, g.Names)
		}
	}
	if g.MinVersion > 0 && env.SchemaVersion < g.MinVersion {
		return fmt.Errorf("%w: stored version %d < minimum %d for schema %s", core.ErrUnsupportedVersion, env.SchemaVersion, g.MinVersion, env.SchemaName)
	}
	if g.MaxVersion > 0 && env.SchemaVersion > g.MaxVersion {
		return fmt.Errorf("%w: stored version %d > maximum %d for schema %s", core.ErrUnsupportedVersion, env.SchemaVersion, g.MaxVersion, env.SchemaName)
	}
	return nil
}
