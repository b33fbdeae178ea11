// Package resolve maps logical dataset identifiers onto concrete object
// store keys. Resolution is pure: no I/O, deterministic for a given
// configuration.
package resolve

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tethys-ts/s3tethys/pkg/core"
)

// Resolver builds and validates object locators for one bucket namespace.
type Resolver struct {
	bucket string
	prefix string
}

func New(bucket, prefix string) *Resolver {
	return &Resolver{bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (r *Resolver) Bucket() string { return r.bucket }

// Resolve maps a logical dataset id to its locator. The key layout is
// <prefix>/<schemaName>/<schemaVersion>/<logicalID>.
func (r *Resolver) Resolve(schemaName string, schemaVersion int, logicalID string) (core.ObjectLocator, error) {
	if schemaName == "" || strings.ContainsAny(schemaName, "/\\") {
		return core.ObjectLocator{}, fmt.Errorf("%w: bad schema name %q", core.ErrInvalidIdentifier, schemaName)
	}
	if schemaVersion < 1 {
		return core.ObjectLocator{}, fmt.Errorf("%w: schema version %d < 1", core.ErrInvalidIdentifier, schemaVersion)
	}
	id, err := normalizeKey(logicalID)
	if err != nil {
		return core.ObjectLocator{}, err
	}

	segs := make([]string, 0, 4)
	if r.prefix != "" {
		segs = append(segs, r.prefix)
	}
	segs = append(segs, schemaName, strconv.Itoa(schemaVersion), id)

	return core.ObjectLocator{
		Bucket: r.bucket,
		Key:    strings.Join(segs, "/"),
	}, nil
}

// Normalize validates a caller-supplied locator and fills in the default
// bucket. Keys outside the configured bucket namespace are rejected.
func (r *Resolver) Normalize(loc core.ObjectLocator) (core.ObjectLocator, error) {
	if loc.Bucket == "" {
		loc.Bucket = r.bucket
	}
	if loc.Bucket != r.bucket {
		return core.ObjectLocator{}, fmt.Errorf("%w: bucket %q outside configured namespace %q", core.ErrInvalidIdentifier, loc.Bucket, r.bucket)
	}
	key, err := normalizeKey(loc.Key)
	if err != nil {
		return core.ObjectLocator{}, err
	}
	loc.Key = key
	return loc, nil
}

// PublicURL builds the unauthenticated download URL for a locator against a
// public bucket front. Contabo nests the bucket after a colon; every other
// known provider uses plain path segments.
func PublicURL(baseURL string, loc core.ObjectLocator) string {
	base := strings.TrimRight(baseURL, "/")
	if strings.Contains(base, "contabo") {
		return fmt.Sprintf("%s:%s/%s", base, loc.Bucket, loc.Key)
	}
	return fmt.Sprintf("%s/%s/%s", base, loc.Bucket, loc.Key)
}

func normalizeKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", core.ErrInvalidIdentifier)
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: key %q has a leading slash", core.ErrInvalidIdentifier, key)
	}
	if strings.ContainsAny(key, "\\\x00") || strings.Contains(key, "//") {
		return "", fmt.Errorf("%w: key %q is not a normalized POSIX path", core.ErrInvalidIdentifier, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: key %q contains a relative segment", core.ErrInvalidIdentifier, key)
		}
		for _, c := range seg {
			if !allowedKeyRune(c) {
				return "", fmt.Errorf("%w: key %q contains disallowed character %q", core.ErrInvalidIdentifier, key, c)
			}
		}
	}
	return key, nil
}

func allowedKeyRune(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '-', c == '_':
		return true
	}
	return false
}
