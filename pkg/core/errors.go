package core

import (
	"errors"
)

var (
	ErrInvalidIdentifier  = errors.New("s3tethys: invalid identifier")
	ErrInvalidConfig      = errors.New("s3tethys: invalid config")
	ErrCorruptStream      = errors.New("s3tethys: corrupt stream")
	ErrSchemaMismatch     = errors.New("s3tethys: schema mismatch")
	ErrUnsupportedVersion = errors.New("s3tethys: unsupported schema version")
	ErrHashMismatch       = errors.New("s3tethys: content hash mismatch")
	ErrNotFound           = errors.New("s3tethys: not found")
	ErrTransferFailed     = errors.New("s3tethys: transfer failed")
	ErrPoolExhausted      = errors.New("s3tethys: connection pool exhausted")
	ErrClosed             = errors.New("s3tethys: client closed")

	// ErrTransient marks store/network failures that are expected to succeed
	// on retry (timeouts, throttling, 5xx). The transfer engine retries them
	// internally and only surfaces them, wrapped in ErrTransferFailed, after
	// the retry budget is exhausted.
	ErrTransient = errors.New("s3tethys: transient backend failure")
)

// IsTransient reports whether err is retryable under the engine's policy.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsNotFound reports whether err means the addressed object is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
