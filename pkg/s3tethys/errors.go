package s3tethys

import (
	"github.com/tethys-ts/s3tethys/pkg/core"
)

var (
	ErrInvalidIdentifier  = core.ErrInvalidIdentifier
	ErrInvalidConfig      = core.ErrInvalidConfig
	ErrCorruptStream      = core.ErrCorruptStream
	ErrSchemaMismatch     = core.ErrSchemaMismatch
	ErrUnsupportedVersion = core.ErrUnsupportedVersion
	ErrHashMismatch       = core.ErrHashMismatch
	ErrNotFound           = core.ErrNotFound
	ErrTransferFailed     = core.ErrTransferFailed
	ErrPoolExhausted      = core.ErrPoolExhausted
	ErrClosed             = core.ErrClosed
)
