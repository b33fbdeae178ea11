package s3tethys

import (
	"github.com/tethys-ts/s3tethys/pkg/core"
)

type Config = core.Config
type TransferConfig = core.TransferConfig
type CacheConfig = core.CacheConfig
