package s3tethys

import (
	"github.com/sirupsen/logrus"

	"github.com/tethys-ts/s3tethys/pkg/cache"
	"github.com/tethys-ts/s3tethys/pkg/core"
	"github.com/tethys-ts/s3tethys/pkg/envelope"
	"github.com/tethys-ts/s3tethys/pkg/resolve"
	"github.com/tethys-ts/s3tethys/pkg/stream"
	"github.com/tethys-ts/s3tethys/pkg/transfer"
)

// NewClientForTest constructs a Client over an injected backend. Test-only.
func NewClientForTest(cfg Config, be transfer.Backend, local *cache.Cache, log *logrus.Logger) Client {
	cfg = cfg.WithDefaults()
	if log == nil {
		log = logrus.New()
	}
	return &client{
		cfg:   cfg,
		res:   resolve.New(cfg.Bucket, cfg.KeyPrefix),
		be:    be,
		eng:   transfer.New(be, cfg.Transfer, log),
		local: local,
		env:   envelope.NewCodec(),
		split: stream.NewSplitter(cfg.Transfer.ChunkSizeBytes),
		log:   log,
	}
}

// CacheForTest opens a cache the way Open does. Test-only.
func CacheForTest(cfg core.CacheConfig, log *logrus.Logger) (*cache.Cache, error) {
	return cache.Open(cfg, log)
}
