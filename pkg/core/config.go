package core

import (
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	// EndpointURL points at an S3-compatible API. Empty selects the AWS
	// default resolver for Region.
	EndpointURL string
	Region      string
	Bucket      string

	// KeyPrefix is prepended to every resolved key.
	KeyPrefix string

	// PublicURL, when set, enables unauthenticated range-capable reads via
	// plain HTTPS against a public bucket front (e.g. Backblaze or Contabo).
	PublicURL string

	// Credentials are supplied by the caller; this layer never discovers
	// them. Both empty selects the SDK default provider chain.
	AccessKeyID     string
	SecretAccessKey string

	Transfer TransferConfig
	Cache    CacheConfig

	// Logger receives transfer traces and retry warnings. Nil selects a
	// default logger writing to stderr.
	Logger *logrus.Logger
}

type TransferConfig struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for each response header / chunk, not the
	// whole transfer.
	ReadTimeout time.Duration

	ChunkSizeBytes          int
	DefaultCompressionLevel int
	// DisableCompression stores payloads as raw bytes instead of zstd
	// frames. Uncompressed payloads are the only range-addressable ones.
	DisableCompression bool

	PoolSize int
	// PoolWait is how long an operation blocks for a free connection slot
	// before failing with ErrPoolExhausted.
	PoolWait time.Duration
}

type CacheConfig struct {
	// Dir enables the local read-through cache when non-empty.
	Dir      string
	MaxBytes uint64
	TTL      time.Duration
	RunEvery time.Duration
}

// WithDefaults returns cfg with unset transfer knobs filled in.
func (cfg Config) WithDefaults() Config {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Transfer.MaxRetries == 0 {
		cfg.Transfer.MaxRetries = 3
	}
	if cfg.Transfer.RetryBaseDelay == 0 {
		cfg.Transfer.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.Transfer.ConnectTimeout == 0 {
		cfg.Transfer.ConnectTimeout = 30 * time.Second
	}
	if cfg.Transfer.ReadTimeout == 0 {
		cfg.Transfer.ReadTimeout = 120 * time.Second
	}
	if cfg.Transfer.ChunkSizeBytes == 0 {
		cfg.Transfer.ChunkSizeBytes = 512 * 1024
	}
	if cfg.Transfer.DefaultCompressionLevel == 0 {
		cfg.Transfer.DefaultCompressionLevel = 3
	}
	if cfg.Transfer.PoolSize == 0 {
		cfg.Transfer.PoolSize = 30
	}
	if cfg.Transfer.PoolWait == 0 {
		cfg.Transfer.PoolWait = 60 * time.Second
	}
	if cfg.Cache.RunEvery == 0 {
		cfg.Cache.RunEvery = time.Hour
	}
	return cfg
}
