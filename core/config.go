package core

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the recognized configuration surface for the pipeline.
// Durations replace the millisecond/second integer options of the
// external surface; FromEnv applies the PIPELINE_* overrides.
type Config struct {
	// MaxRetries bounds retry attempts per stage for retryable errors.
	MaxRetries int

	// StageTimeout is the per-stage execution timeout.
	StageTimeout time.Duration

	EnableCaching     bool
	EnableIdempotency bool

	// CacheDefaultTTL applies to the recommendation (non-PHI) cache.
	CacheDefaultTTL time.Duration

	// CachePHIMaxTTL caps the extraction (PHI) cache TTL. Never above
	// one hour regardless of configuration.
	CachePHIMaxTTL time.Duration

	// IdempotencyExpiration bounds idempotency record lifetime (<= 24h).
	IdempotencyExpiration time.Duration

	WorkerGenerationConcurrency int
	WorkerPDFConcurrency        int

	// RateLimitPerSec is the cluster-wide job rate for the generation pool.
	RateLimitPerSec int

	// LockDefaultTTL is the distributed lock TTL.
	LockDefaultTTL time.Duration

	// LockWaitInterval is the pause between attempts on a contended
	// lock; LockWaitRetries bounds the attempts.
	LockWaitInterval time.Duration
	LockWaitRetries  int

	// FlagRefresh is the feature-flag refresh interval; 0 disables the
	// background refresher.
	FlagRefresh time.Duration

	// SubscribeTimeout is the progress-subscription inactivity timeout.
	SubscribeTimeout time.Duration

	// EncryptionKey is the 32-byte AES-256 key shared by the cache, the
	// job queue, the request tracker, and the DLQ.
	EncryptionKey []byte

	RedisURL    string
	PostgresDSN string
}

const (
	maxPHICacheTTL        = time.Hour
	maxIdempotencyExpiry  = 24 * time.Hour
	defaultStageTimeout   = 30 * time.Second
	defaultLockTTL        = 5 * time.Minute
	defaultLockWait       = 100 * time.Millisecond
	defaultLockRetries    = 50
	defaultSubscribeIdle  = 5 * time.Minute
	defaultCacheTTL       = 300 * time.Second
)

// DefaultConfig returns the documented defaults. EncryptionKey, RedisURL
// and PostgresDSN have no defaults and must be supplied.
func DefaultConfig() Config {
	return Config{
		MaxRetries:                  3,
		StageTimeout:                defaultStageTimeout,
		EnableCaching:               true,
		EnableIdempotency:           true,
		CacheDefaultTTL:             defaultCacheTTL,
		CachePHIMaxTTL:              maxPHICacheTTL,
		IdempotencyExpiration:       maxIdempotencyExpiry,
		WorkerGenerationConcurrency: 5,
		WorkerPDFConcurrency:        3,
		RateLimitPerSec:             10,
		LockDefaultTTL:              defaultLockTTL,
		LockWaitInterval:            defaultLockWait,
		LockWaitRetries:             defaultLockRetries,
		FlagRefresh:                 0,
		SubscribeTimeout:            defaultSubscribeIdle,
	}
}

// FromEnv overlays PIPELINE_* environment variables onto the config.
func (c Config) FromEnv() Config {
	if v := os.Getenv("PIPELINE_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("PIPELINE_POSTGRES_DSN"); v != "" {
		c.PostgresDSN = v
	}
	if v := os.Getenv("PIPELINE_ENCRYPTION_KEY"); v != "" {
		if key, err := hex.DecodeString(v); err == nil {
			c.EncryptionKey = key
		}
	}
	if v, ok := envInt("PIPELINE_MAX_RETRIES"); ok {
		c.MaxRetries = v
	}
	if v, ok := envInt("PIPELINE_STAGE_TIMEOUT_MS"); ok {
		c.StageTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("PIPELINE_CACHE_DEFAULT_TTL_S"); ok {
		c.CacheDefaultTTL = time.Duration(v) * time.Second
	}
	if v, ok := envInt("PIPELINE_CACHE_PHI_MAX_TTL_S"); ok {
		c.CachePHIMaxTTL = time.Duration(v) * time.Second
	}
	if v, ok := envInt("PIPELINE_IDEMPOTENCY_EXPIRATION_HOURS"); ok {
		c.IdempotencyExpiration = time.Duration(v) * time.Hour
	}
	if v, ok := envInt("PIPELINE_WORKER_GENERATION_CONCURRENCY"); ok {
		c.WorkerGenerationConcurrency = v
	}
	if v, ok := envInt("PIPELINE_WORKER_PDF_CONCURRENCY"); ok {
		c.WorkerPDFConcurrency = v
	}
	if v, ok := envInt("PIPELINE_RATE_LIMIT_PER_SEC"); ok {
		c.RateLimitPerSec = v
	}
	if v, ok := envInt("PIPELINE_LOCK_DEFAULT_TTL_MS"); ok {
		c.LockDefaultTTL = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("PIPELINE_LOCK_WAIT_MS"); ok {
		c.LockWaitInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("PIPELINE_LOCK_WAIT_RETRIES"); ok {
		c.LockWaitRetries = v
	}
	if v, ok := envInt("PIPELINE_FLAG_REFRESH_MS"); ok {
		c.FlagRefresh = time.Duration(v) * time.Millisecond
	}
	if v := os.Getenv("PIPELINE_ENABLE_CACHING"); v != "" {
		c.EnableCaching = v == "true" || v == "1"
	}
	if v := os.Getenv("PIPELINE_ENABLE_IDEMPOTENCY"); v != "" {
		c.EnableIdempotency = v == "true" || v == "1"
	}
	return c
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks required options and clamps the PHI-sensitive caps.
func (c *Config) Validate() error {
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d: %w", len(c.EncryptionKey), ErrMissingConfiguration)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be >= 0: %w", ErrInvalidConfiguration)
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = defaultStageTimeout
	}
	if c.CachePHIMaxTTL <= 0 || c.CachePHIMaxTTL > maxPHICacheTTL {
		c.CachePHIMaxTTL = maxPHICacheTTL
	}
	if c.IdempotencyExpiration <= 0 || c.IdempotencyExpiration > maxIdempotencyExpiry {
		c.IdempotencyExpiration = maxIdempotencyExpiry
	}
	if c.CacheDefaultTTL <= 0 {
		c.CacheDefaultTTL = defaultCacheTTL
	}
	if c.LockDefaultTTL <= 0 {
		c.LockDefaultTTL = defaultLockTTL
	}
	if c.LockWaitInterval <= 0 {
		c.LockWaitInterval = defaultLockWait
	}
	if c.LockWaitRetries < 0 {
		c.LockWaitRetries = defaultLockRetries
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = defaultSubscribeIdle
	}
	return nil
}
