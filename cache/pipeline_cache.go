// Package cache implements the two-namespace pipeline cache.
//
// The extraction namespace holds PHI: values are encrypted with the
// shared AES-256-GCM key and the TTL is capped at one hour. The
// recommendation namespace holds derived, non-PHI data in plaintext
// JSON with a configurable TTL. Every operation emits an audit record
// through the audit collaborator.
//
// Stampede protection is two-layered: a process-local singleflight
// group coalesces concurrent loads for the same key, and a
// probabilistic early-refresh decision spreads backend reloads out
// before expiry instead of letting them pile up at TTL zero.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Prism-Clinical/careplan-pipeline/core"
	"github.com/Prism-Clinical/careplan-pipeline/crypto"
)

const (
	extractionPrefix     = "extraction"
	recommendationPrefix = "recommendation"

	// maxPHITTL is the hard cap for extraction entries regardless of
	// configuration.
	maxPHITTL = time.Hour

	defaultRecommendationTTL = 300 * time.Second
	defaultRefreshBeta       = 1.0
)

// Config configures the pipeline cache.
type Config struct {
	// ExtractionTTL for PHI entries; capped at one hour.
	ExtractionTTL time.Duration
	// RecommendationTTL for non-PHI entries. Default 300s.
	RecommendationTTL time.Duration
	// RefreshBeta tunes probabilistic early refresh; higher values
	// refresh earlier. Default 1.0.
	RefreshBeta float64
	Logger      core.Logger
}

// Stats reports per-namespace counters.
type Stats struct {
	ExtractionHits       int64 `json:"extractionHits"`
	ExtractionMisses     int64 `json:"extractionMisses"`
	RecommendationHits   int64 `json:"recommendationHits"`
	RecommendationMisses int64 `json:"recommendationMisses"`
	Invalidations        int64 `json:"invalidations"`
}

// PipelineCache is the encrypted extraction + plaintext recommendation
// cache described above.
type PipelineCache struct {
	redis  *core.RedisClient
	enc    *crypto.Encryptor
	audit  core.AuditLogger
	logger core.Logger
	config Config

	group singleflight.Group

	extractionHits       atomic.Int64
	extractionMisses     atomic.Int64
	recommendationHits   atomic.Int64
	recommendationMisses atomic.Int64
	invalidations        atomic.Int64
}

// New creates the pipeline cache. The encryptor and audit collaborator
// are required; entries cannot be written without them.
func New(redis *core.RedisClient, enc *crypto.Encryptor, audit core.AuditLogger, config *Config) (*PipelineCache, error) {
	if redis == nil {
		return nil, fmt.Errorf("redis client is required: %w", core.ErrMissingConfiguration)
	}
	if enc == nil {
		return nil, fmt.Errorf("encryptor is required: %w", core.ErrMissingConfiguration)
	}
	if audit == nil {
		return nil, fmt.Errorf("audit logger is required: %w", core.ErrMissingConfiguration)
	}

	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.ExtractionTTL <= 0 || cfg.ExtractionTTL > maxPHITTL {
		cfg.ExtractionTTL = maxPHITTL
	}
	if cfg.RecommendationTTL <= 0 {
		cfg.RecommendationTTL = defaultRecommendationTTL
	}
	if cfg.RefreshBeta <= 0 {
		cfg.RefreshBeta = defaultRefreshBeta
	}

	return &PipelineCache{
		redis:  redis,
		enc:    enc,
		audit:  audit,
		logger: core.ComponentLogger(cfg.Logger, "cache"),
		config: cfg,
	}, nil
}

// GetExtraction returns the cached entities for a transcript, or
// (nil, false) on miss.
func (c *PipelineCache) GetExtraction(ctx context.Context, transcriptText, correlationID string) (*core.ExtractedEntities, bool, error) {
	key := c.redis.Key(extractionPrefix, ExtractionKey(transcriptText))

	raw, err := c.redis.Get(ctx, key)
	if err == core.ErrNotFound {
		c.extractionMisses.Add(1)
		c.auditOp(ctx, "getExtraction", key, true, true, correlationID)
		return nil, false, nil
	}
	if err != nil {
		c.auditOp(ctx, "getExtraction", key, false, true, correlationID)
		return nil, false, fmt.Errorf("extraction cache get: %w", err)
	}

	plaintext, err := c.enc.Decrypt([]byte(raw))
	if err != nil {
		// Treat undecryptable entries as misses and drop them; a key
		// rotation leaves stale ciphertext behind.
		c.extractionMisses.Add(1)
		_ = c.redis.Del(ctx, key)
		c.auditOp(ctx, "getExtraction", key, false, true, correlationID)
		return nil, false, nil
	}

	var entities core.ExtractedEntities
	if err := json.Unmarshal(plaintext, &entities); err != nil {
		c.extractionMisses.Add(1)
		c.auditOp(ctx, "getExtraction", key, false, true, correlationID)
		return nil, false, fmt.Errorf("extraction cache decode: %w", err)
	}

	c.extractionHits.Add(1)
	c.auditOp(ctx, "getExtraction", key, true, true, correlationID)
	return &entities, true, nil
}

// SetExtraction stores the encrypted entities under the transcript
// hash with the PHI-capped TTL.
func (c *PipelineCache) SetExtraction(ctx context.Context, transcriptText string, entities *core.ExtractedEntities, correlationID string) error {
	key := c.redis.Key(extractionPrefix, ExtractionKey(transcriptText))

	plaintext, err := json.Marshal(entities)
	if err != nil {
		return fmt.Errorf("extraction cache encode: %w", err)
	}
	sealed, err := c.enc.Encrypt(plaintext)
	if err != nil {
		c.auditOp(ctx, "setExtraction", key, false, true, correlationID)
		return fmt.Errorf("extraction cache encrypt: %w", err)
	}

	if err := c.redis.Set(ctx, key, sealed, c.config.ExtractionTTL); err != nil {
		c.auditOp(ctx, "setExtraction", key, false, true, correlationID)
		return fmt.Errorf("extraction cache set: %w", err)
	}
	c.auditOp(ctx, "setExtraction", key, true, true, correlationID)
	return nil
}

// GetOrLoadExtraction coalesces concurrent loads for the same
// transcript: on a miss, exactly one caller runs the loader while the
// rest wait for its result. The bool reports a cache hit; a coalesced
// load counts as a miss since the backend was consulted.
func (c *PipelineCache) GetOrLoadExtraction(ctx context.Context, transcriptText, correlationID string, loader func(context.Context) (*core.ExtractedEntities, error)) (*core.ExtractedEntities, bool, error) {
	if entities, hit, err := c.GetExtraction(ctx, transcriptText, correlationID); err != nil || hit {
		return entities, hit, err
	}

	key := c.redis.Key(extractionPrefix, ExtractionKey(transcriptText))
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		entities, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if setErr := c.SetExtraction(ctx, transcriptText, entities, correlationID); setErr != nil && c.logger != nil {
			c.logger.WarnWithContext(ctx, "Extraction cache write failed", map[string]interface{}{
				"key_hash": keyHashForAudit(ExtractionKey(transcriptText)),
				"error":    setErr.Error(),
			})
		}
		return entities, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*core.ExtractedEntities), false, nil
}

// GetRecommendations returns cached recommendations, or (nil, false)
// on miss. A hit may still ask the caller to refresh: when the entry is
// close to expiry the probabilistic early-refresh decision returns
// refresh=true for a fraction of callers.
func (c *PipelineCache) GetRecommendations(ctx context.Context, conditionCodes []string, age *int, sex *string, correlationID string) ([]core.Recommendation, bool, bool, error) {
	key := c.redis.Key(recommendationPrefix, RecommendationKey(conditionCodes, age, sex))

	raw, err := c.redis.Get(ctx, key)
	if err == core.ErrNotFound {
		c.recommendationMisses.Add(1)
		c.auditOp(ctx, "getRecommendations", key, true, false, correlationID)
		return nil, false, false, nil
	}
	if err != nil {
		c.auditOp(ctx, "getRecommendations", key, false, false, correlationID)
		return nil, false, false, fmt.Errorf("recommendation cache get: %w", err)
	}

	var recs []core.Recommendation
	if err := json.Unmarshal([]byte(raw), &recs); err != nil {
		c.recommendationMisses.Add(1)
		c.auditOp(ctx, "getRecommendations", key, false, false, correlationID)
		return nil, false, false, fmt.Errorf("recommendation cache decode: %w", err)
	}

	refresh := false
	if ttl, ttlErr := c.redis.TTL(ctx, key); ttlErr == nil && ttl > 0 {
		refresh = c.shouldRefreshEarly(ttl, c.config.RecommendationTTL)
	}

	c.recommendationHits.Add(1)
	c.auditOp(ctx, "getRecommendations", key, true, false, correlationID)
	return recs, true, refresh, nil
}

// SetRecommendations stores plaintext recommendations with the
// configured TTL.
func (c *PipelineCache) SetRecommendations(ctx context.Context, conditionCodes []string, age *int, sex *string, recs []core.Recommendation, correlationID string) error {
	key := c.redis.Key(recommendationPrefix, RecommendationKey(conditionCodes, age, sex))

	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("recommendation cache encode: %w", err)
	}
	if err := c.redis.Set(ctx, key, data, c.config.RecommendationTTL); err != nil {
		c.auditOp(ctx, "setRecommendations", key, false, false, correlationID)
		return fmt.Errorf("recommendation cache set: %w", err)
	}
	c.auditOp(ctx, "setRecommendations", key, true, false, correlationID)
	return nil
}

// InvalidateExtraction drops a single extraction entry.
func (c *PipelineCache) InvalidateExtraction(ctx context.Context, transcriptText, correlationID string) error {
	key := c.redis.Key(extractionPrefix, ExtractionKey(transcriptText))
	err := c.redis.Del(ctx, key)
	c.invalidations.Add(1)
	c.auditOp(ctx, "invalidateExtraction", key, err == nil, true, correlationID)
	return err
}

// InvalidateRecommendations drops a single recommendation entry.
func (c *PipelineCache) InvalidateRecommendations(ctx context.Context, conditionCodes []string, age *int, sex *string, correlationID string) error {
	key := c.redis.Key(recommendationPrefix, RecommendationKey(conditionCodes, age, sex))
	err := c.redis.Del(ctx, key)
	c.invalidations.Add(1)
	c.auditOp(ctx, "invalidateRecommendations", key, err == nil, false, correlationID)
	return err
}

// InvalidateAllPHI clears the entire extraction namespace. Used on key
// rotation.
func (c *PipelineCache) InvalidateAllPHI(ctx context.Context, correlationID string) (int64, error) {
	pattern := c.redis.Key(extractionPrefix, "*")
	deleted, err := c.redis.ScanDel(ctx, pattern)
	c.invalidations.Add(deleted)
	c.auditOp(ctx, "invalidateAllPHI", pattern, err == nil, true, correlationID)
	if c.logger != nil {
		c.logger.InfoWithContext(ctx, "PHI cache namespace invalidated", map[string]interface{}{
			"deleted": deleted,
		})
	}
	return deleted, err
}

// Stats returns the counter snapshot.
func (c *PipelineCache) Stats() Stats {
	return Stats{
		ExtractionHits:       c.extractionHits.Load(),
		ExtractionMisses:     c.extractionMisses.Load(),
		RecommendationHits:   c.recommendationHits.Load(),
		RecommendationMisses: c.recommendationMisses.Load(),
		Invalidations:        c.invalidations.Load(),
	}
}

// shouldRefreshEarly returns true with probability
// exp(-beta * ttlRemaining / maxTTL): near-certain as the entry
// approaches expiry, rare while it is fresh.
func (c *PipelineCache) shouldRefreshEarly(ttlRemaining, maxTTL time.Duration) bool {
	if maxTTL <= 0 {
		return false
	}
	p := math.Exp(-c.config.RefreshBeta * float64(ttlRemaining) / float64(maxTTL))
	return rand.Float64() < p
}

// auditOp emits the per-operation audit record. Audit failures are
// logged, never propagated; cache behavior does not depend on the
// audit sink.
func (c *PipelineCache) auditOp(ctx context.Context, operation, key string, success, containsPHI bool, correlationID string) {
	entry := map[string]interface{}{
		"operation":     operation,
		"keyHash":       keyHashForAudit(lastKeySegment(key)),
		"success":       success,
		"containsPHI":   containsPHI,
		"timestamp":     time.Now().UTC(),
		"correlationId": correlationID,
	}
	if err := c.audit.LogDataSharing(ctx, entry); err != nil && c.logger != nil {
		c.logger.WarnWithContext(ctx, "Cache audit write failed", map[string]interface{}{
			"operation": operation,
			"error":     err.Error(),
		})
	}
}

func lastKeySegment(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[i+1:]
		}
	}
	return key
}
