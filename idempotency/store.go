// Package idempotency guarantees exactly-one processing per
// client-supplied idempotency key. Records live in the
// idempotency_keys table; the insert-or-return is a single
// ON CONFLICT statement so concurrent callers race safely at the
// database instead of in process memory.
package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Prism-Clinical/careplan-pipeline/core"
)

// Outcome of an idempotency check.
type Outcome string

const (
	// OutcomeNew means the caller owns this key and must execute.
	OutcomeNew Outcome = "NEW"
	// OutcomeCompleted carries the cached response.
	OutcomeCompleted Outcome = "COMPLETED"
	// OutcomeFailed carries the cached error.
	OutcomeFailed Outcome = "FAILED"
	// OutcomePending means another execution is in flight; wait and retry.
	OutcomePending Outcome = "PENDING"
)

// Record mirrors one idempotency_keys row.
type Record struct {
	Key         string          `db:"key"`
	RequestHash string          `db:"request_hash"`
	RequestID   sql.NullString  `db:"request_id"`
	Response    json.RawMessage `db:"response"`
	Status      string          `db:"status"`
	CreatedAt   time.Time       `db:"created_at"`
	ExpiresAt   time.Time       `db:"expires_at"`
}

// CheckResult is the outcome of CheckOrCreate.
type CheckResult struct {
	Outcome  Outcome
	Response json.RawMessage // set for COMPLETED and FAILED
}

// Config configures the store.
type Config struct {
	// Expiration bounds record lifetime. Default and maximum 24h.
	Expiration time.Duration
	Logger     core.Logger
}

// Store is the Postgres-backed idempotency store.
type Store struct {
	db     *sqlx.DB
	config Config
	logger core.Logger
}

// New creates a store with applied defaults.
func New(db *sqlx.DB, config *Config) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required: %w", core.ErrMissingConfiguration)
	}
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.Expiration <= 0 || cfg.Expiration > 24*time.Hour {
		cfg.Expiration = 24 * time.Hour
	}
	return &Store{
		db:     db,
		config: cfg,
		logger: core.ComponentLogger(cfg.Logger, "idempotency"),
	}, nil
}

// CheckOrCreate atomically claims the key or reports the state of the
// existing claim:
//
//	no row                       -> NEW (row inserted as PENDING)
//	hash mismatch                -> core.ErrIdempotencyKeyReused
//	COMPLETED                    -> COMPLETED with cached response
//	FAILED                       -> FAILED with cached error
//	PENDING, owned by requestID  -> NEW (the claimer re-reading its own row)
//	PENDING, owned by another id -> PENDING (wait-and-retry)
func (s *Store) CheckOrCreate(ctx context.Context, key string, requestID string, body interface{}) (*CheckResult, error) {
	hash, err := CanonicalHash(body)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, request_id, status, created_at, expires_at)
		VALUES ($1, $2, $3, 'PENDING', $4, $5)
		ON CONFLICT (key) DO NOTHING`,
		key, hash, requestID, now, now.Add(s.config.Expiration))
	if err != nil {
		return nil, fmt.Errorf("idempotency insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if s.logger != nil {
			s.logger.DebugWithContext(ctx, "Idempotency key claimed", map[string]interface{}{
				"request_id": requestID,
			})
		}
		return &CheckResult{Outcome: OutcomeNew}, nil
	}

	var rec Record
	err = s.db.GetContext(ctx, &rec, `
		SELECT key, request_hash, request_id, response, status, created_at, expires_at
		FROM idempotency_keys WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		// Row deleted between insert and read (sweeper race). Retry once.
		return s.CheckOrCreate(ctx, key, requestID, body)
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency read: %w", err)
	}

	if rec.RequestHash != hash {
		return nil, fmt.Errorf("key %q: %w", key, core.ErrIdempotencyKeyReused)
	}

	switch rec.Status {
	case "COMPLETED":
		return &CheckResult{Outcome: OutcomeCompleted, Response: rec.Response}, nil
	case "FAILED":
		return &CheckResult{Outcome: OutcomeFailed, Response: rec.Response}, nil
	case "PENDING":
		// Ownership decides, never row age: two concurrent callers must
		// resolve to exactly one NEW.
		if rec.RequestID.Valid && rec.RequestID.String == requestID {
			return &CheckResult{Outcome: OutcomeNew}, nil
		}
		return &CheckResult{Outcome: OutcomePending}, nil
	default:
		return nil, fmt.Errorf("idempotency record in unexpected status %q", rec.Status)
	}
}

// Complete stores the response and marks the record COMPLETED.
// Subsequent calls with the same key replay this exact response. Only
// the PENDING row claimed by requestID is eligible, so a straggler can
// never overwrite another execution's terminal state.
func (s *Store) Complete(ctx context.Context, key, requestID string, response interface{}) error {
	raw, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("idempotency response encode: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = 'COMPLETED', response = $1
		WHERE key = $3 AND request_id = $2 AND status = 'PENDING'`,
		raw, requestID, key)
	if err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("idempotency complete: no pending record owned by request %s: %w", requestID, core.ErrNotFound)
	}
	return nil
}

// Fail stores the sanitized error and marks the record FAILED. Same
// ownership rule as Complete.
func (s *Store) Fail(ctx context.Context, key, requestID string, perr *core.PipelineError) error {
	raw, err := json.Marshal(map[string]interface{}{
		"message": perr.Message,
		"code":    perr.Code(),
	})
	if err != nil {
		return fmt.Errorf("idempotency error encode: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = 'FAILED', response = $1
		WHERE key = $3 AND request_id = $2 AND status = 'PENDING'`,
		raw, requestID, key)
	if err != nil {
		return fmt.Errorf("idempotency fail: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("idempotency fail: no pending record owned by request %s: %w", requestID, core.ErrNotFound)
	}
	return nil
}

// Release deletes a PENDING claim owned by requestID so another caller
// can reclaim the key. Used when the claimer cannot obtain the
// processing lock and will not execute.
func (s *Store) Release(ctx context.Context, key, requestID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key = $1 AND request_id = $2 AND status = 'PENDING'`,
		key, requestID)
	if err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

// SweepExpired deletes records past their expires_at. Returns the
// number removed.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("idempotency sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 && s.logger != nil {
		s.logger.Info("Expired idempotency records swept", map[string]interface{}{
			"removed": n,
		})
	}
	return n, nil
}

// StalePending lists PENDING records older than the threshold for
// operator alerting. A long-lived PENDING row usually means a worker
// died without failing the key.
func (s *Store) StalePending(ctx context.Context, olderThan time.Duration) ([]Record, error) {
	var recs []Record
	err := s.db.SelectContext(ctx, &recs, `
		SELECT key, request_hash, request_id, response, status, created_at, expires_at
		FROM idempotency_keys
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at`,
		time.Now().UTC().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("idempotency stale scan: %w", err)
	}
	return recs, nil
}

// RunSweeper loops SweepExpired at the given interval until ctx ends.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil && s.logger != nil {
				s.logger.ErrorWithContext(ctx, "Idempotency sweep failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}
