// Package tracker persists the lifecycle of every pipeline request in
// Postgres and owns the dead letter queue. Input and result blobs are
// encrypted before they touch the database; status transitions go
// through optimistic locking so concurrent workers never clobber each
// other's updates.
package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/Prism-Clinical/careplan-pipeline/coordination"
	"github.com/Prism-Clinical/careplan-pipeline/core"
	"github.com/Prism-Clinical/careplan-pipeline/crypto"
)

// Request mirrors one pipeline_requests row. Encrypted blobs stay
// encrypted here; use GetDecryptedInput/Result for plaintext.
type Request struct {
	RequestID        string          `db:"request_id"`
	VisitID          string          `db:"visit_id"`
	PatientID        string          `db:"patient_id"`
	UserID           string          `db:"user_id"`
	IdempotencyKey   string          `db:"idempotency_key"`
	Status           string          `db:"status"`
	InputEncrypted   []byte          `db:"input_encrypted"`
	ResultEncrypted  []byte          `db:"result_encrypted"`
	Error            json.RawMessage `db:"error"`
	StagesCompleted  pq.StringArray  `db:"stages_completed"`
	DegradedServices pq.StringArray  `db:"degraded_services"`
	Version          int             `db:"version"`
	StartedAt        sql.NullTime    `db:"started_at"`
	CompletedAt      sql.NullTime    `db:"completed_at"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

// Stats is the 24-hour rolling request summary.
type Stats struct {
	Total             int     `db:"total"`
	Pending           int     `db:"pending"`
	InProgress        int     `db:"in_progress"`
	Completed         int     `db:"completed"`
	Failed            int     `db:"failed"`
	Expired           int     `db:"expired"`
	AvgCompletedMs    float64 `db:"avg_completed_ms"`
}

const requestColumns = `request_id, visit_id, patient_id, user_id, idempotency_key,
	status, input_encrypted, result_encrypted, error, stages_completed,
	degraded_services, version, started_at, completed_at, created_at, updated_at`

// Tracker is the Postgres-backed request tracker.
type Tracker struct {
	db     *sqlx.DB
	enc    *crypto.Encryptor
	logger core.Logger
}

// New creates a tracker.
func New(db *sqlx.DB, enc *crypto.Encryptor, logger core.Logger) (*Tracker, error) {
	if db == nil || enc == nil {
		return nil, fmt.Errorf("db and encryptor are required: %w", core.ErrMissingConfiguration)
	}
	return &Tracker{
		db:     db,
		enc:    enc,
		logger: core.ComponentLogger(logger, "tracker"),
	}, nil
}

// Create inserts a PENDING request with the encrypted input blob.
func (t *Tracker) Create(ctx context.Context, requestID string, input *core.PipelineInput) error {
	plaintext, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("tracker input encode: %w", err)
	}
	sealed, err := t.enc.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("tracker input encrypt: %w", err)
	}

	_, err = t.db.ExecContext(ctx, `
		INSERT INTO pipeline_requests
			(request_id, visit_id, patient_id, user_id, idempotency_key, status, input_encrypted)
		VALUES ($1, $2, $3, $4, $5, 'PENDING', $6)`,
		requestID, input.VisitID, input.PatientID, input.UserID, input.IdempotencyKey, sealed)
	if err != nil {
		return fmt.Errorf("tracker create: %w", err)
	}

	if t.logger != nil {
		t.logger.InfoWithContext(ctx, "Pipeline request created", map[string]interface{}{
			"request_id": requestID,
			"visit_id":   input.VisitID,
		})
	}
	return nil
}

// UpdateStatus transitions the request status under optimistic locking
// and optionally records completed stages. A PENDING to IN_PROGRESS
// transition stamps started_at.
func (t *Tracker) UpdateStatus(ctx context.Context, requestID string, status core.RequestStatus, completedStages []string) error {
	return coordination.RetryOptimistic(3, func() error {
		return coordination.WithOptimisticLock(ctx, t.db, requestID, func(version int) (string, []interface{}, error) {
			set := `status = $1, started_at = CASE WHEN status = 'PENDING' AND $1 = 'IN_PROGRESS' THEN NOW() ELSE started_at END`
			args := []interface{}{string(status)}
			if completedStages != nil {
				set += `, stages_completed = $2`
				args = append(args, pq.Array(completedStages))
			}
			return set, args, nil
		})
	})
}

// Complete encrypts and stores the output, marks COMPLETED, and stamps
// completed_at. Degraded services from the output land in their own
// column for querying.
func (t *Tracker) Complete(ctx context.Context, requestID string, output *core.PipelineOutput) error {
	plaintext, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("tracker result encode: %w", err)
	}
	sealed, err := t.enc.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("tracker result encrypt: %w", err)
	}

	stages := make([]string, 0, len(output.ProcessingMetadata.StageResults))
	for _, sr := range output.ProcessingMetadata.StageResults {
		if sr.Status == core.StageCompleted || sr.Status == core.StageSkipped {
			stages = append(stages, sr.Stage)
		}
	}
	degraded := output.DegradedServices
	if degraded == nil {
		degraded = []string{}
	}

	return coordination.RetryOptimistic(3, func() error {
		return coordination.WithOptimisticLock(ctx, t.db, requestID, func(version int) (string, []interface{}, error) {
			set := `status = 'COMPLETED', result_encrypted = $1, stages_completed = $2,
				degraded_services = $3, completed_at = NOW()`
			return set, []interface{}{sealed, pq.Array(stages), pq.Array(degraded)}, nil
		})
	})
}

// Fail marks the request FAILED and stores the sanitized error as JSON.
func (t *Tracker) Fail(ctx context.Context, requestID string, perr *core.PipelineError) error {
	raw, err := json.Marshal(map[string]interface{}{
		"message":  perr.Message,
		"code":     perr.Code(),
		"category": perr.Category,
		"stage":    perr.Stage,
	})
	if err != nil {
		return fmt.Errorf("tracker error encode: %w", err)
	}

	return coordination.RetryOptimistic(3, func() error {
		return coordination.WithOptimisticLock(ctx, t.db, requestID, func(version int) (string, []interface{}, error) {
			return `status = 'FAILED', error = $1, completed_at = NOW()`, []interface{}{raw}, nil
		})
	})
}

// GetByID loads a single request.
func (t *Tracker) GetByID(ctx context.Context, requestID string) (*Request, error) {
	var req Request
	err := t.db.GetContext(ctx, &req,
		`SELECT `+requestColumns+` FROM pipeline_requests WHERE request_id = $1`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", requestID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("tracker get: %w", err)
	}
	return &req, nil
}

// GetByVisitID lists all requests for a visit, newest first.
func (t *Tracker) GetByVisitID(ctx context.Context, visitID string) ([]Request, error) {
	var reqs []Request
	err := t.db.SelectContext(ctx, &reqs,
		`SELECT `+requestColumns+` FROM pipeline_requests
		 WHERE visit_id = $1 ORDER BY created_at DESC`, visitID)
	if err != nil {
		return nil, fmt.Errorf("tracker visit scan: %w", err)
	}
	return reqs, nil
}

// GetActiveByVisitID lists PENDING and IN_PROGRESS requests for a visit.
func (t *Tracker) GetActiveByVisitID(ctx context.Context, visitID string) ([]Request, error) {
	var reqs []Request
	err := t.db.SelectContext(ctx, &reqs,
		`SELECT `+requestColumns+` FROM pipeline_requests
		 WHERE visit_id = $1 AND status IN ('PENDING','IN_PROGRESS')
		 ORDER BY created_at DESC`, visitID)
	if err != nil {
		return nil, fmt.Errorf("tracker active scan: %w", err)
	}
	return reqs, nil
}

// GetByUserID lists a user's requests, newest first, bounded by limit.
func (t *Tracker) GetByUserID(ctx context.Context, userID string, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 50
	}
	var reqs []Request
	err := t.db.SelectContext(ctx, &reqs,
		`SELECT `+requestColumns+` FROM pipeline_requests
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("tracker user scan: %w", err)
	}
	return reqs, nil
}

// GetDecryptedInput loads and decrypts the original input.
func (t *Tracker) GetDecryptedInput(ctx context.Context, requestID string) (*core.PipelineInput, error) {
	req, err := t.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	plaintext, err := t.enc.Decrypt(req.InputEncrypted)
	if err != nil {
		return nil, fmt.Errorf("tracker input decrypt: %w", err)
	}
	var input core.PipelineInput
	if err := json.Unmarshal(plaintext, &input); err != nil {
		return nil, fmt.Errorf("tracker input decode: %w", err)
	}
	return &input, nil
}

// GetDecryptedResult loads and decrypts the stored output. Returns
// core.ErrNotFound when no result has been stored yet.
func (t *Tracker) GetDecryptedResult(ctx context.Context, requestID string) (*core.PipelineOutput, error) {
	req, err := t.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if len(req.ResultEncrypted) == 0 {
		return nil, fmt.Errorf("request %s has no result: %w", requestID, core.ErrNotFound)
	}
	plaintext, err := t.enc.Decrypt(req.ResultEncrypted)
	if err != nil {
		return nil, fmt.Errorf("tracker result decrypt: %w", err)
	}
	var output core.PipelineOutput
	if err := json.Unmarshal(plaintext, &output); err != nil {
		return nil, fmt.Errorf("tracker result decode: %w", err)
	}
	return &output, nil
}

// ExpireStaleRequests marks PENDING and IN_PROGRESS requests older
// than maxAge as EXPIRED. Returns the number expired.
func (t *Tracker) ExpireStaleRequests(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := t.db.ExecContext(ctx, `
		UPDATE pipeline_requests
		SET status = 'EXPIRED', completed_at = NOW(), version = version + 1, updated_at = NOW()
		WHERE status IN ('PENDING','IN_PROGRESS') AND created_at < $1`,
		time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("tracker expire: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 && t.logger != nil {
		t.logger.Warn("Stale pipeline requests expired", map[string]interface{}{
			"expired": n,
		})
	}
	return n, nil
}

// CleanOldRequests hard-deletes terminal requests older than maxAge.
func (t *Tracker) CleanOldRequests(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := t.db.ExecContext(ctx, `
		DELETE FROM pipeline_requests
		WHERE status IN ('COMPLETED','FAILED','EXPIRED') AND created_at < $1`,
		time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("tracker clean: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetStats returns the 24-hour rolling counters and the average
// duration of completed requests.
func (t *Tracker) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	err := t.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'PENDING') AS pending,
			COUNT(*) FILTER (WHERE status = 'IN_PROGRESS') AS in_progress,
			COUNT(*) FILTER (WHERE status = 'COMPLETED') AS completed,
			COUNT(*) FILTER (WHERE status = 'FAILED') AS failed,
			COUNT(*) FILTER (WHERE status = 'EXPIRED') AS expired,
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)
				FILTER (WHERE status = 'COMPLETED'), 0) AS avg_completed_ms
		FROM pipeline_requests
		WHERE created_at > NOW() - INTERVAL '24 hours'`)
	if err != nil {
		return nil, fmt.Errorf("tracker stats: %w", err)
	}
	return &stats, nil
}
