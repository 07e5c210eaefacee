package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Prism-Clinical/careplan-pipeline/core"
)

// DLQ job types.
const (
	JobTypeGeneration = "GENERATE_CAREPLAN"
	JobTypePDFImport  = "IMPORT_PDF"
)

// DLQ resolutions.
const (
	ResolutionRetried   = "RETRIED"
	ResolutionDiscarded = "DISCARDED"
	ResolutionManual    = "MANUAL"
)

// DLQItem mirrors one dead_letter_queue row. PayloadEncrypted keeps
// the job payload sealed; the error fields are already PHI-scrubbed by
// the time a job reaches the DLQ.
type DLQItem struct {
	ID               string       `db:"id"`
	JobType          string       `db:"job_type"`
	JobID            string       `db:"job_id"`
	PayloadEncrypted []byte       `db:"payload_encrypted"`
	ErrorMessage     string       `db:"error_message"`
	ErrorStack       string       `db:"error_stack"`
	Attempts         int          `db:"attempts"`
	FirstFailedAt    time.Time    `db:"first_failed_at"`
	LastFailedAt     time.Time    `db:"last_failed_at"`
	ResolvedAt       sql.NullTime `db:"resolved_at"`
	Resolution       sql.NullString `db:"resolution"`
}

const dlqColumns = `id, job_type, job_id, payload_encrypted, error_message,
	error_stack, attempts, first_failed_at, last_failed_at, resolved_at, resolution`

// DLQ is the Postgres-backed dead letter queue.
type DLQ struct {
	db     *sqlx.DB
	logger core.Logger
}

// NewDLQ creates a DLQ store.
func NewDLQ(db *sqlx.DB, logger core.Logger) (*DLQ, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required: %w", core.ErrMissingConfiguration)
	}
	return &DLQ{db: db, logger: core.ComponentLogger(logger, "dlq")}, nil
}

// Add inserts a dead-lettered job and returns its id.
func (q *DLQ) Add(ctx context.Context, item *DLQItem) (string, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if item.FirstFailedAt.IsZero() {
		item.FirstFailedAt = now
	}
	if item.LastFailedAt.IsZero() {
		item.LastFailedAt = now
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO dead_letter_queue
			(id, job_type, job_id, payload_encrypted, error_message, error_stack,
			 attempts, first_failed_at, last_failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		item.ID, item.JobType, item.JobID, item.PayloadEncrypted,
		item.ErrorMessage, item.ErrorStack, item.Attempts,
		item.FirstFailedAt, item.LastFailedAt)
	if err != nil {
		return "", fmt.Errorf("dlq add: %w", err)
	}

	if q.logger != nil {
		q.logger.ErrorWithContext(ctx, "Job moved to dead letter queue", map[string]interface{}{
			"dlq_id":   item.ID,
			"job_type": item.JobType,
			"job_id":   item.JobID,
			"attempts": item.Attempts,
		})
	}
	return item.ID, nil
}

// GetUnresolved lists unresolved items, oldest failure first.
func (q *DLQ) GetUnresolved(ctx context.Context, limit int) ([]DLQItem, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []DLQItem
	err := q.db.SelectContext(ctx, &items,
		`SELECT `+dlqColumns+` FROM dead_letter_queue
		 WHERE resolved_at IS NULL ORDER BY last_failed_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("dlq scan: %w", err)
	}
	return items, nil
}

// Resolve marks an item resolved. Resolving an already-resolved item
// is an error so operators never silently double-handle a job.
func (q *DLQ) Resolve(ctx context.Context, id, resolution string) error {
	switch resolution {
	case ResolutionRetried, ResolutionDiscarded, ResolutionManual:
	default:
		return fmt.Errorf("invalid resolution %q: %w", resolution, core.ErrInvalidConfiguration)
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE dead_letter_queue
		SET resolved_at = NOW(), resolution = $1
		WHERE id = $2 AND resolved_at IS NULL`, resolution, id)
	if err != nil {
		return fmt.Errorf("dlq resolve: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dlq item %s: %w", id, core.ErrNotFound)
	}
	return nil
}

// Depth counts unresolved items.
func (q *DLQ) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM dead_letter_queue WHERE resolved_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("dlq depth: %w", err)
	}
	return n, nil
}

// GetForRetry returns the encrypted payload of an unresolved item so
// the queue can re-enqueue it.
func (q *DLQ) GetForRetry(ctx context.Context, id string) (*DLQItem, error) {
	var item DLQItem
	err := q.db.GetContext(ctx, &item,
		`SELECT `+dlqColumns+` FROM dead_letter_queue
		 WHERE id = $1 AND resolved_at IS NULL`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dlq item %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("dlq get: %w", err)
	}
	return &item, nil
}
