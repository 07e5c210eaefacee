package coordination

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Prism-Clinical/careplan-pipeline/core"
)

// WithOptimisticLock updates a pipeline_requests row under version
// control. The row is read FOR UPDATE inside a transaction, mutate
// adjusts the caller's in-memory view, and the final UPDATE asserts
// the version read. A concurrent writer bumps the version first and
// the assertion fails with core.ErrOptimisticLock; callers retry.
//
// mutate returns the SET fragments and args for the final UPDATE. The
// fragments use sequential placeholders starting at $1; requestID and
// version are appended after them.
func WithOptimisticLock(ctx context.Context, db *sqlx.DB, requestID string, mutate func(version int) (setClause string, args []interface{}, err error)) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("optimistic lock begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var version int
	err = tx.GetContext(ctx, &version,
		`SELECT version FROM pipeline_requests WHERE request_id = $1 FOR UPDATE`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("request %s: %w", requestID, core.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("optimistic lock read: %w", err)
	}

	setClause, args, err := mutate(version)
	if err != nil {
		return err
	}

	n := len(args)
	query := fmt.Sprintf(`
		UPDATE pipeline_requests
		SET %s, version = version + 1, updated_at = NOW()
		WHERE request_id = $%d AND version = $%d`, setClause, n+1, n+2)
	args = append(args, requestID, version)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("optimistic lock update: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("request %s: %w", requestID, core.ErrOptimisticLock)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("optimistic lock commit: %w", err)
	}
	return nil
}

// RetryOptimistic retries fn up to attempts times while it fails with
// core.ErrOptimisticLock. Other errors surface immediately.
func RetryOptimistic(attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = 3
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !errors.Is(err, core.ErrOptimisticLock) {
			return err
		}
	}
	return err
}
