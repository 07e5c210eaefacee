package coordination

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prism-Clinical/careplan-pipeline/core"
)

func testDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestWithOptimisticLockCommits(t *testing.T) {
	db, mock := testDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT version FROM pipeline_requests WHERE request_id = $1 FOR UPDATE`)).
		WithArgs("R1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(4))
	mock.ExpectExec(`UPDATE pipeline_requests`).
		WithArgs("IN_PROGRESS", "R1", 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := WithOptimisticLock(context.Background(), db, "R1", func(version int) (string, []interface{}, error) {
		assert.Equal(t, 4, version)
		return "status = $1", []interface{}{"IN_PROGRESS"}, nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithOptimisticLockVersionConflict(t *testing.T) {
	db, mock := testDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version FROM pipeline_requests`).
		WithArgs("R1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(4))
	mock.ExpectExec(`UPDATE pipeline_requests`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := WithOptimisticLock(context.Background(), db, "R1", func(version int) (string, []interface{}, error) {
		return "status = $1", []interface{}{"COMPLETED"}, nil
	})
	assert.ErrorIs(t, err, core.ErrOptimisticLock)
}

func TestWithOptimisticLockMissingRow(t *testing.T) {
	db, mock := testDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version FROM pipeline_requests`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectRollback()

	err := WithOptimisticLock(context.Background(), db, "nope", func(version int) (string, []interface{}, error) {
		t.Fatal("mutate must not run for a missing row")
		return "", nil, nil
	})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRetryOptimistic(t *testing.T) {
	calls := 0
	err := RetryOptimistic(3, func() error {
		calls++
		if calls < 3 {
			return core.ErrOptimisticLock
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOptimisticGivesUp(t *testing.T) {
	calls := 0
	err := RetryOptimistic(2, func() error {
		calls++
		return core.ErrOptimisticLock
	})
	assert.ErrorIs(t, err, core.ErrOptimisticLock)
	assert.Equal(t, 2, calls)
}

func TestRetryOptimisticStopsOnOtherErrors(t *testing.T) {
	boom := errors.New("db down")
	calls := 0
	err := RetryOptimistic(3, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
