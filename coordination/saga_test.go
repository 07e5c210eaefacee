package coordination

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSagaRunsAllSteps(t *testing.T) {
	var order []string
	saga := NewSaga(nil).
		AddStep(SagaStep{
			Name: "a",
			Execute: func(ctx context.Context) (interface{}, error) {
				order = append(order, "a")
				return "ra", nil
			},
		}).
		AddStep(SagaStep{
			Name: "b",
			Execute: func(ctx context.Context) (interface{}, error) {
				order = append(order, "b")
				return "rb", nil
			},
		})

	result, err := saga.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, []string{"a", "b"}, result.Completed)
	assert.Empty(t, result.Compensated)
	assert.Equal(t, "ra", result.Results["a"])
	assert.Equal(t, "rb", result.Results["b"])
}

func TestSagaCompensatesInReverseOrder(t *testing.T) {
	var compensated []string
	boom := errors.New("step c failed")

	mkStep := func(name string) SagaStep {
		return SagaStep{
			Name: name,
			Execute: func(ctx context.Context) (interface{}, error) {
				return name + "-result", nil
			},
			Compensate: func(ctx context.Context, result interface{}) error {
				compensated = append(compensated, name)
				return nil
			},
		}
	}

	saga := NewSaga(nil).
		AddStep(mkStep("a")).
		AddStep(mkStep("b")).
		AddStep(SagaStep{
			Name: "c",
			Execute: func(ctx context.Context) (interface{}, error) {
				return nil, boom
			},
			Compensate: func(ctx context.Context, result interface{}) error {
				t.Fatal("failed step must not compensate")
				return nil
			},
		}).
		AddStep(SagaStep{
			Name: "d",
			Execute: func(ctx context.Context) (interface{}, error) {
				t.Fatal("steps after the failure must not execute")
				return nil, nil
			},
		})

	result, err := saga.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"b", "a"}, compensated)
	// The failure result names what completed and what was rolled back.
	assert.Equal(t, []string{"a", "b"}, result.Completed)
	assert.Equal(t, []string{"b", "a"}, result.Compensated)
	assert.Equal(t, "a-result", result.Results["a"])
}

func TestSagaCompensationFailureDoesNotHaltSweep(t *testing.T) {
	var compensated []string
	saga := NewSaga(nil).
		AddStep(SagaStep{
			Name:    "a",
			Execute: func(ctx context.Context) (interface{}, error) { return nil, nil },
			Compensate: func(ctx context.Context, result interface{}) error {
				compensated = append(compensated, "a")
				return nil
			},
		}).
		AddStep(SagaStep{
			Name:    "b",
			Execute: func(ctx context.Context) (interface{}, error) { return nil, nil },
			Compensate: func(ctx context.Context, result interface{}) error {
				compensated = append(compensated, "b")
				return errors.New("compensation failed")
			},
		}).
		AddStep(SagaStep{
			Name:    "fail",
			Execute: func(ctx context.Context) (interface{}, error) { return nil, errors.New("x") },
		})

	_, err := saga.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []string{"b", "a"}, compensated)
}

func TestSagaCompensatesOnCancelledContext(t *testing.T) {
	compensated := false
	ctx, cancel := context.WithCancel(context.Background())

	saga := NewSaga(nil).
		AddStep(SagaStep{
			Name:    "a",
			Execute: func(ctx context.Context) (interface{}, error) { return nil, nil },
			Compensate: func(ctx context.Context, result interface{}) error {
				// Compensation runs with a detached context.
				assert.NoError(t, ctx.Err())
				compensated = true
				return nil
			},
		}).
		AddStep(SagaStep{
			Name: "b",
			Execute: func(ctx context.Context) (interface{}, error) {
				cancel()
				return nil, ctx.Err()
			},
		})

	_, err := saga.Run(ctx)
	assert.Error(t, err)
	assert.True(t, compensated)
}
