package uow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []string
}

func (r *recorder) step(name string, applyErr error, compErr error) Step {
	return Step{
		Name: name,
		Apply: func(context.Context) error {
			r.events = append(r.events, "apply:"+name)
			return applyErr
		},
		Compensate: func(context.Context) error {
			r.events = append(r.events, "undo:"+name)
			return compErr
		},
	}
}

func TestRunAppliesAllSteps(t *testing.T) {
	rec := &recorder{}
	err := NewRunner(nil).Run(context.Background(), rec.step("a", nil, nil), rec.step("b", nil, nil))

	require.NoError(t, err)
	assert.Equal(t, []string{"apply:a", "apply:b"}, rec.events)
}

func TestRunCompensatesInReverseOrder(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")

	err := NewRunner(nil).Run(context.Background(),
		rec.step("a", nil, nil),
		rec.step("b", nil, nil),
		rec.step("c", boom, nil),
		rec.step("d", nil, nil),
	)

	require.ErrorIs(t, err, boom)
	assert.False(t, IsCompensationFailure(err))
	assert.Equal(t, []string{"apply:a", "apply:b", "apply:c", "undo:b", "undo:a"}, rec.events)
}

func TestRunReportsFailedCompensation(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	stuck := errors.New("stuck")

	err := NewRunner(nil).Run(context.Background(),
		rec.step("a", nil, stuck),
		rec.step("b", boom, nil),
	)

	require.Error(t, err)
	assert.True(t, IsCompensationFailure(err))
	assert.ErrorIs(t, err, boom)

	var cerr *CompensationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "b", cerr.FailedStep)
	require.Len(t, cerr.Residual, 1)
	assert.Equal(t, "a", cerr.Residual[0].Step)
}

func TestCompensationRunsAfterCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var undoCtxErr error

	err := NewRunner(nil).Run(ctx,
		Step{
			Name:  "insert",
			Apply: func(context.Context) error { return nil },
			Compensate: func(c context.Context) error {
				undoCtxErr = c.Err()
				return nil
			},
		},
		Step{
			Name: "fail",
			Apply: func(context.Context) error {
				cancel()
				return context.Canceled
			},
		},
	)

	require.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, undoCtxErr)
}

type fakeTx struct {
	calls int
}

func (f *fakeTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	return fn(ctx)
}

func TestRunUsesTransactionWhenAvailable(t *testing.T) {
	tx := &fakeTx{}
	rec := &recorder{}
	boom := errors.New("boom")

	runner := NewRunner(tx)
	require.True(t, runner.Transactional())

	err := runner.Run(context.Background(), rec.step("a", nil, nil), rec.step("b", boom, nil))

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, tx.calls)
	assert.Equal(t, []string{"apply:a", "apply:b"}, rec.events, "transactional runs never compensate")
}
