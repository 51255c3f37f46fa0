// Package uow runs a multi-step write as one logical unit. When the store can
// open a real transaction the steps run inside it; otherwise each applied step
// is undone in reverse order if a later one fails.
package uow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Transactor is implemented by stores with multi-statement transactions.
type Transactor interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Step struct {
	Name       string
	Apply      func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// CompensationError means a step failed and at least one compensation for an
// earlier step failed too, so state may be partially written.
type CompensationError struct {
	FailedStep string
	Cause      error
	Residual   []StepFailure
}

type StepFailure struct {
	Step string
	Err  error
}

func (e *CompensationError) Error() string {
	names := make([]string, 0, len(e.Residual))
	for _, f := range e.Residual {
		names = append(names, f.Step)
	}
	return fmt.Sprintf("step %q failed (%v) and compensation failed for %s",
		e.FailedStep, e.Cause, strings.Join(names, ", "))
}

func (e *CompensationError) Unwrap() error {
	return e.Cause
}

// compensationTimeout bounds the undo phase; it runs detached from the
// caller's cancellation so an expired request still gets cleaned up.
const compensationTimeout = 10 * time.Second

type Runner struct {
	tx Transactor
}

// NewRunner takes the repository. If it implements Transactor, steps run in a
// transaction and compensations are skipped.
func NewRunner(repo any) *Runner {
	tx, _ := repo.(Transactor)
	return &Runner{tx: tx}
}

func (r *Runner) Transactional() bool {
	return r.tx != nil
}

func (r *Runner) Run(ctx context.Context, steps ...Step) error {
	if r.tx != nil {
		return r.tx.RunInTransaction(ctx, func(txCtx context.Context) error {
			for _, step := range steps {
				if err := step.Apply(txCtx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return runCompensating(ctx, steps)
}

func runCompensating(ctx context.Context, steps []Step) error {
	for i, step := range steps {
		err := step.Apply(ctx)
		if err == nil {
			continue
		}

		undoCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
		defer cancel()

		var residual []StepFailure
		for j := i - 1; j >= 0; j-- {
			if steps[j].Compensate == nil {
				continue
			}
			if cerr := steps[j].Compensate(undoCtx); cerr != nil {
				residual = append(residual, StepFailure{Step: steps[j].Name, Err: cerr})
			}
		}
		if len(residual) > 0 {
			return &CompensationError{FailedStep: step.Name, Cause: err, Residual: residual}
		}
		return err
	}
	return nil
}

// IsCompensationFailure reports whether err left partially written state.
func IsCompensationFailure(err error) bool {
	var cerr *CompensationError
	return errors.As(err, &cerr)
}
