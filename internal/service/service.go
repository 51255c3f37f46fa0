// Package service implements the till operations: quoting and recording
// sales, moving stock, and the shift open/close/approve lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"ferrepos/backend/internal/apperror"
	"ferrepos/backend/internal/approval"
	"ferrepos/backend/internal/domain"
	"ferrepos/backend/internal/invoice"
	"ferrepos/backend/internal/logger"
	"ferrepos/backend/internal/metrics"
	"ferrepos/backend/internal/store"
	"ferrepos/backend/internal/uow"
	"ferrepos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Identity) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Identity, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Identity)
	return actor, ok
}

// Approver is the dual-custody gate as seen by the shift lifecycle.
type Approver interface {
	Authorize(ctx context.Context, cashierID string, cred approval.Credential) (domain.Identity, error)
	Issue(ctx context.Context, approver domain.Identity, shiftID string, cashierID string) (approval.Token, error)
	IssueFor(ctx context.Context, approverID string, shiftID string, cashierID string) (approval.Token, error)
	Redeem(ctx context.Context, token string, shiftID string, cashierID string) (domain.Identity, error)
}

type Options struct {
	TaxRate                 decimal.Decimal
	Numberer                *invoice.Numberer
	InvoiceMaxAttempts      int
	VarianceWarnPercent     decimal.Decimal
	VarianceCriticalPercent decimal.Decimal
	StoreTimeout            time.Duration
	Now                     func() time.Time
}

type Service struct {
	repo         store.Repository
	runner       *uow.Runner
	approver     Approver
	numberer     *invoice.Numberer
	taxRate      decimal.Decimal
	maxAttempts  int
	warnPct      decimal.Decimal
	criticalPct  decimal.Decimal
	storeTimeout time.Duration
	now          func() time.Time
}

func New(repo store.Repository, approver Approver, opts Options) *Service {
	if opts.Numberer == nil {
		opts.Numberer = invoice.NewNumberer("FV")
	}
	if opts.InvoiceMaxAttempts < 1 {
		opts.InvoiceMaxAttempts = 5
	}
	if opts.VarianceWarnPercent.IsZero() && opts.VarianceCriticalPercent.IsZero() {
		opts.VarianceWarnPercent = decimal.NewFromInt(1)
		opts.VarianceCriticalPercent = decimal.NewFromInt(5)
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		repo:         repo,
		runner:       uow.NewRunner(repo),
		approver:     approver,
		numberer:     opts.Numberer,
		taxRate:      opts.TaxRate,
		maxAttempts:  opts.InvoiceMaxAttempts,
		warnPct:      opts.VarianceWarnPercent,
		criticalPct:  opts.VarianceCriticalPercent,
		storeTimeout: opts.StoreTimeout,
		now:          func() time.Time { return opts.Now().UTC() },
	}
}

func (s *Service) TaxRate() decimal.Decimal {
	return s.taxRate
}

// requireActor returns the caller, failing with Unauthorized when the context
// has none and InsufficientPrivilege when its role is not in roles.
func requireActor(ctx context.Context, roles ...string) (domain.Identity, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ID == "" {
		return domain.Identity{}, apperror.NewUnauthorized("authentication required")
	}
	if len(roles) == 0 {
		return actor, nil
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Identity{}, apperror.NewInsufficientPrivilege("role not allowed for this operation").
		WithDetail("role", actor.Role)
}

// read runs a store read under the store timeout and retries it once unless
// the record is missing or the caller gave up.
func read[T any](ctx context.Context, s *Service, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		result, err = fn(callCtx)
		cancel()
		if err == nil || !retryable(ctx, err) {
			return result, err
		}
		logger.Warn(ctx, "store read failed, retrying", "attempt", attempt+1, "error", err)
	}
	return result, err
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	for _, terminal := range []error{
		store.ErrNotFound, store.ErrInsufficientStock, store.ErrAlreadyOpen,
		store.ErrDuplicateInvoice, store.ErrStateConflict, store.ErrInvalidRecord,
		store.ErrShiftNotOpen,
	} {
		if errors.Is(err, terminal) {
			return false
		}
	}
	return true
}

// write runs one store write under the store timeout. Writes are never
// retried: the outcome of a timed-out write is unknown.
func (s *Service) write(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return fn(callCtx)
}

// mapStoreErr converts repository sentinels into application errors.
func mapStoreErr(err error, entity string, id string) error {
	if err == nil {
		return nil
	}
	if _, ok := apperror.AsAppError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperror.NewNotFound(entity, id)
	case errors.Is(err, store.ErrAlreadyOpen):
		return apperror.NewAlreadyOpen(id)
	case errors.Is(err, store.ErrStateConflict):
		return apperror.NewInvalidState(fmt.Sprintf("%s %s changed concurrently", entity, id))
	case errors.Is(err, store.ErrInvalidRecord):
		return apperror.NewInvalidInput(err.Error())
	case errors.Is(err, store.ErrShiftNotOpen):
		return apperror.NewInvalidState("an open shift is required to record sales")
	case errors.Is(err, store.ErrInsufficientStock):
		return &apperror.AppError{
			Code:       apperror.CodeInsufficientStock,
			Message:    "insufficient stock",
			HTTPStatus: http.StatusConflict,
			Err:        err,
		}
	default:
		return apperror.NewInternal(err)
	}
}

// raiseIntegrityAlert is for state the till could not keep consistent, for
// example a failed compensation. It logs at error level, counts the alert and
// leaves an audit row for manual reconciliation.
func (s *Service) raiseIntegrityAlert(ctx context.Context, kind string, entityType string, entityID string, cause error) error {
	logger.Error(ctx, "integrity alert",
		"alert", "integrity",
		"kind", kind,
		"entity_type", entityType,
		"entity_id", entityID,
		"error", cause,
	)
	metrics.IncIntegrityAlert(kind)
	s.logAudit(ctx, "integrity_alert", entityType, entityID, fmt.Sprintf("kind=%s error=%v", kind, cause))
	return apperror.NewIntegrity(kind, cause)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Identity{ID: "system", Role: "system"}
	}

	err := s.write(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return s.repo.CreateAuditLog(ctx, domain.AuditLog{
			ID:         xid.New("audit"),
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     action,
			EntityType: entityType,
			EntityID:   entityID,
			Detail:     detail,
			CreatedAt:  s.now(),
		})
	})
	if err != nil {
		logger.Warn(ctx, "failed to write audit log",
			"action", action, "entity_type", entityType, "entity_id", entityID, "error", err)
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, entityType string, entityID string, limit int) ([]domain.AuditLog, error) {
	if _, err := requireActor(ctx, domain.RoleAdmin, domain.RoleAccounting); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	logs, err := read(ctx, s, func(ctx context.Context) ([]domain.AuditLog, error) {
		return s.repo.ListAuditLogs(ctx, entityType, entityID, limit)
	})
	if err != nil {
		return nil, mapStoreErr(err, "audit log", entityID)
	}
	return logs, nil
}
