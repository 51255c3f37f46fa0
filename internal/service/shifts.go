package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ferrepos/backend/internal/apperror"
	"ferrepos/backend/internal/cashcount"
	"ferrepos/backend/internal/domain"
	"ferrepos/backend/internal/logger"
	"ferrepos/backend/internal/metrics"
	"ferrepos/backend/internal/store"
	"ferrepos/backend/internal/uow"
	"ferrepos/backend/internal/xid"
)

type salesTally struct {
	byMethod map[domain.PaymentMethod]domain.Money
	count    int
}

func denominationRows(shiftID string, phase domain.CountPhase, count cashcount.Count, at time.Time) []domain.ShiftDenomination {
	rows := make([]domain.ShiftDenomination, 0, len(count))
	for _, entry := range cashcount.Rows(count) {
		if entry.Count == 0 {
			continue
		}
		rows = append(rows, domain.ShiftDenomination{
			ID:        xid.New("den"),
			ShiftID:   shiftID,
			Phase:     phase,
			Kind:      entry.Kind,
			FaceValue: entry.FaceValue,
			Count:     entry.Count,
			Subtotal:  entry.FaceValue * domain.Money(entry.Count),
			CreatedAt: at,
		})
	}
	return rows
}

// classifyVariance grades |variance| as a percentage of expected cash. Any
// shortfall or overage against an expected total of zero is critical.
func classifyVariance(variance domain.Money, expected domain.Money, warnPct decimal.Decimal, criticalPct decimal.Decimal) domain.VarianceLevel {
	if variance == 0 {
		return domain.VarianceNormal
	}
	if expected <= 0 {
		return domain.VarianceCritical
	}
	abs := decimal.NewFromInt(int64(variance)).Abs()
	pct := abs.Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(int64(expected)))
	switch {
	case pct.LessThanOrEqual(warnPct):
		return domain.VarianceNormal
	case pct.LessThanOrEqual(criticalPct):
		return domain.VarianceWarning
	default:
		return domain.VarianceCritical
	}
}

func (s *Service) loadShift(ctx context.Context, shiftID string) (*domain.Shift, error) {
	shiftID = strings.TrimSpace(shiftID)
	if shiftID == "" {
		return nil, apperror.NewInvalidInput("shift id is required")
	}
	if !xid.Valid("shift", shiftID) {
		return nil, apperror.NewNotFound("shift", shiftID)
	}
	shift, err := read(ctx, s, func(ctx context.Context) (*domain.Shift, error) {
		return s.repo.GetShift(ctx, shiftID)
	})
	if err != nil {
		return nil, mapStoreErr(err, "shift", shiftID)
	}
	return shift, nil
}

// requireShiftOwner lets the cashier who opened the shift, or an admin, act
// on it.
func requireShiftOwner(actor domain.Identity, shift *domain.Shift) error {
	if actor.Role == domain.RoleAdmin || actor.ID == shift.CashierID {
		return nil
	}
	return apperror.NewInsufficientPrivilege("only the shift owner can do this").
		WithDetail("shift_id", shift.ID)
}

func (s *Service) salesTally(ctx context.Context, cashierID string, from time.Time, to time.Time) (salesTally, error) {
	tally, err := read(ctx, s, func(ctx context.Context) (salesTally, error) {
		byMethod, count, err := s.repo.SumSalesByMethod(ctx, cashierID, from, to)
		return salesTally{byMethod: byMethod, count: count}, err
	})
	if err != nil {
		return salesTally{}, mapStoreErr(err, "sale", cashierID)
	}
	return tally, nil
}

// OpenShift starts a shift for the caller with the counted opening float.
func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (domain.Shift, error) {
	actor, err := requireActor(ctx, domain.RoleCashier, domain.RoleAdmin)
	if err != nil {
		return domain.Shift{}, err
	}
	count, total, err := cashcount.Sum(req.Denominations)
	if err != nil {
		return domain.Shift{}, err
	}

	_, err = read(ctx, s, func(ctx context.Context) (*domain.Shift, error) {
		return s.repo.GetActiveShift(ctx, actor.ID)
	})
	if err == nil {
		return domain.Shift{}, apperror.NewAlreadyOpen(actor.ID)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.Shift{}, mapStoreErr(err, "shift", actor.ID)
	}
	if total <= 0 {
		return domain.Shift{}, apperror.NewEmptyFloat()
	}

	now := s.now()
	shift := domain.Shift{
		ID:           xid.New("shift"),
		CashierID:    actor.ID,
		State:        domain.ShiftStateOpen,
		OpeningFloat: total,
		OpenedAt:     now,
	}
	rows := denominationRows(shift.ID, domain.CountPhaseOpening, count, now)

	var saved *domain.Shift
	err = s.runner.Run(ctx,
		uow.Step{
			Name: "create shift",
			Apply: func(ctx context.Context) error {
				return s.write(ctx, func(ctx context.Context) error {
					var err error
					saved, err = s.repo.CreateShift(ctx, shift)
					return err
				})
			},
			Compensate: func(ctx context.Context) error {
				return s.repo.DeleteShift(ctx, shift.ID)
			},
		},
		uow.Step{
			Name: "insert opening denominations",
			Apply: func(ctx context.Context) error {
				return s.write(ctx, func(ctx context.Context) error {
					return s.repo.InsertDenominations(ctx, rows)
				})
			},
		},
	)
	if errors.Is(err, store.ErrAlreadyOpen) {
		return domain.Shift{}, apperror.NewAlreadyOpen(actor.ID)
	}
	if err != nil {
		return domain.Shift{}, s.runFailure(ctx, err, "shift_open_compensation", "shift", shift.ID)
	}

	metrics.IncShiftTransition("open")
	s.logAudit(ctx, "shift_open", "shift", saved.ID, fmt.Sprintf("opening_float=%d", saved.OpeningFloat))
	return *saved, nil
}

// GetActiveShift returns the caller's open or pending shift.
func (s *Service) GetActiveShift(ctx context.Context) (domain.Shift, error) {
	actor, err := requireActor(ctx, domain.RoleCashier, domain.RoleAdmin)
	if err != nil {
		return domain.Shift{}, err
	}
	shift, err := read(ctx, s, func(ctx context.Context) (*domain.Shift, error) {
		return s.repo.GetActiveShift(ctx, actor.ID)
	})
	if err != nil {
		return domain.Shift{}, mapStoreErr(err, "active shift", actor.ID)
	}
	return *shift, nil
}

func (s *Service) GetShift(ctx context.Context, shiftID string) (domain.Shift, error) {
	actor, err := requireActor(ctx, domain.RoleCashier, domain.RoleAdmin, domain.RoleAccounting)
	if err != nil {
		return domain.Shift{}, err
	}
	shift, err := s.loadShift(ctx, shiftID)
	if err != nil {
		return domain.Shift{}, err
	}
	if actor.Role == domain.RoleCashier {
		if err := requireShiftOwner(actor, shift); err != nil {
			return domain.Shift{}, err
		}
	}
	return *shift, nil
}

// ExpectedCash is the opening float plus non-cancelled cash sales the
// cashier recorded between opening and until.
func (s *Service) ExpectedCash(ctx context.Context, shift domain.Shift, until time.Time) (domain.Money, error) {
	tally, err := s.salesTally(ctx, shift.CashierID, shift.OpenedAt, until)
	if err != nil {
		return 0, err
	}
	return shift.OpeningFloat + tally.byMethod[domain.PaymentCash], nil
}

// RequestClose records the closing count, computes variance and moves the
// shift to PendingApproval. Variance never blocks the request.
func (s *Service) RequestClose(ctx context.Context, shiftID string, req domain.ShiftCloseRequest) (domain.Shift, error) {
	actor, err := requireActor(ctx, domain.RoleCashier, domain.RoleAdmin)
	if err != nil {
		return domain.Shift{}, err
	}
	shift, err := s.loadShift(ctx, shiftID)
	if err != nil {
		return domain.Shift{}, err
	}
	if err := requireShiftOwner(actor, shift); err != nil {
		return domain.Shift{}, err
	}
	if shift.State != domain.ShiftStateOpen {
		return domain.Shift{}, apperror.NewInvalidState(fmt.Sprintf("shift is %s", shift.State)).
			WithDetail("shift_id", shift.ID)
	}

	count, closing, err := cashcount.Sum(req.Denominations)
	if err != nil {
		return domain.Shift{}, err
	}
	if closing <= 0 {
		return domain.Shift{}, apperror.NewEmptyClosingFloat()
	}

	requested := s.now()
	if requested.Before(shift.OpenedAt) {
		requested = shift.OpenedAt
	}
	pending := *shift
	pending.State = domain.ShiftStatePendingApproval
	pending.ClosingFloat = &closing
	pending.CloseRequestedAt = &requested
	rows := denominationRows(shift.ID, domain.CountPhaseClosing, count, requested)

	// The shift leaves Open before cash sales are summed. Sales check the
	// shift state when they are stored, so none can land after the sum.
	var (
		updated  *domain.Shift
		expected domain.Money
		variance domain.Money
		level    domain.VarianceLevel
	)
	err = s.runner.Run(ctx,
		uow.Step{
			Name: "mark shift pending approval",
			Apply: func(ctx context.Context) error {
				return s.write(ctx, func(ctx context.Context) error {
					_, err := s.repo.UpdateShift(ctx, pending, domain.ShiftStateOpen)
					return err
				})
			},
			Compensate: func(ctx context.Context) error {
				_, err := s.repo.UpdateShift(ctx, *shift, domain.ShiftStatePendingApproval)
				return err
			},
		},
		uow.Step{
			Name: "insert closing denominations",
			Apply: func(ctx context.Context) error {
				return s.write(ctx, func(ctx context.Context) error {
					return s.repo.InsertDenominations(ctx, rows)
				})
			},
			Compensate: func(ctx context.Context) error {
				return s.repo.DeleteDenominations(ctx, shift.ID, domain.CountPhaseClosing)
			},
		},
		uow.Step{
			Name: "record expected cash",
			Apply: func(ctx context.Context) error {
				until := s.now()
				if until.Before(requested) {
					until = requested
				}
				var err error
				expected, err = s.ExpectedCash(ctx, *shift, until)
				if err != nil {
					return err
				}
				variance = closing - expected
				level = classifyVariance(variance, expected, s.warnPct, s.criticalPct)

				final := pending
				final.ExpectedCash = &expected
				final.Variance = &variance
				final.VarianceLevel = level
				final.CloseRequestedAt = &until
				return s.write(ctx, func(ctx context.Context) error {
					updated, err = s.repo.UpdateShift(ctx, final, domain.ShiftStatePendingApproval)
					return err
				})
			},
		},
	)
	if err != nil {
		return domain.Shift{}, s.runFailure(ctx, err, "shift_close_compensation", "shift", shift.ID)
	}

	ctx = logger.WithFields(ctx, "shift_id", shift.ID, "cashier_id", shift.CashierID)
	if level != domain.VarianceNormal {
		logger.Warn(ctx, "shift closing variance",
			"expected_cash", expected, "closing_float", closing, "variance", variance, "level", level)
	}
	metrics.IncShiftTransition("request_close")
	s.logAudit(ctx, "shift_close_requested", "shift", shift.ID,
		fmt.Sprintf("closing_float=%d expected_cash=%d variance=%d level=%s", closing, expected, variance, level))

	return *updated, nil
}

// ApproveClose redeems a one-time approval token and closes the shift. A
// rejected token sends the shift back to Open with its closing count removed.
func (s *Service) ApproveClose(ctx context.Context, shiftID string, req domain.ShiftApproveRequest) (domain.Shift, error) {
	actor, err := requireActor(ctx, domain.RoleCashier, domain.RoleAdmin)
	if err != nil {
		return domain.Shift{}, err
	}
	shift, err := s.loadShift(ctx, shiftID)
	if err != nil {
		return domain.Shift{}, err
	}
	if err := requireShiftOwner(actor, shift); err != nil {
		return domain.Shift{}, err
	}
	if shift.State != domain.ShiftStatePendingApproval {
		return domain.Shift{}, apperror.NewInvalidState(fmt.Sprintf("shift is %s", shift.State)).
			WithDetail("shift_id", shift.ID)
	}

	ctx = logger.WithFields(ctx, "shift_id", shift.ID, "cashier_id", shift.CashierID)
	approver, err := s.approver.Redeem(ctx, req.ApprovalToken, shift.ID, shift.CashierID)
	if err != nil {
		return domain.Shift{}, s.rejectClose(ctx, *shift, err)
	}

	now := s.now()
	if now.Before(shift.OpenedAt) {
		now = shift.OpenedAt
	}
	closed := *shift
	closed.State = domain.ShiftStateClosed
	closed.ClosedAt = &now
	closed.ApprovedBy = approver.ID

	var updated *domain.Shift
	err = s.write(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.repo.UpdateShift(ctx, closed, domain.ShiftStatePendingApproval)
		return err
	})
	if err != nil {
		return domain.Shift{}, mapStoreErr(err, "shift", shift.ID)
	}

	var variance domain.Money
	if updated.Variance != nil {
		variance = *updated.Variance
	}
	if variance < 0 {
		metrics.ObserveVariance(int64(-variance))
	} else {
		metrics.ObserveVariance(int64(variance))
	}
	metrics.IncShiftTransition("close")
	logger.Info(ctx, "shift closed", "approved_by", approver.ID, "variance", variance)
	s.logAudit(ctx, "shift_close_approved", "shift", shift.ID,
		fmt.Sprintf("approved_by=%s variance=%d", approver.ID, variance))

	return *updated, nil
}

// rejectClose sends a pending shift back to Open when its approver was
// refused. Any other failure, such as grant store trouble, leaves the shift
// pending so the approval can be retried.
func (s *Service) rejectClose(ctx context.Context, shift domain.Shift, err error) error {
	if !errors.Is(err, apperror.ErrAuthorizationFailed) && !errors.Is(err, apperror.ErrInsufficientPrivilege) {
		return err
	}
	if rerr := s.revertClose(ctx, shift); rerr != nil {
		return rerr
	}
	if appErr, ok := apperror.AsAppError(err); ok {
		appErr.WithDetail("shift_state", domain.ShiftStateOpen)
	}
	return err
}

// revertClose undoes RequestClose: the closing count is deleted and the shift
// returns to exactly its Open state.
func (s *Service) revertClose(ctx context.Context, shift domain.Shift) error {
	closingRows, err := read(ctx, s, func(ctx context.Context) ([]domain.ShiftDenomination, error) {
		return s.repo.ListDenominations(ctx, shift.ID, domain.CountPhaseClosing)
	})
	if err != nil {
		return mapStoreErr(err, "shift", shift.ID)
	}

	reopened := shift
	reopened.State = domain.ShiftStateOpen
	reopened.ClosingFloat = nil
	reopened.ExpectedCash = nil
	reopened.Variance = nil
	reopened.VarianceLevel = ""
	reopened.CloseRequestedAt = nil

	err = s.runner.Run(ctx,
		uow.Step{
			Name: "delete closing denominations",
			Apply: func(ctx context.Context) error {
				return s.write(ctx, func(ctx context.Context) error {
					return s.repo.DeleteDenominations(ctx, shift.ID, domain.CountPhaseClosing)
				})
			},
			Compensate: func(ctx context.Context) error {
				if len(closingRows) == 0 {
					return nil
				}
				return s.repo.InsertDenominations(ctx, closingRows)
			},
		},
		uow.Step{
			Name: "reopen shift",
			Apply: func(ctx context.Context) error {
				return s.write(ctx, func(ctx context.Context) error {
					_, err := s.repo.UpdateShift(ctx, reopened, domain.ShiftStatePendingApproval)
					return err
				})
			},
		},
	)
	if err != nil {
		return s.runFailure(ctx, err, "shift_revert_compensation", "shift", shift.ID)
	}

	metrics.IncShiftTransition(string(domain.ShiftStateReverted))
	logger.Warn(ctx, "shift close reverted to open")
	s.logAudit(ctx, "shift_close_reverted", "shift", shift.ID, "approval rejected")
	return nil
}

// ShiftSummary reports a shift with both counts and its sales broken down by
// payment method.
func (s *Service) ShiftSummary(ctx context.Context, shiftID string) (domain.ShiftSummary, error) {
	shift, err := s.GetShift(ctx, shiftID)
	if err != nil {
		return domain.ShiftSummary{}, err
	}

	listRows := func(phase domain.CountPhase) ([]domain.ShiftDenomination, error) {
		rows, err := read(ctx, s, func(ctx context.Context) ([]domain.ShiftDenomination, error) {
			return s.repo.ListDenominations(ctx, shift.ID, phase)
		})
		if err != nil {
			return nil, mapStoreErr(err, "shift", shift.ID)
		}
		return rows, nil
	}
	opening, err := listRows(domain.CountPhaseOpening)
	if err != nil {
		return domain.ShiftSummary{}, err
	}
	closing, err := listRows(domain.CountPhaseClosing)
	if err != nil {
		return domain.ShiftSummary{}, err
	}

	until := s.now()
	switch {
	case shift.ClosedAt != nil:
		until = *shift.ClosedAt
	case shift.CloseRequestedAt != nil:
		until = *shift.CloseRequestedAt
	}
	tally, err := s.salesTally(ctx, shift.CashierID, shift.OpenedAt, until)
	if err != nil {
		return domain.ShiftSummary{}, err
	}

	expected := shift.OpeningFloat + tally.byMethod[domain.PaymentCash]
	if shift.ExpectedCash != nil {
		expected = *shift.ExpectedCash
	}
	byMethod := make(map[string]domain.Money, len(tally.byMethod))
	for method, total := range tally.byMethod {
		byMethod[string(method)] = total
	}

	return domain.ShiftSummary{
		Shift:                shift,
		OpeningDenominations: opening,
		ClosingDenominations: closing,
		ExpectedCash:         expected,
		SalesByMethod:        byMethod,
		SaleCount:            tally.count,
	}, nil
}
