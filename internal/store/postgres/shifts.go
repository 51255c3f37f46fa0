package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"

	"ferrepos/backend/internal/domain"
	"ferrepos/backend/internal/store"
	"ferrepos/backend/internal/xid"
)

const activeShiftIndex = "shifts_one_active_per_cashier"

var shiftColumns = []string{
	"id", "cashier_id", "state", "opening_float", "closing_float", "expected_cash", "variance",
	"COALESCE(variance_level, '') AS variance_level", "COALESCE(approved_by, '') AS approved_by",
	"opened_at", "close_requested_at", "closed_at",
}

// CreateShift relies on the partial unique index over open and pending
// shifts to keep one active shift per cashier.
func (s *Store) CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	if shift.CashierID == "" {
		return nil, store.ErrInvalidRecord
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	shift.State = domain.ShiftStateOpen

	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO shifts (id, cashier_id, state, opening_float, opened_at)
		VALUES ($1, $2, $3, $4, $5)
	`, shift.ID, shift.CashierID, shift.State, shift.OpeningFloat, shift.OpenedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) && constraintName(err) == activeShiftIndex {
			return nil, store.ErrAlreadyOpen
		}
		if isUniqueViolation(err) || isCheckViolation(err) {
			return nil, store.ErrInvalidRecord
		}
		return nil, fmt.Errorf("create shift: %w", err)
	}

	saved := shift
	return &saved, nil
}

func (s *Store) DeleteShift(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM shifts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete shift: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) getShift(ctx context.Context, where squirrel.Sqlizer) (*domain.Shift, error) {
	query, args, err := builder().Select(shiftColumns...).From("shifts").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get shift: %w", err)
	}

	var shift domain.Shift
	if err := sqlscan.Get(ctx, s.q(ctx), &shift, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get shift: %w", err)
	}
	return &shift, nil
}

func (s *Store) GetShift(ctx context.Context, id string) (*domain.Shift, error) {
	return s.getShift(ctx, squirrel.Eq{"id": id})
}

func (s *Store) GetActiveShift(ctx context.Context, cashierID string) (*domain.Shift, error) {
	return s.getShift(ctx, squirrel.And{
		squirrel.Eq{"cashier_id": cashierID},
		squirrel.Eq{"state": []string{string(domain.ShiftStateOpen), string(domain.ShiftStatePendingApproval)}},
	})
}

// UpdateShift writes the mutable close fields only if the row is still in
// expected, which makes every lifecycle transition a compare-and-set.
func (s *Store) UpdateShift(ctx context.Context, shift domain.Shift, expected domain.ShiftState) (*domain.Shift, error) {
	query, args, err := builder().
		Update("shifts").
		Set("state", shift.State).
		Set("closing_float", nullMoney(shift.ClosingFloat)).
		Set("expected_cash", nullMoney(shift.ExpectedCash)).
		Set("variance", nullMoney(shift.Variance)).
		Set("variance_level", nullIfEmpty(string(shift.VarianceLevel))).
		Set("approved_by", nullIfEmpty(shift.ApprovedBy)).
		Set("close_requested_at", nullTime(shift.CloseRequestedAt)).
		Set("closed_at", nullTime(shift.ClosedAt)).
		Where(squirrel.Eq{"id": shift.ID, "state": expected}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build update shift: %w", err)
	}

	res, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		if isCheckViolation(err) {
			return nil, store.ErrInvalidRecord
		}
		return nil, fmt.Errorf("update shift: %w", err)
	}
	if err := requireAffected(res); err != nil {
		if _, getErr := s.GetShift(ctx, shift.ID); getErr != nil {
			return nil, getErr
		}
		return nil, store.ErrStateConflict
	}
	return s.GetShift(ctx, shift.ID)
}

func (s *Store) InsertDenominations(ctx context.Context, rows []domain.ShiftDenomination) error {
	if len(rows) == 0 {
		return nil
	}
	q := builder().
		Insert("shift_denominations").
		Columns("id", "shift_id", "phase", "kind", "face_value", "count", "subtotal", "created_at")
	for _, row := range rows {
		if row.ID == "" {
			row.ID = xid.New("den")
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = time.Now().UTC()
		}
		q = q.Values(row.ID, row.ShiftID, row.Phase, row.Kind, row.FaceValue, row.Count, row.Subtotal, row.CreatedAt.UTC())
	}
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert denominations: %w", err)
	}
	if _, err := s.q(ctx).ExecContext(ctx, query, args...); err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		if isCheckViolation(err) {
			return store.ErrInvalidRecord
		}
		return fmt.Errorf("insert denominations: %w", err)
	}
	return nil
}

func (s *Store) DeleteDenominations(ctx context.Context, shiftID string, phase domain.CountPhase) error {
	if _, err := s.q(ctx).ExecContext(ctx,
		`DELETE FROM shift_denominations WHERE shift_id = $1 AND phase = $2`, shiftID, phase); err != nil {
		return fmt.Errorf("delete denominations: %w", err)
	}
	return nil
}

func (s *Store) ListDenominations(ctx context.Context, shiftID string, phase domain.CountPhase) ([]domain.ShiftDenomination, error) {
	rows := make([]domain.ShiftDenomination, 0, 12)
	err := sqlscan.Select(ctx, s.q(ctx), &rows, `
		SELECT id, shift_id, phase, kind, face_value, count, subtotal, created_at
		FROM shift_denominations
		WHERE shift_id = $1 AND phase = $2
		ORDER BY kind, face_value DESC
	`, shiftID, phase)
	if err != nil {
		return nil, fmt.Errorf("list denominations: %w", err)
	}
	return rows, nil
}
