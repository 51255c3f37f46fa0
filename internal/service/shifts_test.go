package service

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferrepos/backend/internal/apperror"
	"ferrepos/backend/internal/domain"
	"ferrepos/backend/internal/store"
	"ferrepos/backend/internal/store/memory"
)

func closingCount23570() []domain.DenominationCount {
	return []domain.DenominationCount{
		{Kind: domain.DenominationBill, FaceValue: 10000, Count: 2},
		{Kind: domain.DenominationBill, FaceValue: 2000, Count: 1},
		{Kind: domain.DenominationBill, FaceValue: 1000, Count: 1},
		{Kind: domain.DenominationCoin, FaceValue: 500, Count: 1},
		{Kind: domain.DenominationCoin, FaceValue: 50, Count: 1},
		{Kind: domain.DenominationCoin, FaceValue: 20, Count: 1},
	}
}

func verifyAsAdmin(t *testing.T, svc *Service, ctx context.Context, shiftID string) string {
	t.Helper()
	resp, err := svc.VerifyApproval(ctx, domain.ApprovalVerifyRequest{
		ShiftID: shiftID, Email: "admin@ferrepos.local", Password: adminPassword,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.ApprovalToken)
	assert.Equal(t, "usr_admin", resp.ApprovedBy)
	return resp.ApprovalToken
}

func TestShiftReconcilesToZeroVariance(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := cashierCtx()

	shift := openShift(t, svc, ctx)
	assert.Equal(t, domain.Money(20000), shift.OpeningFloat)
	assert.Equal(t, domain.ShiftStateOpen, shift.State)

	_, err := svc.RecordSale(ctx, cashSale(domain.CartLine{ProductID: "prd_hammer", Quantity: 3}))
	require.NoError(t, err)
	_, err = svc.RecordSale(ctx, domain.RecordSaleRequest{
		Items:         []domain.CartLine{{ProductID: "prd_tape", Quantity: 1}},
		PaymentMethod: domain.PaymentCard,
	})
	require.NoError(t, err)

	pending, err := svc.RequestClose(ctx, shift.ID, domain.ShiftCloseRequest{Denominations: closingCount23570()})
	require.NoError(t, err)
	assert.Equal(t, domain.ShiftStatePendingApproval, pending.State)
	require.NotNil(t, pending.ExpectedCash)
	require.NotNil(t, pending.Variance)
	assert.Equal(t, domain.Money(23570), *pending.ClosingFloat)
	assert.Equal(t, domain.Money(23570), *pending.ExpectedCash)
	assert.Equal(t, domain.Money(0), *pending.Variance)
	assert.Equal(t, domain.VarianceNormal, pending.VarianceLevel)

	rows, err := repo.ListDenominations(context.Background(), shift.ID, domain.CountPhaseClosing)
	require.NoError(t, err)
	assert.Len(t, rows, 6)

	_, err = svc.RecordSale(ctx, cashSale(domain.CartLine{ProductID: "prd_hammer", Quantity: 1}))
	requireCode(t, err, apperror.ErrInvalidState)

	token := verifyAsAdmin(t, svc, ctx, shift.ID)
	closed, err := svc.ApproveClose(ctx, shift.ID, domain.ShiftApproveRequest{ApprovalToken: token})
	require.NoError(t, err)
	assert.Equal(t, domain.ShiftStateClosed, closed.State)
	assert.Equal(t, "usr_admin", closed.ApprovedBy)
	require.NotNil(t, closed.ClosedAt)
	assert.False(t, closed.ClosedAt.Before(closed.OpenedAt))

	summary, err := svc.ShiftSummary(as("usr_accounting", domain.RoleAccounting), shift.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Money(23570), summary.ExpectedCash)
	assert.Equal(t, domain.Money(3570), summary.SalesByMethod["cash"])
	assert.Equal(t, domain.Money(2975), summary.SalesByMethod["card"])
	assert.Equal(t, 2, summary.SaleCount)
	assert.Len(t, summary.OpeningDenominations, 1)
	assert.Len(t, summary.ClosingDenominations, 6)

	_, err = svc.GetActiveShift(ctx)
	requireCode(t, err, apperror.ErrNotFound)
	reopened := openShift(t, svc, ctx)
	assert.NotEqual(t, shift.ID, reopened.ID)
}

func TestShortfallIsRecordedNotBlocking(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := cashierCtx()
	shift := openShift(t, svc, ctx)

	_, err := svc.RecordSale(ctx, cashSale(domain.CartLine{ProductID: "prd_hammer", Quantity: 3}))
	require.NoError(t, err)

	pending, err := svc.RequestClose(ctx, shift.ID, domain.ShiftCloseRequest{Denominations: []domain.DenominationCount{
		{Kind: domain.DenominationBill, FaceValue: 10000, Count: 2},
		{Kind: domain.DenominationBill, FaceValue: 2000, Count: 1},
		{Kind: domain.DenominationBill, FaceValue: 1000, Count: 1},
	}})
	require.NoError(t, err)
	assert.Equal(t, domain.Money(-570), *pending.Variance)
	assert.Equal(t, domain.VarianceWarning, pending.VarianceLevel)

	issued, err := svc.IssueApproval(as("usr_admin2", domain.RoleAdmin), domain.ApprovalIssueRequest{ShiftID: shift.ID})
	require.NoError(t, err)
	assert.Equal(t, "usr_admin2", issued.ApprovedBy)

	closed, err := svc.ApproveClose(ctx, shift.ID, domain.ShiftApproveRequest{ApprovalToken: issued.ApprovalToken})
	require.NoError(t, err)
	assert.Equal(t, domain.ShiftStateClosed, closed.State)
	assert.Equal(t, domain.Money(-570), *closed.Variance)
	assert.Equal(t, "usr_admin2", closed.ApprovedBy)
}

func TestOpenShiftGuards(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := cashierCtx()

	_, err := svc.OpenShift(ctx, domain.ShiftOpenRequest{})
	requireCode(t, err, apperror.ErrEmptyFloat)
	_, err = svc.OpenShift(ctx, domain.ShiftOpenRequest{Denominations: []domain.DenominationCount{
		{Kind: domain.DenominationBill, FaceValue: 10000, Count: 0},
	}})
	requireCode(t, err, apperror.ErrEmptyFloat)
	_, err = svc.OpenShift(ctx, domain.ShiftOpenRequest{Denominations: []domain.DenominationCount{
		{Kind: "cheque", FaceValue: 10000, Count: 1},
	}})
	requireCode(t, err, apperror.ErrInvalidInput)

	shift := openShift(t, svc, ctx)
	_, err = svc.OpenShift(ctx, domain.ShiftOpenRequest{Denominations: openFloat()})
	requireCode(t, err, apperror.ErrAlreadyOpen)

	_, err = svc.RequestClose(ctx, shift.ID, domain.ShiftCloseRequest{Denominations: openFloat()})
	require.NoError(t, err)
	_, err = svc.OpenShift(ctx, domain.ShiftOpenRequest{Denominations: openFloat()})
	requireCode(t, err, apperror.ErrAlreadyOpen)

	other := openShift(t, svc, as("usr_cashier2", domain.RoleCashier))
	assert.Equal(t, "usr_cashier2", other.CashierID)
}

func TestRequestCloseGuards(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := cashierCtx()
	shift := openShift(t, svc, ctx)

	_, err := svc.RequestClose(ctx, shift.ID, domain.ShiftCloseRequest{})
	requireCode(t, err, apperror.ErrEmptyClosingFloat)

	_, err = svc.RequestClose(as("usr_cashier2", domain.RoleCashier), shift.ID, domain.ShiftCloseRequest{Denominations: openFloat()})
	requireCode(t, err, apperror.ErrInsufficientPrivilege)

	_, err = svc.RequestClose(ctx, "shift_missing", domain.ShiftCloseRequest{Denominations: openFloat()})
	requireCode(t, err, apperror.ErrNotFound)

	_, err = svc.RequestClose(ctx, shift.ID, domain.ShiftCloseRequest{Denominations: openFloat()})
	require.NoError(t, err)
	_, err = svc.RequestClose(ctx, shift.ID, domain.ShiftCloseRequest{Denominations: openFloat()})
	requireCode(t, err, apperror.ErrInvalidState)

	_, err = svc.ApproveClose(ctx, shift.ID, domain.ShiftApproveRequest{})
	requireCode(t, err, apperror.ErrAuthorizationFailed)
	_, err = svc.ApproveClose(ctx, shift.ID, domain.ShiftApproveRequest{ApprovalToken: "x"})
	requireCode(t, err, apperror.ErrInvalidState)
}

func TestMalformedShiftIDIsNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := cashierCtx()
	shift := openShift(t, svc, ctx)

	for _, id := range []string{"shift_missing", "sale_" + strings.TrimPrefix(shift.ID, "shift_")} {
		_, err := svc.GetShift(ctx, id)
		requireCode(t, err, apperror.ErrNotFound)
	}
	_, err := svc.GetShift(ctx, "  ")
	requireCode(t, err, apperror.ErrInvalidInput)

	found, err := svc.GetShift(ctx, "  "+shift.ID+" ")
	require.NoError(t, err)
	assert.Equal(t, shift.ID, found.ID)
}

func TestRejectedApprovalRevertsToOpen(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := cashierCtx()
	opened := openShift(t, svc, ctx)

	_, err := svc.RequestClose(ctx, opened.ID, domain.ShiftCloseRequest{Denominations: closingCount23570()})
	require.NoError(t, err)

	_, err = svc.ApproveClose(ctx, opened.ID, domain.ShiftApproveRequest{ApprovalToken: "not-a-token"})
	requireCode(t, err, apperror.ErrAuthorizationFailed)
	appErr, _ := apperror.AsAppError(err)
	assert.Equal(t, domain.ShiftStateOpen, appErr.Details["shift_state"])

	reverted, err := repo.GetShift(context.Background(), opened.ID)
	require.NoError(t, err)
	assert.Equal(t, opened, *reverted)

	rows, err := repo.ListDenominations(context.Background(), opened.ID, domain.CountPhaseClosing)
	require.NoError(t, err)
	assert.Empty(t, rows)

	logs, err := repo.ListAuditLogs(context.Background(), "shift", opened.ID, 10)
	require.NoError(t, err)
	assert.True(t, hasAction(logs, "shift_close_reverted"))

	_, err = svc.RecordSale(ctx, cashSale(domain.CartLine{ProductID: "prd_hammer", Quantity: 1}))
	require.NoError(t, err)
}

func TestApprovalTokenIsSingleUseAndBound(t *testing.T) {
	svc, _ := newTestService(t)
	first := cashierCtx()
	second := as("usr_cashier2", domain.RoleCashier)

	shiftA := openShift(t, svc, first)
	shiftB := openShift(t, svc, second)
	_, err := svc.RequestClose(first, shiftA.ID, domain.ShiftCloseRequest{Denominations: openFloat()})
	require.NoError(t, err)
	_, err = svc.RequestClose(second, shiftB.ID, domain.ShiftCloseRequest{Denominations: openFloat()})
	require.NoError(t, err)

	tokenA := verifyAsAdmin(t, svc, first, shiftA.ID)

	_, err = svc.ApproveClose(second, shiftB.ID, domain.ShiftApproveRequest{ApprovalToken: tokenA})
	requireCode(t, err, apperror.ErrAuthorizationFailed)
	b, err := svc.GetShift(second, shiftB.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ShiftStateOpen, b.State)

	_, err = svc.ApproveClose(first, shiftA.ID, domain.ShiftApproveRequest{ApprovalToken: tokenA})
	require.NoError(t, err)
}

func TestApproverMustBeAnotherActiveAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	requestClose := func(ctx context.Context, shiftID string) {
		t.Helper()
		_, err := svc.RequestClose(ctx, shiftID, domain.ShiftCloseRequest{Denominations: openFloat()})
		require.NoError(t, err)
	}

	cashierShift := openShift(t, svc, cashierCtx())
	refused := []struct {
		email    string
		password string
		want     *apperror.AppError
	}{
		{"caja2@ferrepos.local", staffPassword, apperror.ErrInsufficientPrivilege},
		{"exadmin@ferrepos.local", adminPassword, apperror.ErrAuthorizationFailed},
		{"admin@ferrepos.local", "wrong", apperror.ErrAuthorizationFailed},
	}
	for _, tc := range refused {
		requestClose(cashierCtx(), cashierShift.ID)
		_, err := svc.VerifyApproval(cashierCtx(), domain.ApprovalVerifyRequest{
			ShiftID: cashierShift.ID, Email: tc.email, Password: tc.password,
		})
		requireCode(t, err, tc.want)
		shift, err := svc.GetShift(cashierCtx(), cashierShift.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ShiftStateOpen, shift.State, tc.email)
	}

	requestClose(cashierCtx(), cashierShift.ID)
	_, err := svc.IssueApproval(cashierCtx(), domain.ApprovalIssueRequest{ShiftID: cashierShift.ID})
	requireCode(t, err, apperror.ErrInsufficientPrivilege)

	admin := adminCtx()
	adminShift := openShift(t, svc, admin)
	requestClose(admin, adminShift.ID)
	_, err = svc.VerifyApproval(admin, domain.ApprovalVerifyRequest{
		ShiftID: adminShift.ID, Email: "admin@ferrepos.local", Password: adminPassword,
	})
	requireCode(t, err, apperror.ErrInsufficientPrivilege)

	requestClose(admin, adminShift.ID)
	_, err = svc.IssueApproval(admin, domain.ApprovalIssueRequest{ShiftID: adminShift.ID})
	requireCode(t, err, apperror.ErrInsufficientPrivilege)

	_, err = svc.IssueApproval(admin, domain.ApprovalIssueRequest{ShiftID: cashierShift.ID})
	require.NoError(t, err)
}

func TestRefusedApproverCredentialRevertsToOpen(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := cashierCtx()
	opened := openShift(t, svc, ctx)

	_, err := svc.RequestClose(ctx, opened.ID, domain.ShiftCloseRequest{Denominations: closingCount23570()})
	require.NoError(t, err)

	_, err = svc.VerifyApproval(ctx, domain.ApprovalVerifyRequest{
		ShiftID: opened.ID, Email: "admin@ferrepos.local", Password: "wrong",
	})
	requireCode(t, err, apperror.ErrAuthorizationFailed)
	appErr, _ := apperror.AsAppError(err)
	assert.Equal(t, domain.ShiftStateOpen, appErr.Details["shift_state"])

	reverted, err := repo.GetShift(context.Background(), opened.ID)
	require.NoError(t, err)
	assert.Equal(t, opened, *reverted)

	rows, err := repo.ListDenominations(context.Background(), opened.ID, domain.CountPhaseClosing)
	require.NoError(t, err)
	assert.Empty(t, rows)

	logs, err := repo.ListAuditLogs(context.Background(), "shift", opened.ID, 10)
	require.NoError(t, err)
	assert.True(t, hasAction(logs, "approval_rejected"))
	assert.True(t, hasAction(logs, "shift_close_reverted"))

	_, err = svc.RecordSale(ctx, cashSale(domain.CartLine{ProductID: "prd_hammer", Quantity: 1}))
	require.NoError(t, err)
}

// racingCloseStore runs a close request next to the first sale insert, on
// whichever side of it closeFirst selects.
type racingCloseStore struct {
	*memory.Store
	closeFirst bool
	onSale     func()
}

func (r *racingCloseStore) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	hook := r.onSale
	r.onSale = nil
	if hook == nil {
		return r.Store.CreateSale(ctx, sale)
	}
	if r.closeFirst {
		hook()
		return r.Store.CreateSale(ctx, sale)
	}
	saved, err := r.Store.CreateSale(ctx, sale)
	hook()
	return saved, err
}

func TestSaleRacingCloseRequest(t *testing.T) {
	cases := []struct {
		name         string
		closeFirst   bool
		saleErr      *apperror.AppError
		wantExpected domain.Money
		wantVariance domain.Money
		wantStock    int
	}{
		{name: "close wins", closeFirst: true, saleErr: apperror.ErrInvalidState,
			wantExpected: 20000, wantVariance: 3570, wantStock: 40},
		{name: "sale wins", closeFirst: false,
			wantExpected: 23570, wantVariance: 0, wantStock: 37},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &racingCloseStore{Store: memory.NewSeeded(), closeFirst: tc.closeFirst}
			svc := newTestServiceWith(t, repo, Options{})
			ctx := cashierCtx()
			shift := openShift(t, svc, ctx)

			var (
				pending  domain.Shift
				closeErr error
			)
			repo.onSale = func() {
				pending, closeErr = svc.RequestClose(ctx, shift.ID, domain.ShiftCloseRequest{Denominations: closingCount23570()})
			}

			_, err := svc.RecordSale(ctx, cashSale(domain.CartLine{ProductID: "prd_hammer", Quantity: 3}))
			if tc.saleErr != nil {
				requireCode(t, err, tc.saleErr)
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, closeErr)

			assert.Equal(t, domain.ShiftStatePendingApproval, pending.State)
			require.NotNil(t, pending.ExpectedCash)
			require.NotNil(t, pending.Variance)
			assert.Equal(t, tc.wantExpected, *pending.ExpectedCash)
			assert.Equal(t, tc.wantVariance, *pending.Variance)
			assert.Equal(t, *pending.ClosingFloat-*pending.ExpectedCash, *pending.Variance)
			assert.Equal(t, tc.wantStock, stockOf(t, repo.Store, "prd_hammer"))

			stored, err := repo.GetShift(context.Background(), shift.ID)
			require.NoError(t, err)
			assert.Equal(t, pending.ExpectedCash, stored.ExpectedCash)
		})
	}
}

func TestSaleOnClosingShiftIsInvalidState(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := cashierCtx()
	shift := openShift(t, svc, ctx)
	_, err := svc.RequestClose(ctx, shift.ID, domain.ShiftCloseRequest{Denominations: openFloat()})
	require.NoError(t, err)

	_, err = repo.CreateSale(context.Background(), domain.Sale{
		InvoiceNumber: "INV-20260101-AAAAAA",
		SellerID:      "usr_cashier",
		ShiftID:       shift.ID,
		PaymentMethod: domain.PaymentCash,
		Total:         100,
		Status:        domain.SaleCompleted,
	})
	assert.ErrorIs(t, err, store.ErrShiftNotOpen)
	requireCode(t, mapStoreErr(err, "sale", ""), apperror.ErrInvalidState)
}

func TestClassifyVariance(t *testing.T) {
	warn := decimal.NewFromInt(1)
	critical := decimal.NewFromInt(5)

	cases := []struct {
		variance domain.Money
		expected domain.Money
		want     domain.VarianceLevel
	}{
		{0, 0, domain.VarianceNormal},
		{0, 23570, domain.VarianceNormal},
		{100, 10000, domain.VarianceNormal},
		{-101, 10000, domain.VarianceWarning},
		{500, 10000, domain.VarianceWarning},
		{-501, 10000, domain.VarianceCritical},
		{10, 0, domain.VarianceCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyVariance(tc.variance, tc.expected, warn, critical),
			"variance=%d expected=%d", tc.variance, tc.expected)
	}
}
