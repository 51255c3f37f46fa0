package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferrepos/backend/internal/domain"
	"ferrepos/backend/internal/store"
)

var _ store.Repository = (*Store)(nil)

func TestApplyStockDeltaNeverGoesNegativeUnderContention(t *testing.T) {
	s := New()
	s.PutProduct(domain.Product{ID: "p1", UnitPrice: 100, Stock: 10, Active: true})

	var wg sync.WaitGroup
	var succeeded atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ApplyStockDelta(context.Background(), "p1", -3); err == nil {
				succeeded.Add(1)
			} else if !errors.Is(err, store.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), succeeded.Load())
	p, err := s.GetProduct(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stock)
}

func TestCreateShiftOnePerCashier(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.CreateShift(ctx, domain.Shift{CashierID: "u1", OpeningFloat: 100})
	require.NoError(t, err)

	_, err = s.CreateShift(ctx, domain.Shift{CashierID: "u1", OpeningFloat: 100})
	assert.ErrorIs(t, err, store.ErrAlreadyOpen)

	pending := *first
	pending.State = domain.ShiftStatePendingApproval
	_, err = s.UpdateShift(ctx, pending, domain.ShiftStateOpen)
	require.NoError(t, err)

	_, err = s.CreateShift(ctx, domain.Shift{CashierID: "u1", OpeningFloat: 100})
	assert.ErrorIs(t, err, store.ErrAlreadyOpen, "pending shift still blocks a new one")

	closed := pending
	closed.State = domain.ShiftStateClosed
	_, err = s.UpdateShift(ctx, closed, domain.ShiftStatePendingApproval)
	require.NoError(t, err)

	_, err = s.CreateShift(ctx, domain.Shift{CashierID: "u1", OpeningFloat: 100})
	assert.NoError(t, err)
}

func TestUpdateShiftChecksExpectedState(t *testing.T) {
	s := New()
	ctx := context.Background()
	shift, err := s.CreateShift(ctx, domain.Shift{CashierID: "u1", OpeningFloat: 100})
	require.NoError(t, err)

	next := *shift
	next.State = domain.ShiftStateClosed
	_, err = s.UpdateShift(ctx, next, domain.ShiftStatePendingApproval)
	assert.ErrorIs(t, err, store.ErrStateConflict)

	_, err = s.UpdateShift(ctx, domain.Shift{ID: "missing"}, domain.ShiftStateOpen)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteDenominationsOnlyTouchesPhase(t *testing.T) {
	s := New()
	ctx := context.Background()
	shift, err := s.CreateShift(ctx, domain.Shift{CashierID: "u1", OpeningFloat: 100})
	require.NoError(t, err)

	require.NoError(t, s.InsertDenominations(ctx, []domain.ShiftDenomination{
		{ShiftID: shift.ID, Phase: domain.CountPhaseOpening, Kind: domain.DenominationBill, FaceValue: 100, Count: 1, Subtotal: 100},
		{ShiftID: shift.ID, Phase: domain.CountPhaseClosing, Kind: domain.DenominationBill, FaceValue: 100, Count: 2, Subtotal: 200},
	}))
	require.NoError(t, s.DeleteDenominations(ctx, shift.ID, domain.CountPhaseClosing))

	opening, err := s.ListDenominations(ctx, shift.ID, domain.CountPhaseOpening)
	require.NoError(t, err)
	closing, err := s.ListDenominations(ctx, shift.ID, domain.CountPhaseClosing)
	require.NoError(t, err)
	assert.Len(t, opening, 1)
	assert.Empty(t, closing)
}

func TestCreateSaleRejectsDuplicateInvoice(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.CreateSale(ctx, domain.Sale{InvoiceNumber: "FV-1", SellerID: "u1"})
	require.NoError(t, err)
	_, err = s.CreateSale(ctx, domain.Sale{InvoiceNumber: "FV-1", SellerID: "u1"})
	assert.ErrorIs(t, err, store.ErrDuplicateInvoice)
}

func TestCreateSaleRequiresOpenShift(t *testing.T) {
	s := New()
	ctx := context.Background()
	shift, err := s.CreateShift(ctx, domain.Shift{CashierID: "u1", OpeningFloat: 100})
	require.NoError(t, err)

	_, err = s.CreateSale(ctx, domain.Sale{InvoiceNumber: "FV-1", SellerID: "u1", ShiftID: shift.ID})
	require.NoError(t, err)
	_, err = s.CreateSale(ctx, domain.Sale{InvoiceNumber: "FV-2", SellerID: "u1", ShiftID: "shift_missing"})
	assert.ErrorIs(t, err, store.ErrShiftNotOpen)

	pending := *shift
	pending.State = domain.ShiftStatePendingApproval
	_, err = s.UpdateShift(ctx, pending, domain.ShiftStateOpen)
	require.NoError(t, err)

	_, err = s.CreateSale(ctx, domain.Sale{InvoiceNumber: "FV-3", SellerID: "u1", ShiftID: shift.ID})
	assert.ErrorIs(t, err, store.ErrShiftNotOpen)
	_, err = s.FindSaleByInvoice(ctx, "FV-3")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSumSalesByMethodSkipsCancelled(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	cash, err := s.CreateSale(ctx, domain.Sale{InvoiceNumber: "FV-1", SellerID: "u1", PaymentMethod: domain.PaymentCash, Total: 1000, Status: domain.SaleCompleted, CreatedAt: now})
	require.NoError(t, err)
	_, err = s.CreateSale(ctx, domain.Sale{InvoiceNumber: "FV-2", SellerID: "u1", PaymentMethod: domain.PaymentCash, Total: 500, Status: domain.SaleCompleted, CreatedAt: now})
	require.NoError(t, err)
	_, err = s.CreateSale(ctx, domain.Sale{InvoiceNumber: "FV-3", SellerID: "u1", PaymentMethod: domain.PaymentCard, Total: 700, Status: domain.SaleCompleted, CreatedAt: now})
	require.NoError(t, err)
	_, err = s.CreateSale(ctx, domain.Sale{InvoiceNumber: "FV-4", SellerID: "u2", PaymentMethod: domain.PaymentCash, Total: 900, Status: domain.SaleCompleted, CreatedAt: now})
	require.NoError(t, err)
	_, err = s.CancelSale(ctx, cash.ID, now)
	require.NoError(t, err)

	totals, count, err := s.SumSalesByMethod(ctx, "u1", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, domain.Money(500), totals[domain.PaymentCash])
	assert.Equal(t, domain.Money(700), totals[domain.PaymentCard])
}

func TestSeededUsersAreHashed(t *testing.T) {
	s := NewSeeded()
	user, err := s.GetUserByEmail(context.Background(), "ADMIN@ferrepos.local")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, user.Role)
	assert.NotEqual(t, "admin123", user.PasswordHash)
}
