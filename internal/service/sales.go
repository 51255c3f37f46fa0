package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ferrepos/backend/internal/apperror"
	"ferrepos/backend/internal/domain"
	"ferrepos/backend/internal/logger"
	"ferrepos/backend/internal/metrics"
	"ferrepos/backend/internal/pricing"
	"ferrepos/backend/internal/store"
	"ferrepos/backend/internal/uow"
	"ferrepos/backend/internal/xid"
)

var errInvoiceNumbersExhausted = errors.New("invoice number collisions exhausted retries")

// buildCart loads the requested products and adds each line to a fresh cart.
// A line that would exceed stock fails with the error built by stockErr.
func (s *Service) buildCart(ctx context.Context, items []domain.CartLine, stockErr func(productID string, requested int, available int) *apperror.AppError) (*pricing.Cart, error) {
	if len(items) == 0 {
		return nil, apperror.NewEmptyCart()
	}

	ids := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			return nil, apperror.NewInvalidInput("product_id is required")
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	products, err := read(ctx, s, func(ctx context.Context) (map[string]domain.Product, error) {
		return s.repo.GetProductsByIDs(ctx, ids)
	})
	if err != nil {
		return nil, mapStoreErr(err, "product", "")
	}

	cart := pricing.NewCart()
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		product, ok := products[id]
		if !ok {
			return nil, apperror.NewNotFound("product", id)
		}
		result, err := cart.AddItem(product, item.Quantity)
		if err != nil {
			return nil, err
		}
		if result.Status == pricing.OutOfStock {
			return nil, stockErr(id, result.Quantity+item.Quantity, result.Available)
		}
	}
	return cart, nil
}

// QuoteCart prices a cart without touching stock.
func (s *Service) QuoteCart(ctx context.Context, req domain.QuoteRequest) (domain.QuoteResponse, error) {
	if _, err := requireActor(ctx, domain.RoleCashier, domain.RoleAdmin); err != nil {
		return domain.QuoteResponse{}, err
	}
	if req.Discount < 0 {
		return domain.QuoteResponse{}, apperror.NewInvalidDiscount("discount must not be negative")
	}

	cart, err := s.buildCart(ctx, req.Items, apperror.NewOutOfStock)
	if err != nil {
		return domain.QuoteResponse{}, err
	}
	totals, err := cart.Total(req.Discount, s.taxRate)
	if err != nil {
		return domain.QuoteResponse{}, err
	}
	return domain.QuoteResponse{Lines: cart.Lines(), Totals: totals}, nil
}

func (s *Service) validateSalePayment(ctx context.Context, req domain.RecordSaleRequest) error {
	if !req.PaymentMethod.Valid() {
		return apperror.NewInvalidInput("payment_method must be cash, card or invoice").
			WithDetail("payment_method", req.PaymentMethod)
	}
	if req.Discount < 0 {
		return apperror.NewInvalidDiscount("discount must not be negative")
	}
	if req.PaymentMethod != domain.PaymentInvoice {
		if req.CompanyID != "" {
			return apperror.NewInvalidInput("company_id is only allowed for invoice sales")
		}
		return nil
	}

	if req.CompanyID == "" {
		return apperror.NewMissingCompany("invoice sales require company_id")
	}
	company, err := read(ctx, s, func(ctx context.Context) (*domain.Company, error) {
		return s.repo.GetCompany(ctx, req.CompanyID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return apperror.NewMissingCompany("company not found").WithDetail("company_id", req.CompanyID)
	}
	if err != nil {
		return mapStoreErr(err, "company", req.CompanyID)
	}
	if !company.Active {
		return apperror.NewMissingCompany("company is not active").WithDetail("company_id", req.CompanyID)
	}
	return nil
}

// RecordSale persists a sale with its line items and decrements stock for
// every line as one unit: either all of it is written or none of it is.
func (s *Service) RecordSale(ctx context.Context, req domain.RecordSaleRequest) (domain.Sale, error) {
	started := time.Now()
	actor, err := requireActor(ctx, domain.RoleCashier, domain.RoleAdmin)
	if err != nil {
		return domain.Sale{}, err
	}
	req.CompanyID = strings.TrimSpace(req.CompanyID)
	if err := s.validateSalePayment(ctx, req); err != nil {
		return domain.Sale{}, err
	}

	shift, err := read(ctx, s, func(ctx context.Context) (*domain.Shift, error) {
		return s.repo.GetActiveShift(ctx, actor.ID)
	})
	if errors.Is(err, store.ErrNotFound) || (err == nil && shift.State != domain.ShiftStateOpen) {
		return domain.Sale{}, apperror.NewInvalidState("an open shift is required to record sales")
	}
	if err != nil {
		return domain.Sale{}, mapStoreErr(err, "shift", actor.ID)
	}

	cart, err := s.buildCart(ctx, req.Items, apperror.NewInsufficientStock)
	if err != nil {
		return domain.Sale{}, err
	}
	totals, err := cart.Total(req.Discount, s.taxRate)
	if err != nil {
		return domain.Sale{}, err
	}

	sale := domain.Sale{
		ID:            xid.New("sale"),
		SellerID:      actor.ID,
		ShiftID:       shift.ID,
		PaymentMethod: req.PaymentMethod,
		CompanyID:     req.CompanyID,
		Subtotal:      totals.Subtotal,
		Discount:      totals.Discount,
		Tax:           totals.Tax,
		Total:         totals.Total,
		TaxRate:       totals.TaxRate,
		Status:        domain.SaleCompleted,
		CreatedAt:     s.now(),
	}
	lines := cart.Lines()
	items := make([]domain.LineItem, 0, len(lines))
	changes := make([]*stockChange, 0, len(lines))
	for _, line := range lines {
		items = append(items, domain.LineItem{
			ID:               xid.New("li"),
			SaleID:           sale.ID,
			ProductID:        line.ProductID,
			Quantity:         line.Quantity,
			UnitPriceApplied: line.UnitPriceApplied,
			Subtotal:         line.Subtotal,
		})
		changes = append(changes, &stockChange{
			productID: line.ProductID,
			delta:     -line.Quantity,
			kind:      domain.MovementOut,
			actorID:   actor.ID,
		})
	}

	var saved *domain.Sale
	steps := []uow.Step{
		{
			Name: "insert sale",
			Apply: func(ctx context.Context) error {
				created, err := s.insertSale(ctx, &sale)
				if err != nil {
					return err
				}
				saved = created
				for _, change := range changes {
					change.reason = "sale " + created.InvoiceNumber
				}
				return nil
			},
			Compensate: func(ctx context.Context) error {
				return s.repo.DeleteSale(ctx, sale.ID)
			},
		},
		{
			Name: "insert line items",
			Apply: func(ctx context.Context) error {
				return s.write(ctx, func(ctx context.Context) error {
					return s.repo.CreateLineItems(ctx, sale.ID, items)
				})
			},
			Compensate: func(ctx context.Context) error {
				return s.repo.DeleteLineItems(ctx, sale.ID)
			},
		},
	}
	for _, change := range changes {
		steps = append(steps, s.stockSteps(change)...)
	}

	ctx = logger.WithFields(ctx, "sale_id", sale.ID, "seller_id", actor.ID)
	if err := s.runner.Run(ctx, steps...); err != nil {
		metrics.ObserveSale(string(req.PaymentMethod), metrics.ResultError, time.Since(started).Seconds())
		return domain.Sale{}, s.saleFailure(ctx, err, sale)
	}

	saved.LineItems = items
	metrics.ObserveSale(string(req.PaymentMethod), metrics.ResultSuccess, time.Since(started).Seconds())
	logger.Info(ctx, "sale recorded",
		"invoice_number", saved.InvoiceNumber, "total", saved.Total, "payment_method", saved.PaymentMethod)
	s.logAudit(ctx, "sale_record", "sale", saved.ID,
		fmt.Sprintf("invoice=%s total=%d method=%s", saved.InvoiceNumber, saved.Total, saved.PaymentMethod))

	return *saved, nil
}

// insertSale assigns a fresh invoice number per attempt. A duplicate number
// is fatal for that attempt only; other write errors are not retried.
func (s *Service) insertSale(ctx context.Context, sale *domain.Sale) (*domain.Sale, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		number, err := s.numberer.Next()
		if err != nil {
			return nil, apperror.NewInternal(err)
		}
		sale.InvoiceNumber = number

		var created *domain.Sale
		err = s.write(ctx, func(ctx context.Context) error {
			var err error
			created, err = s.repo.CreateSale(ctx, *sale)
			return err
		})
		if errors.Is(err, store.ErrDuplicateInvoice) {
			metrics.IncInvoiceRetry()
			logger.Warn(ctx, "invoice number collision", "invoice_number", number, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		return created, nil
	}
	return nil, errInvoiceNumbersExhausted
}

func (s *Service) saleFailure(ctx context.Context, err error, sale domain.Sale) error {
	if errors.Is(err, errInvoiceNumbersExhausted) {
		return s.raiseIntegrityAlert(ctx, "invoice_collision", "sale", sale.ID, err)
	}
	mapped := s.runFailure(ctx, err, "sale_compensation", "sale", sale.ID)
	// The write outcome is unknown; the client re-queries by invoice number.
	if appErr, ok := apperror.AsAppError(mapped); ok && appErr.Code == apperror.CodeInternal && sale.InvoiceNumber != "" {
		appErr.WithDetail("invoice_number", sale.InvoiceNumber)
	}
	logger.Warn(ctx, "sale not recorded", "invoice_number", sale.InvoiceNumber, "error", err)
	return mapped
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	if _, err := requireActor(ctx, domain.RoleCashier, domain.RoleAdmin, domain.RoleAccounting); err != nil {
		return domain.Sale{}, err
	}
	sale, err := read(ctx, s, func(ctx context.Context) (*domain.Sale, error) {
		return s.repo.GetSale(ctx, id)
	})
	if err != nil {
		return domain.Sale{}, mapStoreErr(err, "sale", id)
	}
	return *sale, nil
}

// FindSaleByInvoice is how a client resolves a sale whose write outcome it
// did not see.
func (s *Service) FindSaleByInvoice(ctx context.Context, invoiceNumber string) (domain.Sale, error) {
	if _, err := requireActor(ctx, domain.RoleCashier, domain.RoleAdmin, domain.RoleAccounting); err != nil {
		return domain.Sale{}, err
	}
	invoiceNumber = strings.ToUpper(strings.TrimSpace(invoiceNumber))
	if invoiceNumber == "" {
		return domain.Sale{}, apperror.NewInvalidInput("invoice number is required")
	}
	sale, err := read(ctx, s, func(ctx context.Context) (*domain.Sale, error) {
		return s.repo.FindSaleByInvoice(ctx, invoiceNumber)
	})
	if err != nil {
		return domain.Sale{}, mapStoreErr(err, "sale", invoiceNumber)
	}
	return *sale, nil
}

// CancelSale marks a completed sale cancelled and puts its stock back with one
// In movement per line.
func (s *Service) CancelSale(ctx context.Context, saleID string, req domain.CancelSaleRequest) (domain.Sale, error) {
	actor, err := requireActor(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.Sale{}, err
	}
	sale, err := read(ctx, s, func(ctx context.Context) (*domain.Sale, error) {
		return s.repo.GetSale(ctx, saleID)
	})
	if err != nil {
		return domain.Sale{}, mapStoreErr(err, "sale", saleID)
	}
	if sale.Status != domain.SaleCompleted {
		return domain.Sale{}, apperror.NewInvalidState(fmt.Sprintf("sale is %s", sale.Status))
	}

	reason := "cancel " + sale.InvoiceNumber
	if note := strings.TrimSpace(req.Reason); note != "" {
		reason += ": " + note
	}

	var cancelled *domain.Sale
	steps := []uow.Step{{
		Name: "cancel sale",
		Apply: func(ctx context.Context) error {
			return s.write(ctx, func(ctx context.Context) error {
				var err error
				cancelled, err = s.repo.CancelSale(ctx, sale.ID, s.now())
				return err
			})
		},
		Compensate: func(ctx context.Context) error {
			return s.repo.RestoreSaleStatus(ctx, sale.ID, sale.Status)
		},
	}}
	for _, item := range sale.LineItems {
		steps = append(steps, s.stockSteps(&stockChange{
			productID: item.ProductID,
			delta:     item.Quantity,
			kind:      domain.MovementIn,
			reason:    reason,
			actorID:   actor.ID,
		})...)
	}

	if err := s.runner.Run(ctx, steps...); err != nil {
		return domain.Sale{}, s.runFailure(ctx, err, "sale_cancel_compensation", "sale", sale.ID)
	}

	if len(cancelled.LineItems) == 0 {
		cancelled.LineItems = sale.LineItems
	}
	s.logAudit(ctx, "sale_cancel", "sale", sale.ID, reason)
	return *cancelled, nil
}
