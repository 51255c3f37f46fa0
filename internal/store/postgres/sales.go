package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"

	"ferrepos/backend/internal/domain"
	"ferrepos/backend/internal/store"
	"ferrepos/backend/internal/xid"
)

var saleColumns = []string{
	"id", "invoice_number", "seller_id", "COALESCE(shift_id, '') AS shift_id", "payment_method",
	"COALESCE(company_id, '') AS company_id", "subtotal", "discount", "tax", "total", "tax_rate",
	"status", "created_at", "cancelled_at",
}

// CreateSale reports a taken invoice number as ErrDuplicateInvoice without
// aborting an enclosing transaction, so the caller can retry with a new one.
// A sale bound to a shift holds a share lock on the shift row until commit,
// so it cannot interleave with the close request's state change.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.InvoiceNumber == "" || sale.SellerID == "" {
		return nil, store.ErrInvalidRecord
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.ShiftID != "" {
		if err := s.lockOpenShift(ctx, sale.ShiftID); err != nil {
			return nil, err
		}
	}

	query, args, err := builder().
		Insert("sales").
		Columns("id", "invoice_number", "seller_id", "shift_id", "payment_method", "company_id",
			"subtotal", "discount", "tax", "total", "tax_rate", "status", "created_at").
		Values(sale.ID, sale.InvoiceNumber, sale.SellerID, nullIfEmpty(sale.ShiftID), sale.PaymentMethod,
			nullIfEmpty(sale.CompanyID), sale.Subtotal, sale.Discount, sale.Tax, sale.Total, sale.TaxRate,
			sale.Status, sale.CreatedAt.UTC()).
		Suffix("ON CONFLICT (invoice_number) DO NOTHING").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build create sale: %w", err)
	}

	res, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRecord
		}
		if isForeignKeyViolation(err) || isCheckViolation(err) {
			return nil, store.ErrInvalidRecord
		}
		return nil, fmt.Errorf("create sale: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrDuplicateInvoice
	}

	saved := sale
	saved.LineItems = nil
	return &saved, nil
}

func (s *Store) lockOpenShift(ctx context.Context, shiftID string) error {
	var state domain.ShiftState
	err := s.q(ctx).QueryRowContext(ctx, `SELECT state FROM shifts WHERE id = $1 FOR SHARE`, shiftID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrShiftNotOpen
	}
	if err != nil {
		return fmt.Errorf("lock shift: %w", err)
	}
	if state != domain.ShiftStateOpen {
		return store.ErrShiftNotOpen
	}
	return nil
}

func (s *Store) DeleteSale(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete sale: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) CreateLineItems(ctx context.Context, saleID string, items []domain.LineItem) error {
	if len(items) == 0 {
		return nil
	}
	q := builder().
		Insert("sale_line_items").
		Columns("id", "sale_id", "product_id", "quantity", "unit_price_applied", "subtotal")
	for _, item := range items {
		if item.ProductID == "" || item.Quantity <= 0 {
			return store.ErrInvalidRecord
		}
		if item.ID == "" {
			item.ID = xid.New("li")
		}
		q = q.Values(item.ID, saleID, item.ProductID, item.Quantity, item.UnitPriceApplied, item.Subtotal)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create line items: %w", err)
	}
	if _, err := s.q(ctx).ExecContext(ctx, query, args...); err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("create line items: %w", err)
	}
	return nil
}

func (s *Store) DeleteLineItems(ctx context.Context, saleID string) error {
	if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM sale_line_items WHERE sale_id = $1`, saleID); err != nil {
		return fmt.Errorf("delete line items: %w", err)
	}
	return nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, squirrel.Eq{"id": id})
}

func (s *Store) FindSaleByInvoice(ctx context.Context, invoiceNumber string) (*domain.Sale, error) {
	return s.findSale(ctx, squirrel.Eq{"invoice_number": invoiceNumber})
}

func (s *Store) findSale(ctx context.Context, where squirrel.Eq) (*domain.Sale, error) {
	query, args, err := builder().Select(saleColumns...).From("sales").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build find sale: %w", err)
	}

	var sale domain.Sale
	if err := sqlscan.Get(ctx, s.q(ctx), &sale, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find sale: %w", err)
	}

	sale.LineItems = make([]domain.LineItem, 0, 4)
	if err := sqlscan.Select(ctx, s.q(ctx), &sale.LineItems, `
		SELECT id, sale_id, product_id, quantity, unit_price_applied, subtotal
		FROM sale_line_items
		WHERE sale_id = $1
		ORDER BY id
	`, sale.ID); err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	return &sale, nil
}

func (s *Store) CancelSale(ctx context.Context, id string, at time.Time) (*domain.Sale, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE sales
		SET status = 'cancelled', cancelled_at = $2
		WHERE id = $1 AND status <> 'cancelled'
	`, id, at.UTC())
	if err != nil {
		return nil, fmt.Errorf("cancel sale: %w", err)
	}
	if err := requireAffected(res); err != nil {
		if _, getErr := s.GetSale(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, store.ErrStateConflict
	}
	return s.GetSale(ctx, id)
}

func (s *Store) RestoreSaleStatus(ctx context.Context, id string, status domain.SaleStatus) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE sales SET status = $2, cancelled_at = NULL WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("restore sale status: %w", err)
	}
	return requireAffected(res)
}

type methodTotal struct {
	PaymentMethod domain.PaymentMethod
	Total         domain.Money
	SaleCount     int
}

func (s *Store) SumSalesByMethod(ctx context.Context, sellerID string, from time.Time, to time.Time) (map[domain.PaymentMethod]domain.Money, int, error) {
	var rows []methodTotal
	err := sqlscan.Select(ctx, s.q(ctx), &rows, `
		SELECT payment_method, COALESCE(SUM(total), 0) AS total, COUNT(*) AS sale_count
		FROM sales
		WHERE seller_id = $1
		  AND status <> 'cancelled'
		  AND created_at BETWEEN $2 AND $3
		GROUP BY payment_method
	`, sellerID, from.UTC(), to.UTC())
	if err != nil {
		return nil, 0, fmt.Errorf("sum sales by method: %w", err)
	}

	totals := make(map[domain.PaymentMethod]domain.Money, len(rows))
	count := 0
	for _, row := range rows {
		totals[row.PaymentMethod] = row.Total
		count += row.SaleCount
	}
	return totals, count, nil
}
