package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"

	"ferrepos/backend/internal/domain"
	"ferrepos/backend/internal/store"
	"ferrepos/backend/internal/xid"
)

var productColumns = []string{
	"id", "sku", "name", "unit_price", "bulk_price", "bulk_minimum_quantity", "stock", "active",
}

var movementColumns = []string{
	"id", "product_id", "kind", "quantity", "reason", "actor_id", "created_at",
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	query, args, err := builder().
		Select(productColumns...).
		From("products").
		Where(squirrel.Eq{"active": true}).
		OrderBy("name").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list products: %w", err)
	}

	products := make([]domain.Product, 0, 128)
	if err := sqlscan.Select(ctx, s.q(ctx), &products, query, args...); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	query, args, err := builder().
		Select(productColumns...).
		From("products").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get product: %w", err)
	}

	var product domain.Product
	if err := sqlscan.Get(ctx, s.q(ctx), &product, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query, args, err := builder().
		Select(productColumns...).
		From("products").
		Where(squirrel.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get products: %w", err)
	}

	var products []domain.Product
	if err := sqlscan.Select(ctx, s.q(ctx), &products, query, args...); err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	for _, p := range products {
		result[p.ID] = p
	}
	return result, nil
}

// ApplyStockDelta is a single conditional update, so concurrent decrements
// serialize on the row and none can take stock below zero.
func (s *Store) ApplyStockDelta(ctx context.Context, productID string, delta int) (int, error) {
	var stock int
	err := s.q(ctx).QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock + $1, updated_at = now()
		WHERE id = $2 AND stock + $1 >= 0
		RETURNING stock
	`, delta, productID).Scan(&stock)
	if err == nil {
		return stock, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("apply stock delta: %w", err)
	}

	err = s.q(ctx).QueryRowContext(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read stock: %w", err)
	}
	return stock, store.ErrInsufficientStock
}

func (s *Store) AppendMovement(ctx context.Context, movement domain.InventoryMovement) (*domain.InventoryMovement, error) {
	if movement.ProductID == "" || movement.Quantity == 0 || movement.ActorID == "" {
		return nil, store.ErrInvalidRecord
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}

	query, args, err := builder().
		Insert("inventory_movements").
		Columns(movementColumns...).
		Values(movement.ID, movement.ProductID, movement.Kind, movement.Quantity,
			movement.Reason, movement.ActorID, squirrel.Expr("COALESCE(?, now())", nullTime(timePtr(movement.CreatedAt)))).
		Suffix("RETURNING created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build append movement: %w", err)
	}

	if err := s.q(ctx).QueryRowContext(ctx, query, args...).Scan(&movement.CreatedAt); err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		if isCheckViolation(err) {
			return nil, store.ErrInvalidRecord
		}
		return nil, fmt.Errorf("append movement: %w", err)
	}
	return &movement, nil
}

func (s *Store) DeleteMovement(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM inventory_movements WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete movement: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.InventoryMovement, error) {
	q := builder().
		Select(movementColumns...).
		From("inventory_movements").
		OrderBy("created_at DESC", "id DESC")
	if filter.ProductID != "" {
		q = q.Where(squirrel.Eq{"product_id": filter.ProductID})
	}
	if filter.ActorID != "" {
		q = q.Where(squirrel.Eq{"actor_id": filter.ActorID})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list movements: %w", err)
	}

	movements := make([]domain.InventoryMovement, 0, 64)
	if err := sqlscan.Select(ctx, s.q(ctx), &movements, query, args...); err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	return movements, nil
}

func (s *Store) GetCompany(ctx context.Context, id string) (*domain.Company, error) {
	var company domain.Company
	err := sqlscan.Get(ctx, s.q(ctx), &company,
		`SELECT id, name, tax_id, active FROM companies WHERE id = $1`, id)
	if err != nil {
		if sqlscan.NotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get company: %w", err)
	}
	return &company, nil
}

// UpsertProduct and UpsertCompany load reference data; catalog editing is
// not part of the till.
func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO products (id, sku, name, unit_price, bulk_price, bulk_minimum_quantity, stock, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET sku = EXCLUDED.sku, name = EXCLUDED.name, unit_price = EXCLUDED.unit_price,
			bulk_price = EXCLUDED.bulk_price, bulk_minimum_quantity = EXCLUDED.bulk_minimum_quantity,
			stock = EXCLUDED.stock, active = EXCLUDED.active, updated_at = now()
	`, p.ID, p.SKU, p.Name, p.UnitPrice, p.BulkPrice, p.BulkMinimumQuantity, p.Stock, p.Active)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (s *Store) UpsertCompany(ctx context.Context, c domain.Company) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO companies (id, name, tax_id, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, tax_id = EXCLUDED.tax_id, active = EXCLUDED.active
	`, c.ID, c.Name, c.TaxID, c.Active)
	if err != nil {
		return fmt.Errorf("upsert company: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
