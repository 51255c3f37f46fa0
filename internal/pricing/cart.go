// Package pricing holds the in-progress cart and the tiered price rules.
package pricing

import (
	"github.com/shopspring/decimal"

	"ferrepos/backend/internal/apperror"
	"ferrepos/backend/internal/domain"
)

type AddStatus string

const (
	Added      AddStatus = "added"
	OutOfStock AddStatus = "out_of_stock"
)

// AddResult reports what AddItem did. On OutOfStock the cart is unchanged and
// Quantity is what the cart already held.
type AddResult struct {
	Status    AddStatus `json:"status"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Available int       `json:"available"`
}

type cartEntry struct {
	product  domain.Product
	quantity int
}

// Cart maps product ids to quantities. It is not safe for concurrent use; a
// cart belongs to a single sale being built.
type Cart struct {
	entries map[string]*cartEntry
	order   []string
}

func NewCart() *Cart {
	return &Cart{entries: make(map[string]*cartEntry)}
}

// AddItem increases the quantity of product by qty. If the new quantity would
// exceed product.Stock nothing changes and the result says OutOfStock.
func (c *Cart) AddItem(product domain.Product, qty int) (AddResult, error) {
	if product.ID == "" {
		return AddResult{}, apperror.NewInvalidInput("product id is required")
	}
	if qty <= 0 {
		return AddResult{}, apperror.NewInvalidQuantity("quantity must be positive").
			WithDetail("product_id", product.ID)
	}
	if !product.Active {
		return AddResult{}, apperror.NewInvalidInput("product is not active").
			WithDetail("product_id", product.ID)
	}

	current := 0
	if entry, ok := c.entries[product.ID]; ok {
		current = entry.quantity
	}
	if current+qty > product.Stock {
		return AddResult{
			Status:    OutOfStock,
			ProductID: product.ID,
			Quantity:  current,
			Available: product.Stock,
		}, nil
	}

	entry, ok := c.entries[product.ID]
	if !ok {
		entry = &cartEntry{}
		c.entries[product.ID] = entry
		c.order = append(c.order, product.ID)
	}
	entry.product = product
	entry.quantity = current + qty

	return AddResult{
		Status:    Added,
		ProductID: product.ID,
		Quantity:  entry.quantity,
		Available: product.Stock,
	}, nil
}

// SetQuantity replaces the quantity of an item already in the cart.
func (c *Cart) SetQuantity(productID string, qty int) error {
	entry, ok := c.entries[productID]
	if !ok {
		return apperror.NewNotFound("cart item", productID)
	}
	if qty <= 0 || qty > entry.product.Stock {
		return apperror.NewInvalidQuantity("quantity must be between 1 and available stock").
			WithDetail("product_id", productID).
			WithDetail("requested", qty).
			WithDetail("available", entry.product.Stock)
	}
	entry.quantity = qty
	return nil
}

// RemoveItem drops productID. Removing an absent item is a no-op.
func (c *Cart) RemoveItem(productID string) {
	if _, ok := c.entries[productID]; !ok {
		return
	}
	delete(c.entries, productID)
	for i, id := range c.order {
		if id == productID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cart) IsEmpty() bool {
	return len(c.entries) == 0
}

func (c *Cart) Len() int {
	return len(c.entries)
}

// Quantity returns how many units of productID the cart holds.
func (c *Cart) Quantity(productID string) int {
	if entry, ok := c.entries[productID]; ok {
		return entry.quantity
	}
	return 0
}

// UnitPriceFor returns the bulk price once qty reaches the bulk minimum
// (inclusive). Products without a bulk tier always use the unit price.
func UnitPriceFor(product domain.Product, qty int) domain.Money {
	if HasBulkTier(product) && qty >= product.BulkMinimumQuantity {
		return product.BulkPrice
	}
	return product.UnitPrice
}

func HasBulkTier(product domain.Product) bool {
	return product.BulkMinimumQuantity > 0 && product.BulkPrice > 0
}

// Lines lists the cart in insertion order with the price each line resolves to.
func (c *Cart) Lines() []domain.QuoteLine {
	lines := make([]domain.QuoteLine, 0, len(c.order))
	for _, id := range c.order {
		entry := c.entries[id]
		unit := UnitPriceFor(entry.product, entry.quantity)
		lines = append(lines, domain.QuoteLine{
			ProductID:        id,
			Quantity:         entry.quantity,
			UnitPriceApplied: unit,
			Subtotal:         unit * domain.Money(entry.quantity),
			BulkApplied:      HasBulkTier(entry.product) && entry.quantity >= entry.product.BulkMinimumQuantity,
		})
	}
	return lines
}

func (c *Cart) Subtotal() domain.Money {
	var subtotal domain.Money
	for _, entry := range c.entries {
		subtotal += UnitPriceFor(entry.product, entry.quantity) * domain.Money(entry.quantity)
	}
	return subtotal
}

// Total computes max(0, subtotal-discount) * (1+taxRate). Discount is a flat
// amount; when it exceeds the subtotal the applied discount equals the
// subtotal. Tax is rounded half away from zero to the minor unit.
func (c *Cart) Total(discount domain.Money, taxRate decimal.Decimal) (domain.Totals, error) {
	return ComputeTotals(c.Subtotal(), discount, taxRate)
}

func ComputeTotals(subtotal domain.Money, discount domain.Money, taxRate decimal.Decimal) (domain.Totals, error) {
	if discount < 0 {
		return domain.Totals{}, apperror.NewInvalidDiscount("discount must not be negative").
			WithDetail("discount", discount)
	}
	if taxRate.IsNegative() {
		return domain.Totals{}, apperror.NewInvalidInput("tax rate must not be negative")
	}
	applied := discount
	if applied > subtotal {
		applied = subtotal
	}
	base := subtotal - applied
	tax := domain.Money(decimal.NewFromInt(int64(base)).Mul(taxRate).Round(0).IntPart())

	return domain.Totals{
		Subtotal:    subtotal,
		Discount:    applied,
		TaxableBase: base,
		Tax:         tax,
		Total:       base + tax,
		TaxRate:     taxRate.String(),
	}, nil
}
