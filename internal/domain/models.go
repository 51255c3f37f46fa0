package domain

import "time"

// Money is an amount in the smallest currency unit. Formatting for display is
// the client's job.
type Money int64

const (
	RoleAdmin      = "admin"
	RoleWarehouse  = "warehouse"
	RoleCashier    = "cashier"
	RoleAccounting = "accounting"
)

func IsKnownRole(role string) bool {
	switch role {
	case RoleAdmin, RoleWarehouse, RoleCashier, RoleAccounting:
		return true
	default:
		return false
	}
}

type DenominationKind string

const (
	DenominationBill DenominationKind = "bill"
	DenominationCoin DenominationKind = "coin"
)

// Denomination keys a cash count. A bill and a coin with the same face value
// are different keys.
type Denomination struct {
	Kind      DenominationKind `json:"kind"`
	FaceValue Money            `json:"face_value"`
}

type DenominationCount struct {
	Kind      DenominationKind `json:"kind"`
	FaceValue Money            `json:"face_value"`
	Count     int              `json:"count"`
}

type CountPhase string

const (
	CountPhaseOpening CountPhase = "opening"
	CountPhaseClosing CountPhase = "closing"
)

// ShiftDenomination is one persisted row of an opening or closing count.
type ShiftDenomination struct {
	ID        string           `json:"id"`
	ShiftID   string           `json:"shift_id"`
	Phase     CountPhase       `json:"phase"`
	Kind      DenominationKind `json:"kind"`
	FaceValue Money            `json:"face_value"`
	Count     int              `json:"count"`
	Subtotal  Money            `json:"subtotal"`
	CreatedAt time.Time        `json:"created_at"`
}

type ShiftState string

const (
	ShiftStateOpen            ShiftState = "open"
	ShiftStatePendingApproval ShiftState = "pending_approval"
	ShiftStateClosed          ShiftState = "closed"
	// ShiftStateReverted names the PendingApproval -> Open rollback in audit
	// entries and metrics. A shift row is never stored in this state.
	ShiftStateReverted ShiftState = "reverted"
)

type VarianceLevel string

const (
	VarianceNormal   VarianceLevel = "normal"
	VarianceWarning  VarianceLevel = "warning"
	VarianceCritical VarianceLevel = "critical"
)

type Shift struct {
	ID               string        `json:"id"`
	CashierID        string        `json:"cashier_id"`
	State            ShiftState    `json:"state"`
	OpeningFloat     Money         `json:"opening_float"`
	ClosingFloat     *Money        `json:"closing_float,omitempty"`
	ExpectedCash     *Money        `json:"expected_cash,omitempty"`
	Variance         *Money        `json:"variance,omitempty"`
	VarianceLevel    VarianceLevel `json:"variance_level,omitempty"`
	ApprovedBy       string        `json:"approved_by,omitempty"`
	OpenedAt         time.Time     `json:"opened_at"`
	CloseRequestedAt *time.Time    `json:"close_requested_at,omitempty"`
	ClosedAt         *time.Time    `json:"closed_at,omitempty"`
}

// Product is owned by catalog management; the till only reads prices and
// moves stock through the adjustment primitive.
type Product struct {
	ID                  string `json:"id"`
	SKU                 string `json:"sku"`
	Name                string `json:"name"`
	UnitPrice           Money  `json:"unit_price"`
	BulkPrice           Money  `json:"bulk_price"`
	BulkMinimumQuantity int    `json:"bulk_minimum_quantity"`
	Stock               int    `json:"stock"`
	Active              bool   `json:"active"`
}

type Company struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	TaxID  string `json:"tax_id"`
	Active bool   `json:"active"`
}

type PaymentMethod string

const (
	PaymentCash    PaymentMethod = "cash"
	PaymentCard    PaymentMethod = "card"
	PaymentInvoice PaymentMethod = "invoice"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentInvoice:
		return true
	default:
		return false
	}
}

type SaleStatus string

const (
	SaleCompleted SaleStatus = "completed"
	SalePending   SaleStatus = "pending"
	SaleCancelled SaleStatus = "cancelled"
)

type Sale struct {
	ID            string        `json:"id"`
	InvoiceNumber string        `json:"invoice_number"`
	SellerID      string        `json:"seller_id"`
	ShiftID       string        `json:"shift_id,omitempty"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	CompanyID     string        `json:"company_id,omitempty"`
	Subtotal      Money         `json:"subtotal"`
	Discount      Money         `json:"discount"`
	Tax           Money         `json:"tax"`
	Total         Money         `json:"total"`
	TaxRate       string        `json:"tax_rate"`
	Status        SaleStatus    `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	CancelledAt   *time.Time    `json:"cancelled_at,omitempty"`
	LineItems     []LineItem    `json:"line_items"`
}

// LineItem freezes the unit price resolved at sale time.
type LineItem struct {
	ID               string `json:"id"`
	SaleID           string `json:"sale_id"`
	ProductID        string `json:"product_id"`
	Quantity         int    `json:"quantity"`
	UnitPriceApplied Money  `json:"unit_price_applied"`
	Subtotal         Money  `json:"subtotal"`
}

type MovementKind string

const (
	MovementIn         MovementKind = "in"
	MovementOut        MovementKind = "out"
	MovementAdjustment MovementKind = "adjustment"
)

// InventoryMovement is an append-only ledger row. Quantity is signed: stock
// leaving the shelf is negative.
type InventoryMovement struct {
	ID        string       `json:"id"`
	ProductID string       `json:"product_id"`
	Kind      MovementKind `json:"kind"`
	Quantity  int          `json:"quantity"`
	Reason    string       `json:"reason"`
	ActorID   string       `json:"actor_id"`
	CreatedAt time.Time    `json:"created_at"`
}

type MovementFilter struct {
	ProductID string
	ActorID   string
	Limit     int
}

type UserAccount struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity is the resolved caller or approver.
type Identity struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role"`
	Active bool   `json:"active"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type CartLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type Totals struct {
	Subtotal    Money  `json:"subtotal"`
	Discount    Money  `json:"discount"`
	TaxableBase Money  `json:"taxable_base"`
	Tax         Money  `json:"tax"`
	Total       Money  `json:"total"`
	TaxRate     string `json:"tax_rate"`
}

type QuoteLine struct {
	ProductID        string `json:"product_id"`
	Quantity         int    `json:"quantity"`
	UnitPriceApplied Money  `json:"unit_price_applied"`
	Subtotal         Money  `json:"subtotal"`
	BulkApplied      bool   `json:"bulk_applied"`
}

type QuoteRequest struct {
	Items    []CartLine `json:"items"`
	Discount Money      `json:"discount"`
}

type QuoteResponse struct {
	Lines  []QuoteLine `json:"lines"`
	Totals Totals      `json:"totals"`
}

type RecordSaleRequest struct {
	Items         []CartLine    `json:"items"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	CompanyID     string        `json:"company_id,omitempty"`
	Discount      Money         `json:"discount"`
}

type CancelSaleRequest struct {
	Reason string `json:"reason"`
}

type StockAdjustmentRequest struct {
	ProductID string       `json:"product_id"`
	Kind      MovementKind `json:"kind"`
	Quantity  int          `json:"quantity"`
	Reason    string       `json:"reason"`
}

type StockAdjustmentResponse struct {
	Movement InventoryMovement `json:"movement"`
	Stock    int               `json:"stock"`
}

type ShiftOpenRequest struct {
	Denominations []DenominationCount `json:"denominations"`
}

type ShiftCloseRequest struct {
	Denominations []DenominationCount `json:"denominations"`
}

type ShiftApproveRequest struct {
	ApprovalToken string `json:"approval_token"`
}

type ApprovalIssueRequest struct {
	ShiftID string `json:"shift_id"`
}

type ApprovalVerifyRequest struct {
	ShiftID  string `json:"shift_id"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ApprovalTokenResponse struct {
	ApprovalToken string `json:"approval_token"`
	ShiftID       string `json:"shift_id"`
	ApprovedBy    string `json:"approved_by"`
	ExpiresAt     string `json:"expires_at"`
}

type ShiftSummary struct {
	Shift                Shift               `json:"shift"`
	OpeningDenominations []ShiftDenomination `json:"opening_denominations"`
	ClosingDenominations []ShiftDenomination `json:"closing_denominations"`
	ExpectedCash         Money               `json:"expected_cash"`
	SalesByMethod        map[string]Money    `json:"sales_by_method"`
	SaleCount            int                 `json:"sale_count"`
}
