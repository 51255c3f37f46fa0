package store

import (
	"context"
	"errors"
	"time"

	"ferrepos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrAlreadyOpen       = errors.New("cashier already has an active shift")
	ErrDuplicateInvoice  = errors.New("duplicate invoice number")
	ErrStateConflict     = errors.New("shift state changed concurrently")
	ErrInvalidRecord     = errors.New("invalid record")
	ErrShiftNotOpen      = errors.New("shift is not open")
)

// Repository is the persistence boundary of the till core. Implementations
// must make ApplyStockDelta an atomic conditional update: stock never drops
// below zero even under concurrent sales.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	ApplyStockDelta(ctx context.Context, productID string, delta int) (int, error)
	AppendMovement(ctx context.Context, movement domain.InventoryMovement) (*domain.InventoryMovement, error)
	DeleteMovement(ctx context.Context, id string) error
	ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.InventoryMovement, error)

	GetCompany(ctx context.Context, id string) (*domain.Company, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	DeleteSale(ctx context.Context, id string) error
	CreateLineItems(ctx context.Context, saleID string, items []domain.LineItem) error
	DeleteLineItems(ctx context.Context, saleID string) error
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByInvoice(ctx context.Context, invoiceNumber string) (*domain.Sale, error)
	CancelSale(ctx context.Context, id string, at time.Time) (*domain.Sale, error)
	RestoreSaleStatus(ctx context.Context, id string, status domain.SaleStatus) error
	SumSalesByMethod(ctx context.Context, sellerID string, from time.Time, to time.Time) (map[domain.PaymentMethod]domain.Money, int, error)

	CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)
	DeleteShift(ctx context.Context, id string) error
	GetShift(ctx context.Context, id string) (*domain.Shift, error)
	GetActiveShift(ctx context.Context, cashierID string) (*domain.Shift, error)
	UpdateShift(ctx context.Context, shift domain.Shift, expected domain.ShiftState) (*domain.Shift, error)
	InsertDenominations(ctx context.Context, rows []domain.ShiftDenomination) error
	DeleteDenominations(ctx context.Context, shiftID string, phase domain.CountPhase) error
	ListDenominations(ctx context.Context, shiftID string, phase domain.CountPhase) ([]domain.ShiftDenomination, error)

	GetUserByEmail(ctx context.Context, email string) (*domain.UserAccount, error)
	GetUserByID(ctx context.Context, id string) (*domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, entityType string, entityID string, limit int) ([]domain.AuditLog, error)
}

// Transactor is implemented by repositories that can run several calls in
// one database transaction.
type Transactor interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
