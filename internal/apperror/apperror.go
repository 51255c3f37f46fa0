// Package apperror defines the typed failures returned by the till core.
// Validation and conflict errors are expected by callers; integrity errors
// mean an entity may need operator attention.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// Validation (400)
	CodeInvalidInput      = "INVALID_INPUT"
	CodeInvalidQuantity   = "INVALID_QUANTITY"
	CodeInvalidDiscount   = "INVALID_DISCOUNT"
	CodeEmptyFloat        = "EMPTY_FLOAT"
	CodeEmptyClosingFloat = "EMPTY_CLOSING_FLOAT"
	CodeEmptyCart         = "EMPTY_CART"
	CodeMissingCompany    = "MISSING_COMPANY"

	// Conflict (409)
	CodeAlreadyOpen       = "ALREADY_OPEN"
	CodeInsufficientStock = "INSUFFICIENT_STOCK"
	CodeOutOfStock        = "OUT_OF_STOCK"
	CodeInvalidState      = "INVALID_STATE"

	// Authorization (401, 403)
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeAuthorizationFailed   = "AUTHORIZATION_FAILED"
	CodeInsufficientPrivilege = "INSUFFICIENT_PRIVILEGE"

	// Not found (404)
	CodeNotFound = "NOT_FOUND"

	// Integrity / infrastructure (500)
	CodeIntegrity = "INTEGRITY_ERROR"
	CodeInternal  = "INTERNAL_ERROR"
)

// AppError carries a machine-readable code alongside the HTTP status the API
// layer should answer with.
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	HTTPStatus int            `json:"-"`
	Err        error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches on Code, so errors.Is(err, apperror.ErrEmptyCart) works for any
// AppError carrying the same code.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

func newError(code string, status int, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

// Sentinels for errors.Is comparisons. Never return these directly, they are
// shared; use the constructors instead.
var (
	ErrInvalidInput          = newError(CodeInvalidInput, http.StatusBadRequest, "invalid input")
	ErrInvalidQuantity       = newError(CodeInvalidQuantity, http.StatusBadRequest, "invalid quantity")
	ErrInvalidDiscount       = newError(CodeInvalidDiscount, http.StatusBadRequest, "invalid discount")
	ErrEmptyFloat            = newError(CodeEmptyFloat, http.StatusBadRequest, "opening float must be greater than zero")
	ErrEmptyClosingFloat     = newError(CodeEmptyClosingFloat, http.StatusBadRequest, "closing float must be greater than zero")
	ErrEmptyCart             = newError(CodeEmptyCart, http.StatusBadRequest, "cart is empty")
	ErrMissingCompany        = newError(CodeMissingCompany, http.StatusBadRequest, "invoice sales require an active company")
	ErrAlreadyOpen           = newError(CodeAlreadyOpen, http.StatusConflict, "cashier already has an open shift")
	ErrInsufficientStock     = newError(CodeInsufficientStock, http.StatusConflict, "insufficient stock")
	ErrOutOfStock            = newError(CodeOutOfStock, http.StatusConflict, "requested quantity exceeds available stock")
	ErrInvalidState          = newError(CodeInvalidState, http.StatusConflict, "operation not allowed in current state")
	ErrUnauthorized          = newError(CodeUnauthorized, http.StatusUnauthorized, "authentication required")
	ErrAuthorizationFailed   = newError(CodeAuthorizationFailed, http.StatusUnauthorized, "authorization failed")
	ErrInsufficientPrivilege = newError(CodeInsufficientPrivilege, http.StatusForbidden, "insufficient privilege")
	ErrNotFound              = newError(CodeNotFound, http.StatusNotFound, "not found")
	ErrIntegrity             = newError(CodeIntegrity, http.StatusInternalServerError, "integrity failure")
	ErrInternal              = newError(CodeInternal, http.StatusInternalServerError, "internal server error")
)

func clone(base *AppError, message string) *AppError {
	if message == "" {
		message = base.Message
	}
	return &AppError{Code: base.Code, Message: message, HTTPStatus: base.HTTPStatus}
}

func NewInvalidInput(message string) *AppError    { return clone(ErrInvalidInput, message) }
func NewInvalidQuantity(message string) *AppError { return clone(ErrInvalidQuantity, message) }
func NewInvalidDiscount(message string) *AppError { return clone(ErrInvalidDiscount, message) }
func NewEmptyFloat() *AppError                    { return clone(ErrEmptyFloat, "") }
func NewEmptyClosingFloat() *AppError             { return clone(ErrEmptyClosingFloat, "") }
func NewEmptyCart() *AppError                     { return clone(ErrEmptyCart, "") }
func NewMissingCompany(message string) *AppError  { return clone(ErrMissingCompany, message) }
func NewAlreadyOpen(cashierID string) *AppError {
	return clone(ErrAlreadyOpen, "").WithDetail("cashier_id", cashierID)
}
func NewInvalidState(message string) *AppError { return clone(ErrInvalidState, message) }
func NewNotFound(entity string, id any) *AppError {
	return clone(ErrNotFound, fmt.Sprintf("%s not found", entity)).
		WithDetail("entity", entity).
		WithDetail("id", id)
}
func NewUnauthorized(message string) *AppError { return clone(ErrUnauthorized, message) }

// NewAuthorizationFailed never says why; callers must not learn whether the
// submitted identity exists.
func NewAuthorizationFailed() *AppError { return clone(ErrAuthorizationFailed, "") }

func NewInsufficientPrivilege(message string) *AppError {
	return clone(ErrInsufficientPrivilege, message)
}

// NewInsufficientStock reports the product that could not be decremented.
func NewInsufficientStock(productID string, requested int, available int) *AppError {
	return clone(ErrInsufficientStock, "").
		WithDetail("product_id", productID).
		WithDetail("requested", requested).
		WithDetail("available", available)
}

func NewOutOfStock(productID string, requested int, available int) *AppError {
	return clone(ErrOutOfStock, "").
		WithDetail("product_id", productID).
		WithDetail("requested", requested).
		WithDetail("available", available)
}

// NewIntegrity marks a failure that may have left state needing repair.
func NewIntegrity(kind string, err error) *AppError {
	return clone(ErrIntegrity, "").WithDetail("kind", kind).WithCause(err)
}

// NewInternal hides err from clients.
func NewInternal(err error) *AppError {
	return clone(ErrInternal, "").WithCause(err)
}

// AsAppError unwraps err into an AppError when one is in the chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HTTPStatusOf returns the status for err, 500 for anything untyped.
func HTTPStatusOf(err error) int {
	if appErr, ok := AsAppError(err); ok && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// CodeOf returns err's code or CodeInternal.
func CodeOf(err error) string {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return CodeInternal
}
