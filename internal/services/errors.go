package services

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared across the checkout services.
var (
	// ErrInvalidInput signals the caller provided invalid data.
	ErrInvalidInput = errors.New("checkout: invalid input")
	// ErrNotFound indicates a referenced entity could not be located.
	ErrNotFound = errors.New("checkout: not found")
	// ErrConflict indicates a duplicate or concurrent-update conflict.
	ErrConflict = errors.New("checkout: conflict")
	// ErrUnavailable indicates a downstream dependency failure.
	ErrUnavailable = errors.New("checkout: unavailable")
	// ErrIllegalTransition indicates a payment status transition outside
	// the transition table.
	ErrIllegalTransition = errors.New("payment: illegal status transition")
)

// Coupon validation error codes, matched by the storefront client.
const (
	CouponErrServiceFailure      = 6001
	CouponErrInsufficientInfo    = 6200
	CouponErrCodeInvalid         = 6201
	CouponErrCodeExpired         = 6202
	CouponErrCodeNotAvailable    = 6203
	CouponErrCodeLimitReached    = 6204
	CouponErrMinimumCartAmount   = 6205
	CouponErrUniqueEmailRequired = 6206
	CouponErrItemsNotEligible    = 6207
)

// CouponError is the structured failure returned by the apply-coupon
// pipeline: a machine code, a human message and the HTTP status the
// transport layer should use.
type CouponError struct {
	Code       int
	Message    string
	HTTPStatus int
}

func (e *CouponError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("coupon error %d: %s", e.Code, e.Message)
}

// NewCouponError builds a CouponError; status defaults to 422.
func NewCouponError(code int, status int, format string, args ...any) *CouponError {
	if status == 0 {
		status = http.StatusUnprocessableEntity
	}
	return &CouponError{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: status,
	}
}

// Order creation error codes, surfaced to the gateway on failed
// creation attempts.
const (
	OrderErrGeneral             = 2001001
	OrderErrAlreadyExists       = 2001002
	OrderErrCartExpired         = 2001003
	OrderErrItemPriceUpdated    = 2001004
	OrderErrOutOfInventory      = 2001005
	OrderErrDiscountCannotApply = 2001006
	OrderErrDiscountMissing     = 2001007
)

// OrderCreationError carries a numeric code plus structured data fields
// describing what diverged (old/new values, shortfall quantities).
type OrderCreationError struct {
	Code    int
	Message string
	Data    map[string]any
	cause   error
}

func (e *OrderCreationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("order creation error %d: %s", e.Code, e.Message)
}

func (e *OrderCreationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// NewOrderCreationError builds an OrderCreationError wrapping cause.
func NewOrderCreationError(code int, cause error, format string, args ...any) *OrderCreationError {
	return &OrderCreationError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// WithData attaches structured fields to the error and returns it.
func (e *OrderCreationError) WithData(data map[string]any) *OrderCreationError {
	if e == nil {
		return nil
	}
	e.Data = data
	return e
}

// TransitionError reports the rejected previous/next status pair.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("payment: illegal status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}
