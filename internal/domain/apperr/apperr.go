// Package apperr defines the coded error type shared by the domain packages.
//
// Every domain failure carries a stable Code and a human-readable message.
// Errors compare by code, so a detailed error built with Errorf still matches
// the package-level sentinel for the same code under errors.Is.
package apperr

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Code is a stable, machine-readable error identifier.
type Code string

// Validation codes.
const (
	// CodeInvalidMoney reports an unparsable amount or unknown currency.
	CodeInvalidMoney Code = "INVALID_MONEY"
	// CodeCurrencyMismatch reports arithmetic across currencies.
	CodeCurrencyMismatch Code = "CURRENCY_MISMATCH"
	// CodeInvalidQuantity reports a non-positive quantity.
	CodeInvalidQuantity Code = "INVALID_QUANTITY"
	// CodeEmptyOrder reports an order without line items.
	CodeEmptyOrder Code = "EMPTY_ORDER"
	// CodeMixedEstablishmentOrder reports items of several establishments.
	CodeMixedEstablishmentOrder Code = "MIXED_ESTABLISHMENT_ORDER"
)

// Conflict codes.
const (
	// CodeProductUnavailable reports an inactive or sold-out product.
	CodeProductUnavailable Code = "PRODUCT_UNAVAILABLE"
	// CodeInsufficientStock reports a request above the stock on hand.
	CodeInsufficientStock Code = "INSUFFICIENT_STOCK"
	// CodeCouponExpired reports a coupon used after its expiry.
	CodeCouponExpired Code = "COUPON_EXPIRED"
	// CodeCouponNotApplicable reports an inactive coupon or unmet condition.
	CodeCouponNotApplicable Code = "COUPON_NOT_APPLICABLE"
	// CodeCouponExhausted reports a coupon at its usage limit.
	CodeCouponExhausted Code = "COUPON_EXHAUSTED"
	// CodeOrderNotEditable reports an edit after payment.
	CodeOrderNotEditable Code = "ORDER_NOT_EDITABLE"
	// CodeInvalidTransition reports a status change the lifecycle forbids.
	CodeInvalidTransition Code = "INVALID_TRANSITION"
)

// CodeConcurrentStockConflict reports a unit of work that lost a race with
// a concurrent one.
const CodeConcurrentStockConflict Code = "CONCURRENT_STOCK_CONFLICT"

// Not-found codes.
const (
	CodeOrderNotFound    Code = "ORDER_NOT_FOUND"
	CodeProductNotFound  Code = "PRODUCT_NOT_FOUND"
	CodeCouponNotFound   Code = "COUPON_NOT_FOUND"
	CodeLineItemNotFound Code = "LINE_ITEM_NOT_FOUND"
)

// Kind groups codes by how callers are expected to react.
type Kind int

const (
	// KindUnknown is returned for codes outside the taxonomy.
	KindUnknown Kind = iota
	// KindValidation errors are fixed by the caller correcting its input.
	KindValidation
	// KindConflict errors report a business rule rejecting the operation.
	KindConflict
	// KindConcurrency errors are retried internally before surfacing.
	KindConcurrency
	// KindNotFound errors report a missing entity.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindConcurrency:
		return "concurrency"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Kind returns the taxonomy group of the code.
func (c Code) Kind() Kind {
	switch c {
	case CodeInvalidMoney, CodeCurrencyMismatch, CodeInvalidQuantity,
		CodeEmptyOrder, CodeMixedEstablishmentOrder:
		return KindValidation
	case CodeProductUnavailable, CodeInsufficientStock, CodeCouponExpired,
		CodeCouponNotApplicable, CodeCouponExhausted, CodeOrderNotEditable,
		CodeInvalidTransition:
		return KindConflict
	case CodeConcurrentStockConflict:
		return KindConcurrency
	case CodeOrderNotFound, CodeProductNotFound, CodeCouponNotFound, CodeLineItemNotFound:
		return KindNotFound
	default:
		return KindUnknown
	}
}

// Error is a domain error with a stable code.
type Error struct {
	Code    Code
	Message string
}

// New returns an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Errorf returns an Error with the given code and a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the code of the first *Error in the chain.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// KindOf returns the taxonomy group of err, or KindUnknown for
// infrastructure errors.
func KindOf(err error) Kind {
	code, ok := CodeOf(err)
	if !ok {
		return KindUnknown
	}
	return code.Kind()
}

// IsRetryable reports whether err is a concurrency conflict that the
// operation may be retried for.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConcurrency
}
