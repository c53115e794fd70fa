package iap

import (
	"errors"
	"fmt"
)

// Kind classifies an error independently of the vendor code that produced it.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindServiceNotReady
	KindServiceUnavailable
	KindProductNotFound
	KindInvalidArgument
	KindRequestAlreadyInProgress
	KindFinishNotAllowed
	KindNothingToConsume
	KindUserCancelled
	KindAlreadyOwned
	KindNotImplemented

	// KindVendor covers mapped vendor codes that have no dedicated kind.
	KindVendor
)

func (k Kind) String() string {
	switch k {
	case KindServiceNotReady:
		return "service_not_ready"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindProductNotFound:
		return "product_not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindRequestAlreadyInProgress:
		return "request_already_in_progress"
	case KindFinishNotAllowed:
		return "finish_not_allowed"
	case KindNothingToConsume:
		return "nothing_to_consume"
	case KindUserCancelled:
		return "user_cancelled"
	case KindAlreadyOwned:
		return "already_owned"
	case KindNotImplemented:
		return "not_implemented"
	case KindVendor:
		return "vendor"
	default:
		return "unknown"
	}
}

// Code is the stable machine-readable error code reported to the application.
type Code string

const (
	CodeUnknown                  Code = "E_UNKNOWN"
	CodeServiceNotReady          Code = "E_SERVICE_NOT_READY"
	CodeServiceUnavailable       Code = "E_SERVICE_UNAVAILABLE"
	CodeProductNotFound          Code = "E_IN_APP_PURCHASE_MISSING"
	CodeMissingArgument          Code = "E_MISSING_ARGUMENT"
	CodeRequestAlreadyInProgress Code = "E_REQUEST_PROCESSING"
	CodeFinishNotAllowed         Code = "E_FINISH_TRANSACTION"
	CodeNothingToConsume         Code = "E_CONSUMED_ALL"
	CodeUserCancelled            Code = "E_USER_CANCELLED"
	CodeAlreadyOwned             Code = "E_ITEM_ALREADY_OWNED"
	CodeNotImplemented           Code = "E_NOT_IMPLEMENTED"
	CodeReceipt                  Code = "E_RECEIPT_ERROR"
)

// Error is the normalized error shape shared by operation results and
// purchase-error events. DebugMessage is passed through from the vendor
// verbatim and must never drive control flow.
type Error struct {
	Kind         Kind
	Code         Code
	Message      string
	DebugMessage string
	ProductID    string

	// VendorCode is the raw vendor code when the error came from the vendor.
	VendorCode *int

	cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.DebugMessage != "" {
		msg += " (" + e.DebugMessage + ")"
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors of the same kind, so callers can compare against the
// package sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind == KindVendor || e.Kind == KindUnknown {
		return e.Kind == t.Kind && e.Code == t.Code
	}
	return e.Kind == t.Kind
}

// WithDebug returns a copy of e carrying a vendor diagnostic message.
func (e *Error) WithDebug(debugMessage string) *Error {
	cloned := *e
	cloned.DebugMessage = debugMessage
	return &cloned
}

// WithProduct returns a copy of e correlated with a product id.
func (e *Error) WithProduct(productID string) *Error {
	cloned := *e
	cloned.ProductID = productID
	return &cloned
}

// WithCause returns a copy of e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	cloned := *e
	cloned.cause = cause
	return &cloned
}

func NewError(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrUnknown                  = NewError(KindUnknown, CodeUnknown, "Unknown error.")
	ErrServiceNotReady          = NewError(KindServiceNotReady, CodeServiceNotReady, "Please initialize the service before use.")
	ErrServiceUnavailable       = NewError(KindServiceUnavailable, CodeServiceUnavailable, "The purchase service is unavailable.")
	ErrProductNotFound          = NewError(KindProductNotFound, CodeProductNotFound, "In app purchase with provided sku is missing in cache, fetch products first.")
	ErrInvalidArgument          = NewError(KindInvalidArgument, CodeMissingArgument, "Missing argument or not correct argument type.")
	ErrRequestAlreadyInProgress = NewError(KindRequestAlreadyInProgress, CodeRequestAlreadyInProgress, "Previous request is not finished yet.")
	ErrFinishNotAllowed         = NewError(KindFinishNotAllowed, CodeFinishNotAllowed, "Can't finish a transaction in pending state.")
	ErrNothingToConsume         = NewError(KindNothingToConsume, CodeNothingToConsume, "No items to consume available.")
	ErrUserCancelled            = NewError(KindUserCancelled, CodeUserCancelled, "User cancelled the request.")
	ErrAlreadyOwned             = NewError(KindAlreadyOwned, CodeAlreadyOwned, "Failure to purchase since item is already owned.")
	ErrNotImplemented           = NewError(KindNotImplemented, CodeNotImplemented, "Operation is not supported on this platform.")
)

// InvalidArgument returns an argument error with a specific message.
func InvalidArgument(format string, args ...any) *Error {
	err := *ErrInvalidArgument
	err.Message = fmt.Sprintf(format, args...)
	return &err
}

// AsError extracts the normalized error from err, wrapping anything else as
// an unknown error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var iapErr *Error
	if errors.As(err, &iapErr) {
		return iapErr
	}
	return ErrUnknown.WithCause(err)
}
