package iap

import (
	"errors"
	"fmt"
)

var (
	ErrExists   = errors.New("iap already exists")
	ErrNotFound = errors.New("iap not found")
)

// ErrorSource tags where an Error came from, for programmatic branching.
type ErrorSource string

const (
	SourceDuplicateOperation ErrorSource = "iap.duplicateOperation"
	SourceServiceUnavailable ErrorSource = "iap.serviceUnavailable"
	SourceInvalidReceipt     ErrorSource = "iap.invalidReceipt"
	SourceCancelled          ErrorSource = "iap.cancelled"
	SourceItemNotFound       ErrorSource = "iap.itemNotFound"
	SourceInvalidFormat      ErrorSource = "iap.invalidFormat"
	SourceInvalidArgument    ErrorSource = "iap.invalidArgument"
	SourceOperationFailed    ErrorSource = "iap.operationFailed"
	SourceProductFetchFailed ErrorSource = "iap.productFetchFailed"
	SourcePurchaseFailed     ErrorSource = "iap.purchaseFailed"
	SourcePurchaseDeferred   ErrorSource = "iap.purchaseDeferred"
	SourceReceiptFetchFailed ErrorSource = "iap.receiptFetchFailed"
	SourceUnknown            ErrorSource = "iap.unknown"
)

var (
	ErrDuplicateOperation = &Error{Source: SourceDuplicateOperation}
	ErrServiceUnavailable = &Error{Source: SourceServiceUnavailable}
	ErrInvalidReceipt     = &Error{Source: SourceInvalidReceipt}
	ErrCancelled          = &Error{Source: SourceCancelled}
	ErrItemNotFound       = &Error{Source: SourceItemNotFound}
	ErrInvalidFormat      = &Error{Source: SourceInvalidFormat}
	ErrInvalidArgument    = &Error{Source: SourceInvalidArgument}
	ErrOperationFailed    = &Error{Source: SourceOperationFailed}
	ErrProductFetchFailed = &Error{Source: SourceProductFetchFailed}
	ErrPurchaseFailed     = &Error{Source: SourcePurchaseFailed}
	ErrPurchaseDeferred   = &Error{Source: SourcePurchaseDeferred}
	ErrReceiptFetchFailed = &Error{Source: SourceReceiptFetchFailed}
	ErrUnknown            = &Error{Source: SourceUnknown}
)

// Error is the structured error surfaced to callers. Two Errors match under
// errors.Is when their sources are equal, so the package level Err* values
// can be used as targets for wrapped errors.
type Error struct {
	Source ErrorSource

	// Cause is the collaborator error that triggered this one, if any.
	Cause error

	// Object is the offending value, e.g. a product ID or a status code.
	Object any
}

func NewError(source ErrorSource, cause error, object any) *Error {
	return &Error{Source: source, Cause: cause, Object: object}
}

// WrapError tags err with source unless it already carries a source.
func WrapError(err error, source ErrorSource) error {
	if err == nil {
		return nil
	}
	var iapErr *Error
	if errors.As(err, &iapErr) {
		return err
	}
	return &Error{Source: source, Cause: err}
}

func (e *Error) Error() string {
	msg := string(e.Source)
	if e.Object != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Object)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Source == e.Source
}

// SourceOf returns the source of the first *Error in err's chain.
func SourceOf(err error) ErrorSource {
	var iapErr *Error
	if errors.As(err, &iapErr) {
		return iapErr.Source
	}
	if err == nil {
		return ""
	}
	return SourceUnknown
}
