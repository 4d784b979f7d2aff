package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrInsufficientCredits       = errors.New("insufficient credits")
	ErrInvalidPackType           = errors.New("invalid pack type")
	ErrPurchaseAlreadyCompleted  = errors.New("purchase already completed")
	ErrUnknownPurchase           = errors.New("unknown purchase")
	ErrDuplicatePaymentReference = errors.New("duplicate payment reference")
	ErrRefundLimitExceeded       = errors.New("refund limit exceeded")
	ErrRefundWindowExpired       = errors.New("refund window expired")
	ErrDuplicateRefund           = errors.New("duplicate refund")
	ErrResourceNotFound          = errors.New("resource not found")
	ErrSubscriberNotFound        = errors.New("subscriber not found")
	ErrAccountNotFound           = errors.New("account not found")
	ErrUnknownReservation        = errors.New("unknown reservation")
	ErrReservationExists         = errors.New("reservation already exists")
	ErrReservationClosed         = errors.New("reservation closed")
	ErrDuplicateIdempotencyKey   = errors.New("duplicate idempotency key")
	ErrTransientStoreFailure     = errors.New("transient store failure")
	ErrCommittedBalanceRead      = errors.New("operation applied but balance read failed")
	ErrInvalidUserID             = errors.New("invalid user id")
	ErrInvalidPlanID             = errors.New("invalid plan id")
	ErrInvalidPackID             = errors.New("invalid pack id")
	ErrInvalidPaymentReference   = errors.New("invalid payment reference")
	ErrInvalidResourceID         = errors.New("invalid resource id")
	ErrInvalidFeedbackID         = errors.New("invalid feedback id")
	ErrInvalidReservationID      = errors.New("invalid reservation id")
	ErrInvalidIdempotencyKey     = errors.New("invalid idempotency key")
	ErrInvalidMetadataJSON       = errors.New("invalid metadata json")
	ErrInvalidCreditAmount       = errors.New("invalid credit amount")
	ErrInvalidCreditPool         = errors.New("invalid credit pool")
	ErrInvalidPurchaseStatus     = errors.New("invalid purchase status")
	ErrInvalidReservationStatus  = errors.New("invalid reservation status")
	ErrInvalidEntryType          = errors.New("invalid entry type")
	ErrInvalidEntryCursor        = errors.New("invalid entry cursor")
	ErrInvalidCatalog            = errors.New("invalid catalog")
	ErrInvalidServiceConfig      = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// TransientError marks cause as a retryable storage failure while keeping it inspectable.
func TransientError(cause error) error {
	if cause == nil {
		return nil
	}
	return transientError{cause: cause}
}

// IsTransient reports whether err (or anything it wraps) is a transient storage failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStoreFailure)
}

type transientError struct {
	cause error
}

func (transient transientError) Error() string {
	return fmt.Sprintf("%v: %v", ErrTransientStoreFailure, transient.cause)
}

func (transient transientError) Unwrap() []error {
	return []error{ErrTransientStoreFailure, transient.cause}
}
