package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service and reconciler.
var (
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidPlanID           = errors.New("invalid plan id")
	ErrInvalidExternalID       = errors.New("invalid external id")
	ErrMissingExternalID       = errors.New("missing external id")
	ErrInvalidPaymentID        = errors.New("invalid payment id")
	ErrInvalidTransactionID    = errors.New("invalid transaction id")
	ErrInvalidCredits          = errors.New("invalid credits")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidCurrency         = errors.New("invalid currency")
	ErrInvalidReason           = errors.New("invalid reason")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidPaymentStatus    = errors.New("invalid payment status")
	ErrInvalidBalance          = errors.New("invalid balance")
	ErrInvalidTransaction      = errors.New("invalid credit transaction")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrUnknownPayment          = errors.New("unknown payment")
	ErrPaymentConflict         = errors.New("payment identifier conflict")
	ErrStorageConflict         = errors.New("storage conflict")
	ErrLockNotAcquired         = errors.New("lock not acquired")
	ErrInvalidTransactionLimit = errors.New("invalid transaction limit")
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
