package points

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the settlement core.
var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrMissingOwner           = errors.New("transaction has no owner")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidPayoutStatus    = errors.New("invalid payout status")
	ErrInvalidPayoutType      = errors.New("invalid payout type")
	ErrInvalidGrade           = errors.New("invalid grade")
	ErrInvalidOwnerKind       = errors.New("invalid owner kind")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrInvalidRate            = errors.New("invalid rate")

	ErrUnknownReservation   = errors.New("unknown reservation")
	ErrUnknownGuest         = errors.New("unknown guest")
	ErrUnknownCast          = errors.New("unknown cast")
	ErrUnknownPayout        = errors.New("unknown payout")
	ErrReservationClosed    = errors.New("reservation already closed")
	ErrReservationNotEnded  = errors.New("reservation not ended")
	ErrPayoutStateConflict  = errors.New("payout not in required state")
	ErrNotQuarterStart      = errors.New("not the first day of a quarter")
	ErrGatewayDeclined      = errors.New("payment gateway declined")
	ErrTransferExists       = errors.New("transfer already written for reservation")
	ErrInsufficientCoverage = errors.New("guest balance cannot cover hold")
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
