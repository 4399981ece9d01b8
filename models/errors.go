package models

import "errors"

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	// reason code for invoiced orders skipped by delete
	ErrAlreadyInvoiced   = errors.New("order already invoiced")
	ErrOrderNotFound     = errors.New("order not found")
	ErrEntityNotFound    = errors.New("entity not found")
	ErrForbidden         = errors.New("forbidden")
	ErrOverpayment       = errors.New("payment exceeds amount due")
	ErrJobNotFound       = errors.New("batch job not found")
	ErrJobNotCancellable = errors.New("batch job cannot be cancelled")
	ErrInvalidInput      = errors.New("invalid input")
)

// ErrorCode maps lifecycle errors to stable codes for batch results and HTTP responses.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrAlreadyInvoiced):
		return "ALREADY_INVOICED"
	case errors.Is(err, ErrOrderNotFound):
		return "ORDER_NOT_FOUND"
	case errors.Is(err, ErrEntityNotFound):
		return "ENTITY_NOT_FOUND"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrOverpayment):
		return "OVERPAYMENT"
	case errors.Is(err, ErrJobNotFound):
		return "JOB_NOT_FOUND"
	case errors.Is(err, ErrJobNotCancellable):
		return "JOB_NOT_CANCELLABLE"
	case errors.Is(err, ErrInvalidInput):
		return "INVALID_INPUT"
	default:
		return "INTERNAL"
	}
}
