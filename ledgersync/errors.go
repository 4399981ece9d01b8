package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrReconnectRequired = errors.New("ledger connection requires re-authorization")
	ErrClaimLost         = errors.New("sync operation already claimed")
	ErrOperationNotFound = errors.New("sync operation not found")
	ErrNotRetryable      = errors.New("sync operation is not abandoned")
)

// TransientSyncError is retried with backoff until max_retries.
type TransientSyncError struct {
	StatusCode int
	Err        error
}

func (e *TransientSyncError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient ledger error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient ledger error: %v", e.Err)
}

func (e *TransientSyncError) Unwrap() error { return e.Err }

// PermanentSyncError abandons the operation immediately.
type PermanentSyncError struct {
	StatusCode int
	Code       string
	Err        error
}

func (e *PermanentSyncError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent ledger error %s (status %d): %v", e.Code, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent ledger error %s: %v", e.Code, e.Err)
}

func (e *PermanentSyncError) Unwrap() error { return e.Err }

// RateLimitedError is backpressure: the operation is requeued without spending a retry.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("ledger rate limited, retry after %s", e.RetryAfter)
}

// AuthExpiredError halts outbound sync for the tenant until it reconnects.
type AuthExpiredError struct {
	Err error
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("ledger authorization expired: %v", e.Err)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

func permanent(code string, format string, args ...any) error {
	return &PermanentSyncError{Code: code, Err: fmt.Errorf(format, args...)}
}

// ClassifyError maps any error from a ledger call onto the sync error taxonomy.
// Unknown errors are treated as transient.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var (
		transient *TransientSyncError
		perm      *PermanentSyncError
		limited   *RateLimitedError
		auth      *AuthExpiredError
	)
	switch {
	case errors.As(err, &perm):
		return perm
	case errors.As(err, &auth):
		return auth
	case errors.As(err, &limited):
		return limited
	case errors.As(err, &transient):
		return transient
	case errors.Is(err, ErrReconnectRequired):
		return &AuthExpiredError{Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &TransientSyncError{Err: fmt.Errorf("ledger call timed out: %w", err)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientSyncError{Err: err}
	}
	return &TransientSyncError{Err: err}
}

// ClassifyStatus converts a non-2xx ledger response.
func ClassifyStatus(status int, body string, retryAfter time.Duration) error {
	cause := fmt.Errorf("%s", body)
	switch {
	case status == 401:
		return &AuthExpiredError{Err: fmt.Errorf("status %d: %s", status, body)}
	case status == 429:
		return &RateLimitedError{RetryAfter: retryAfter}
	case status == 408 || status >= 500:
		return &TransientSyncError{StatusCode: status, Err: cause}
	case status == 409:
		return &PermanentSyncError{StatusCode: status, Code: "CONFLICT", Err: cause}
	case status == 403:
		return &PermanentSyncError{StatusCode: status, Code: "FORBIDDEN", Err: cause}
	case status == 404:
		return &PermanentSyncError{StatusCode: status, Code: "NOT_FOUND", Err: cause}
	case status >= 400:
		return &PermanentSyncError{StatusCode: status, Code: "VALIDATION", Err: cause}
	default:
		return &TransientSyncError{StatusCode: status, Err: cause}
	}
}

// ErrorCode is the registry code for a classified error.
func ErrorCode(err error) string {
	var (
		transient *TransientSyncError
		perm      *PermanentSyncError
		limited   *RateLimitedError
		auth      *AuthExpiredError
	)
	switch {
	case errors.As(err, &perm):
		if perm.Code != "" {
			return perm.Code
		}
		return "PERMANENT"
	case errors.As(err, &auth):
		return "AUTH_EXPIRED"
	case errors.As(err, &limited):
		return "RATE_LIMITED"
	case errors.As(err, &transient):
		return "TRANSIENT"
	default:
		return "UNKNOWN"
	}
}
