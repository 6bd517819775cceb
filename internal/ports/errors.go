package ports

import (
	"errors"

	"tradeEngine/internal/domain"
)

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Domain errors, re-exported so adapters need only this package.
	ErrValidation        = domain.ErrValidation
	ErrInvalidOrderState = domain.ErrInvalidOrderState
	ErrSignalExpired     = domain.ErrSignalExpired
	ErrKillSwitchReason  = domain.ErrKillSwitchReason

	// Broker Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderRejected        = errors.New("order rejected by the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")

	// Stream Specific Errors
	ErrNotConnected       = errors.New("stream is not connected")
	ErrReconnectExhausted = errors.New("stream reconnect attempts exhausted")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
	ErrDeleteFailed   = errors.New("database delete failed")
)

// Reject codes recorded on orders that failed at the broker.
const (
	RejectNetwork      = "NETWORK"
	RejectTimeout      = "TIMEOUT"
	RejectRateLimited  = "RATE_LIMITED"
	RejectUnavailable  = "EXCHANGE_UNAVAILABLE"
	RejectAuth         = "AUTH"
	RejectInvalid      = "INVALID_REQUEST"
	RejectByBroker     = "REJECTED"
	RejectInsufficient = "INSUFFICIENT_BALANCE"
	RejectUnknown      = "UNKNOWN"
)

// IsRetryable reports whether a broker error is transient and the call may be repeated.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConnectionFailed),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrExchangeUnavailable):
		return true
	default:
		return false
	}
}

// RejectCode classifies a broker error into the code stored on the order.
func RejectCode(err error) string {
	switch {
	case errors.Is(err, ErrConnectionFailed):
		return RejectNetwork
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrContextCanceled):
		return RejectTimeout
	case errors.Is(err, ErrRateLimited):
		return RejectRateLimited
	case errors.Is(err, ErrExchangeUnavailable):
		return RejectUnavailable
	case errors.Is(err, ErrAuthenticationFailed), errors.Is(err, ErrInvalidAPIKeys), errors.Is(err, ErrPermissionDenied):
		return RejectAuth
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrValidation):
		return RejectInvalid
	case errors.Is(err, ErrOrderRejected):
		return RejectByBroker
	case errors.Is(err, ErrInsufficientFunds):
		return RejectInsufficient
	default:
		return RejectUnknown
	}
}
