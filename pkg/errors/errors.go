// Package apperrors defines the error taxonomy shared across the trading
// core. Classification drives retry and alerting behavior: transient errors
// are retried, broker rejections are terminal, ambiguous outcomes trigger
// reconciliation.
package apperrors

import "errors"

var (
	// ErrTransient marks a recoverable network or timeout failure. Retried
	// per policy.
	ErrTransient = errors.New("transient adapter error")

	// ErrAmbiguous marks a submit whose outcome is unknown (e.g. timeout with
	// no ack). The engine must reconcile against broker state before retrying.
	ErrAmbiguous = errors.New("ambiguous submit outcome")

	// ErrBrokerRejection marks a broker-level rejection. Terminal, never
	// retried.
	ErrBrokerRejection = errors.New("broker rejection")

	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOrderNotFound     = errors.New("order not found")
	ErrDuplicateOrder    = errors.New("duplicate order")
	ErrInvalidIntent     = errors.New("invalid order intent")
	ErrRiskRejected      = errors.New("rejected by risk controller")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimitExceeded)
}

// IsAmbiguous reports whether a submit outcome is unknown and needs
// reconciliation before any blind resubmission.
func IsAmbiguous(err error) bool {
	return errors.Is(err, ErrAmbiguous)
}

// IsRejection reports whether the broker rejected the order outright.
func IsRejection(err error) bool {
	return errors.Is(err, ErrBrokerRejection) || errors.Is(err, ErrInsufficientFunds)
}
