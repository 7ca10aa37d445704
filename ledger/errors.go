/*
errors.go - Centralized error types for the loyalty ledger

PURPOSE:
  All error types in one place. Engines wrap these with context; the HTTP
  layer and UserMessage map them to what the user sees.

ERROR CATEGORIES:
  1. Business rejections - InsufficientPoints, OutOfStock, Validation.
     Resolved locally, surfaced immediately, never retried.
  2. Transport - NetworkFailure. The request did not confirm its outcome.
     Retryable only when no destructive step had been issued.
  3. Partial application - the fallback path failed after a destructive step.
     Compensation runs; if compensation fails too the user is sent to support.

AlreadyClaimed is NOT an error: idempotency hits are reported as
OutcomeAlreadyClaimed on a successful return.

SEE ALSO:
  - ledger.go:          Apply uses these errors
  - call.go:            maps deadlines and transport errors to ErrNetworkFailure
  - rewards/commit.go:  PartialApplicationError producers
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientPoints is returned when a debit exceeds available points.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrOutOfStock is returned when a finite-stock reward has no units left.
	ErrOutOfStock = errors.New("reward out of stock")

	// ErrValidation is returned for rule violations such as coins below the
	// checkout minimum or above the discount cap.
	ErrValidation = errors.New("validation failed")

	// ErrNetworkFailure means the backend did not confirm the outcome.
	ErrNetworkFailure = errors.New("network failure")

	// ErrPartialApplication means a multi-step operation failed after at
	// least one destructive step.
	ErrPartialApplication = errors.New("partial application")

	// ErrContactSupport is returned when compensation itself failed.
	ErrContactSupport = errors.New("compensation failed, contact support")

	// ErrDuplicateReference is returned by a Backend when (account, type,
	// reference) already exists. Ledger.Apply turns it into OutcomeAlreadyClaimed.
	ErrDuplicateReference = errors.New("duplicate transaction reference")

	// ErrAccountNotFound is returned when the account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrRewardNotFound is returned when the reward does not exist.
	ErrRewardNotFound = errors.New("reward not found")

	// ErrReferralNotFound is returned when no referral matches.
	ErrReferralNotFound = errors.New("referral not found")

	// ErrReservationNotFound is returned when no checkout discount matches.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrProcedureUnavailable is returned by an AtomicRedeemer whose stored
	// procedure is not reachable. Nothing was applied; the fallback may run.
	ErrProcedureUnavailable = errors.New("atomic procedure unavailable")

	// ErrUnavailable is returned by a Backend when the request never reached
	// the store (connection refused, closed database).
	ErrUnavailable = errors.New("backend unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientPointsError carries the exact shortfall.
type InsufficientPointsError struct {
	AccountID AccountID
	Available int64
	Requested int64
}

func (e *InsufficientPointsError) Shortfall() int64 { return e.Requested - e.Available }

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// OutOfStockError names the reward.
type OutOfStockError struct {
	RewardID RewardID
}

func (e *OutOfStockError) Error() string { return fmt.Sprintf("reward %s out of stock", e.RewardID) }
func (e *OutOfStockError) Unwrap() error { return ErrOutOfStock }

// ValidationError describes a rule violation on one field.
type ValidationError struct {
	Field  string
	Reason string
	// MaxCoins is set when a checkout discount exceeded the cap.
	MaxCoins int64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError is a shorthand constructor.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NetworkError wraps a transport failure with the operation that issued it.
type NetworkError struct {
	Op    string
	Cause error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: network failure: %v", e.Op, e.Cause) }

func (e *NetworkError) Unwrap() []error { return []error{ErrNetworkFailure, e.Cause} }

// PartialApplicationError reports a fallback step that failed after a
// destructive step, and whether compensation succeeded.
type PartialApplicationError struct {
	Step            string
	Cause           error
	Compensated     bool
	CompensationErr error
}

func (e *PartialApplicationError) Error() string {
	if e.Compensated {
		return fmt.Sprintf("partial application at %s (compensated): %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("partial application at %s, compensation failed: %v (cause: %v)",
		e.Step, e.CompensationErr, e.Cause)
}

func (e *PartialApplicationError) Unwrap() []error {
	if e.Compensated {
		return []error{ErrPartialApplication, e.Cause}
	}
	return []error{ErrPartialApplication, ErrContactSupport, e.Cause}
}

// DivergenceError reports a balance counter that disagrees with its log.
type DivergenceError struct {
	AccountID AccountID
	Counter   int64
	LogSum    int64
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("account %s diverged: counter %d, log sum %d", e.AccountID, e.Counter, e.LogSum)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry. Only
// transport failures qualify, and the caller must know no destructive step
// was issued.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkFailure) && !errors.Is(err, ErrPartialApplication)
}

// IsClientError returns true for business rejections.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrRewardNotFound) ||
		errors.Is(err, ErrReferralNotFound) ||
		errors.Is(err, ErrReservationNotFound)
}

// NeedsSupport returns true when automatic compensation failed.
func NeedsSupport(err error) bool {
	return errors.Is(err, ErrContactSupport)
}

// UserMessage renders an error the way the app shows it.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ipe *InsufficientPointsError
	var ve *ValidationError
	switch {
	case NeedsSupport(err):
		return "Something went wrong with your coins. Please contact support."
	case errors.As(err, &ipe):
		return fmt.Sprintf("You need %d more coins for this.", ipe.Shortfall())
	case errors.Is(err, ErrInsufficientPoints):
		return "You don't have enough coins for this."
	case errors.Is(err, ErrOutOfStock):
		return "This reward is out of stock."
	case errors.As(err, &ve):
		if ve.MaxCoins > 0 {
			return fmt.Sprintf("You can use at most %d coins on this order.", ve.MaxCoins)
		}
		return ve.Reason
	case errors.Is(err, ErrPartialApplication):
		return "We couldn't complete that. Your coins have been returned."
	case errors.Is(err, ErrNetworkFailure):
		return "Connection problem. Please try again."
	case IsNotFound(err):
		return "Not found."
	default:
		return "Something went wrong. Please try again."
	}
}
