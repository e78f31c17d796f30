package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Four kinds: validation, timeout, reuse of a finalized reservation and
// invariant violations. Specific errors wrap their kind so callers can
// classify with errors.Is.

var (
	// ErrValidation: the request is wrong; nothing was mutated.
	ErrValidation = errors.New("validation failed")
	// ErrConcurrencyTimeout: lock or transaction not acquired in time.
	// Nothing was committed, retrying the whole call is safe.
	ErrConcurrencyTimeout = errors.New("concurrency timeout")
	// ErrAlreadyFinalized: a reservation was ended or cancelled twice.
	ErrAlreadyFinalized = errors.New("reservation already finalized")
	// ErrInvariantViolation: non-positive amounts or negative balances.
	ErrInvariantViolation = errors.New("ledger invariant violation")
)

var (
	ErrInsufficientFunds = kindError(ErrValidation, "insufficient funds")
	ErrRewardUnavailable = kindError(ErrValidation, "reward unavailable")
	ErrWrongBuyer        = kindError(ErrValidation, "wrong buyer")
	ErrUnknownAccount    = kindError(ErrValidation, "unknown account")
	ErrUnknownProject    = kindError(ErrValidation, "unknown project")
	ErrUnknownUser       = kindError(ErrValidation, "unknown user")
	ErrUnknownReward     = kindError(ErrValidation, "unknown reward")
	ErrUnauthorized      = kindError(ErrValidation, "unauthorized")
	ErrInvalidState      = kindError(ErrValidation, "invalid result state")
)

// classified is a sentinel that also matches its kind.
type classified struct {
	kind error
	msg  string
}

func (e *classified) Error() string { return e.msg }
func (e *classified) Unwrap() error { return e.kind }

func kindError(kind error, msg string) error {
	return &classified{kind: kind, msg: msg}
}

// IsRetryable reports whether the caller may safely retry the whole call.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyTimeout)
}

// Kind returns the taxonomy bucket for err, or "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConcurrencyTimeout):
		return "timeout"
	case errors.Is(err, ErrAlreadyFinalized):
		return "already_finalized"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}

// Invariantf builds an invariant violation with detail.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}
