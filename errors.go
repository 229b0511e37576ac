package uploadgate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrQuotaExhausted      = errors.New("uploadgate: daily token quota exhausted")
	ErrInCooldown          = errors.New("uploadgate: upload cooldown active")
	ErrStoreUnavailable    = errors.New("uploadgate: admission store unavailable")
	ErrExecutorUnavailable = errors.New("uploadgate: upload executor unavailable")
	ErrInvalidUpload       = errors.New("uploadgate: invalid upload request")
)

// AdmissionError wraps a denial or failure with its decision context.
type AdmissionError struct {
	Err      error
	Identity Identity
	Decision Decision
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("uploadgate: identity=%s reason=%s tokens=%d cooldown=%ds: %v",
		e.Identity, e.Decision.Reason, e.Decision.TokensRemaining, e.Decision.CooldownRemaining, e.Err)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// Err converts a denial into an error. It returns nil for allowed decisions.
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Reason == ReasonQuotaExhausted:
		return ErrQuotaExhausted
	case d.Reason == ReasonInCooldown:
		return ErrInCooldown
	default:
		return ErrStoreUnavailable
	}
}

// IsDenied returns true if the error is a policy denial rather than a failure.
func IsDenied(err error) bool {
	return errors.Is(err, ErrQuotaExhausted) || errors.Is(err, ErrInCooldown)
}

// IsRetryable returns true if waiting and retrying the same request can succeed
// before the next day boundary.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInCooldown) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrExecutorUnavailable)
}

// storeFailure tags a ledger or tracker error so callers can match it with
// errors.Is(err, ErrStoreUnavailable).
func storeFailure(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
