package acquire

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy shared by every pipeline component. Classify with errors.Is.
var (
	// ErrCredentialMissing is informational: no credential source was set.
	ErrCredentialMissing = errors.New("credential missing")
	// ErrTierBlocked means a tier returned an anti-bot challenge or a blocking status.
	ErrTierBlocked = errors.New("tier blocked")
	// ErrTierUnavailable means a tier is not configured or cannot serve this request.
	ErrTierUnavailable = errors.New("tier unavailable")
	// ErrAllTiersExhausted means no permitted tier produced usable content.
	ErrAllTiersExhausted = errors.New("all tiers exhausted")
	// ErrExtractionEmpty means no extraction strategy matched.
	ErrExtractionEmpty = errors.New("extraction empty")
	// ErrProducerFailed is returned by the dedup cache when the shared producer failed.
	ErrProducerFailed = errors.New("producer failed")
)

// FailureReason classifies a tier failure.
type FailureReason string

// Tier failure reasons.
const (
	ReasonBlocked     FailureReason = "blocked"
	ReasonInvalid     FailureReason = "invalid_content"
	ReasonTransport   FailureReason = "transport"
	ReasonUnavailable FailureReason = "unavailable"
)

// TierError wraps a single tier failure.
type TierError struct {
	Tier   Tier
	Reason FailureReason
	Err    error
}

func (e *TierError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s tier %s", e.Tier, e.Reason)
	}
	return fmt.Sprintf("%s tier %s: %v", e.Tier, e.Reason, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TierError) Unwrap() error {
	return e.Err
}

// Is matches ErrTierBlocked and ErrTierUnavailable by reason.
func (e *TierError) Is(target error) bool {
	switch target {
	case ErrTierBlocked:
		return e.Reason == ReasonBlocked
	case ErrTierUnavailable:
		return e.Reason == ReasonUnavailable
	default:
		return false
	}
}

// Outcome maps the failure reason to the attempt outcome recorded for it.
func (e *TierError) Outcome() AttemptOutcome {
	switch e.Reason {
	case ReasonBlocked:
		return OutcomeBlocked
	case ReasonInvalid:
		return OutcomeInvalid
	case ReasonUnavailable:
		return OutcomeUnavailable
	default:
		return OutcomeFailed
	}
}

// NewTierError builds a TierError.
func NewTierError(tier Tier, reason FailureReason, err error) *TierError {
	return &TierError{Tier: tier, Reason: reason, Err: err}
}

// ExhaustedError is returned when every permitted tier failed.
type ExhaustedError struct {
	LastTier Tier
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s=%s", a.Tier, a.Outcome))
	}
	return fmt.Sprintf("all tiers exhausted (last %s) [%s]", e.LastTier, strings.Join(parts, " "))
}

// Is matches ErrAllTiersExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllTiersExhausted
}
