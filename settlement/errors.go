/*
errors.go - Error taxonomy for the settlement engine

PURPOSE:
  Every rejection the engine can produce, in one place. Callers branch with
  errors.Is on the sentinels; structured errors carry the numbers a UI needs
  to explain the rejection and unwrap to their sentinel.

GUARANTEE:
  Any error returned from a mutating operation means nothing was written.

SEE ALSO:
  - api/handlers.go: maps Code(err) to HTTP status
*/
package settlement

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnauthorized is returned when the caller lacks the required role.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidCoverage is returned for non-positive or unrepresentable coverage.
	ErrInvalidCoverage = errors.New("invalid coverage")

	// ErrInvalidAmount is returned for non-positive funding, thresholds and feed answers.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrPremiumMismatch is returned when the paid value differs from the quote.
	ErrPremiumMismatch = errors.New("premium mismatch")

	// ErrPolicyAlreadyActive is returned when the owner already holds an active policy.
	ErrPolicyAlreadyActive = errors.New("policy already active")

	// ErrPolicySettled is returned when repurchase after settlement is disabled.
	ErrPolicySettled = errors.New("policy already settled")

	// ErrNoActivePolicy is returned when settling an owner without an active policy.
	ErrNoActivePolicy = errors.New("no active policy")

	// ErrThresholdNotExceeded is returned when the feed is below the threshold.
	ErrThresholdNotExceeded = errors.New("threshold not exceeded")

	// ErrInsufficientTreasury is returned when the treasury cannot cover a payout in full.
	ErrInsufficientTreasury = errors.New("insufficient treasury")

	// ErrFeedUnavailable is returned when the price feed errors or reports a non-positive value.
	ErrFeedUnavailable = errors.New("feed unavailable")

	// ErrLastAdmin is returned when revoking admin from the only remaining admin.
	ErrLastAdmin = errors.New("cannot revoke the last admin")

	// ErrDuplicateRequest is returned when an idempotency key was already used.
	ErrDuplicateRequest = errors.New("duplicate request")

	// ErrInvalidPrincipal is returned for empty identities.
	ErrInvalidPrincipal = errors.New("invalid principal")

	// ErrInvalidRole is returned for unknown role names.
	ErrInvalidRole = errors.New("invalid role")

	// ErrThresholdNotSet is returned when no threshold has been configured.
	ErrThresholdNotSet = errors.New("threshold not set")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// UnauthorizedError names the caller and the roles that would have been accepted.
type UnauthorizedError struct {
	Caller   Principal
	Required []Role
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized: %s lacks role %v", e.Caller, e.Required)
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// PremiumMismatchError reports the quoted premium against the paid value.
type PremiumMismatchError struct {
	Coverage Amount
	Expected Amount
	Paid     Amount
}

func (e *PremiumMismatchError) Error() string {
	return fmt.Sprintf("premium mismatch: coverage %s requires %s, paid %s",
		e.Coverage, e.Expected, e.Paid)
}

func (e *PremiumMismatchError) Unwrap() error { return ErrPremiumMismatch }

// InsufficientTreasuryError provides details about a treasury shortfall.
type InsufficientTreasuryError struct {
	Available Amount
	Requested Amount
	Shortfall Amount
}

func (e *InsufficientTreasuryError) Error() string {
	return fmt.Sprintf("insufficient treasury: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientTreasuryError) Unwrap() error { return ErrInsufficientTreasury }

// ThresholdError reports the reading that failed the threshold comparison.
type ThresholdError struct {
	Price     Price
	Threshold Price
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("threshold not exceeded: price %s below threshold %s", e.Price, e.Threshold)
}

func (e *ThresholdError) Unwrap() error { return ErrThresholdNotExceeded }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidCoverage) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrPremiumMismatch) ||
		errors.Is(err, ErrInvalidPrincipal) ||
		errors.Is(err, ErrInvalidRole)
}

// IsConflict returns true if the error comes from the current engine state
// rather than from the request itself.
func IsConflict(err error) bool {
	return errors.Is(err, ErrPolicyAlreadyActive) ||
		errors.Is(err, ErrPolicySettled) ||
		errors.Is(err, ErrNoActivePolicy) ||
		errors.Is(err, ErrThresholdNotExceeded) ||
		errors.Is(err, ErrInsufficientTreasury) ||
		errors.Is(err, ErrLastAdmin) ||
		errors.Is(err, ErrDuplicateRequest) ||
		errors.Is(err, ErrThresholdNotSet)
}

var codes = []struct {
	err  error
	code string
}{
	{ErrUnauthorized, "unauthorized"},
	{ErrInvalidCoverage, "invalid_coverage"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrPremiumMismatch, "premium_mismatch"},
	{ErrPolicyAlreadyActive, "policy_already_active"},
	{ErrPolicySettled, "policy_settled"},
	{ErrNoActivePolicy, "no_active_policy"},
	{ErrThresholdNotExceeded, "threshold_not_exceeded"},
	{ErrInsufficientTreasury, "insufficient_treasury"},
	{ErrFeedUnavailable, "feed_unavailable"},
	{ErrLastAdmin, "last_admin"},
	{ErrDuplicateRequest, "duplicate_request"},
	{ErrInvalidPrincipal, "invalid_principal"},
	{ErrInvalidRole, "invalid_role"},
	{ErrThresholdNotSet, "threshold_not_set"},
}

// Code returns a stable machine-readable code, "internal" for unknown errors.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
