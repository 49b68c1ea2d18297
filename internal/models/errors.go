package models

import (
	"errors"
	"fmt"
	"time"
)

// Connection lifecycle errors. Expected failure paths return these typed
// errors; callers branch with errors.Is rather than string matching.
var (
	// ErrSettingsIncomplete is returned when clientId or redirectUri is
	// missing or blank. Never retried automatically.
	ErrSettingsIncomplete = errors.New("connection settings incomplete")

	// ErrInvalidOrExpiredState is the anti-CSRF contract: the callback nonce
	// did not match the one issued by the most recent StartAuth, or its TTL
	// elapsed.
	ErrInvalidOrExpiredState = errors.New("invalid or expired authorization state")

	// ErrUnauthorizedClient maps the provider's invalid_client rejection.
	ErrUnauthorizedClient = errors.New("client not recognized by provider")

	// ErrExpiredCode maps the provider's invalid_grant rejection on the
	// authorization code exchange.
	ErrExpiredCode = errors.New("authorization code expired or already used")

	// ErrRedirectURIMismatch is returned when the redirect URI does not match
	// the value registered with the provider.
	ErrRedirectURIMismatch = errors.New("redirect URI mismatch")

	// ErrRefreshFailed is terminal for the current TokenSet: the stored
	// refresh token was revoked or expired. Requires user re-authorization.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrReconnectionRequired is surfaced by data operations after a failed
	// transparent refresh.
	ErrReconnectionRequired = errors.New("reconnection required")

	// ErrNotConnected is returned by data operations when no usable
	// connection exists.
	ErrNotConnected = errors.New("not connected")

	ErrNoTenantSelected = errors.New("no tenant selected")
	ErrUnknownTenant    = errors.New("unknown tenant")

	// Remote API failure classes.
	ErrUnauthorized      = errors.New("remote rejected credentials")      // 401
	ErrRateLimited       = errors.New("remote rate limit exceeded")       // 429
	ErrRemoteUnavailable = errors.New("remote service unavailable")       // 5xx
	ErrTimeout           = errors.New("remote call exceeded its timeout") // deadline
)

// DenyReason explains a rate limiter denial.
type DenyReason string

const (
	DenyCooldown       DenyReason = "cooldown"
	DenyBudgetExceeded DenyReason = "budget_exceeded"
	DenyCircuitOpen    DenyReason = "circuit_open"
)

// RateLimitDeniedError is returned when the local rate limiter refuses an
// operation. It is backpressure, not a fault; callers surface at most one
// message per denial window.
type RateLimitDeniedError struct {
	Key        string
	Reason     DenyReason
	RetryAfter time.Duration
}

func (e *RateLimitDeniedError) Error() string {
	return fmt.Sprintf("rate limit denied for %q: %s (retry after %s)", e.Key, e.Reason, e.RetryAfter)
}

// IsRateLimitDenied reports whether err is a local rate limiter denial.
func IsRateLimitDenied(err error) bool {
	var denied *RateLimitDeniedError
	return errors.As(err, &denied)
}
