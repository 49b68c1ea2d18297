package interfaces

import (
	"time"

	"github.com/ternarybob/ledgerlink/internal/models"
)

// Decision is the rate limiter's answer for a single acquisition attempt.
type Decision struct {
	Allowed    bool
	Reason     models.DenyReason
	RetryAfter time.Duration
}

// Deny builds a denial decision.
func Deny(reason models.DenyReason, retryAfter time.Duration) Decision {
	return Decision{Allowed: false, Reason: reason, RetryAfter: retryAfter}
}

// Allow is the positive decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Err converts a denial into the typed error callers propagate. Returns nil
// for an allowed decision.
func (d Decision) Err(key string) error {
	if d.Allowed {
		return nil
	}
	return &models.RateLimitDeniedError{Key: key, Reason: d.Reason, RetryAfter: d.RetryAfter}
}

// RateBudgetSnapshot is a read-only view of the limiter's internal counters,
// exposed for status endpoints and tests. Never a mutation handle.
type RateBudgetSnapshot struct {
	TotalCalls      int        `json:"total_calls"`
	CircuitOpen     bool       `json:"circuit_open"`
	CircuitOpenedAt *time.Time `json:"circuit_opened_at,omitempty"`
	Keys            int        `json:"keys"`
}

// RateLimiter gatekeeps every outbound call. Decisions are made in call
// order per key; the limiter performs no I/O of its own.
type RateLimiter interface {
	// TryAcquire asks permission for one call under the given operation key
	// (e.g. "status", "refresh", "sync:invoices").
	TryAcquire(operationKey string) Decision

	// Reset closes the circuit and clears all per-key counters.
	Reset()

	// Snapshot returns the current budget counters.
	Snapshot() RateBudgetSnapshot
}
