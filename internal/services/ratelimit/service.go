// Package ratelimit gatekeeps every outbound call with per-operation
// cooldowns, a rolling per-key budget and a process-wide circuit breaker.
// It is a pure decision function over an in-memory counter table: no I/O,
// no goroutines, reset on process restart.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ledgerlink/internal/interfaces"
	"github.com/ternarybob/ledgerlink/internal/models"
)

const (
	// DefaultCooldown applies to cheap read operations (settings, status).
	DefaultCooldown = 2 * time.Second

	// DefaultRefreshCooldown applies to token refresh exchanges.
	DefaultRefreshCooldown = 5 * time.Second

	// DefaultSyncCooldown applies to bulk resource fetches ("sync:*" keys).
	DefaultSyncCooldown = 10 * time.Second

	// DefaultWindow is the rolling window for the per-key call budget.
	DefaultWindow = 30 * time.Second

	// DefaultWindowBudget is the per-key call ceiling inside one window.
	DefaultWindowBudget = 8

	// DefaultCircuitCeiling is the total call count across all keys that
	// trips the breaker.
	DefaultCircuitCeiling = 30

	// DefaultCircuitInterval is the interval the ceiling is measured over.
	DefaultCircuitInterval = 10 * time.Second

	// DefaultCircuitCooloff is how long the breaker stays open once tripped.
	DefaultCircuitCooloff = 30 * time.Second
)

// keyBudget tracks one operation key's counters.
type keyBudget struct {
	lastCallAt  time.Time
	windowStart time.Time
	callCount   int
}

// Service implements interfaces.RateLimiter.
type Service struct {
	mu     sync.Mutex
	keys   map[string]*keyBudget
	logger arbor.ILogger

	cooldowns       map[string]time.Duration
	defaultCooldown time.Duration
	syncCooldown    time.Duration
	window          time.Duration
	windowBudget    int
	circuitCeiling  int
	circuitInterval time.Duration
	circuitCooloff  time.Duration

	globalWindowStart time.Time
	globalCalls       int
	circuitOpen       bool
	circuitOpenedAt   time.Time

	now func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithCooldown sets the cooldown for a specific operation key.
func WithCooldown(key string, d time.Duration) Option {
	return func(s *Service) {
		s.cooldowns[key] = d
	}
}

// WithDefaultCooldown sets the cooldown for keys without an explicit entry.
func WithDefaultCooldown(d time.Duration) Option {
	return func(s *Service) {
		s.defaultCooldown = d
	}
}

// WithSyncCooldown sets the cooldown applied to "sync:*" keys.
func WithSyncCooldown(d time.Duration) Option {
	return func(s *Service) {
		s.syncCooldown = d
	}
}

// WithWindowBudget sets the rolling window and its per-key call ceiling.
func WithWindowBudget(window time.Duration, budget int) Option {
	return func(s *Service) {
		s.window = window
		s.windowBudget = budget
	}
}

// WithCircuit sets the breaker's total-call ceiling, measurement interval
// and cool-off period.
func WithCircuit(ceiling int, interval, cooloff time.Duration) Option {
	return func(s *Service) {
		s.circuitCeiling = ceiling
		s.circuitInterval = interval
		s.circuitCooloff = cooloff
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a rate limiter with default policy.
func NewService(logger arbor.ILogger, opts ...Option) *Service {
	s := &Service{
		keys:   make(map[string]*keyBudget),
		logger: logger,
		cooldowns: map[string]time.Duration{
			"settings": DefaultCooldown,
			"status":   DefaultCooldown,
			"refresh":  DefaultRefreshCooldown,
		},
		defaultCooldown: DefaultCooldown,
		syncCooldown:    DefaultSyncCooldown,
		window:          DefaultWindow,
		windowBudget:    DefaultWindowBudget,
		circuitCeiling:  DefaultCircuitCeiling,
		circuitInterval: DefaultCircuitInterval,
		circuitCooloff:  DefaultCircuitCooloff,
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// cooldownFor resolves the cooldown policy for an operation key.
func (s *Service) cooldownFor(key string) time.Duration {
	if d, ok := s.cooldowns[key]; ok {
		return d
	}
	if strings.HasPrefix(key, "sync:") {
		return s.syncCooldown
	}
	return s.defaultCooldown
}

// TryAcquire asks permission for one call under the given operation key.
// Denials carry a structured reason so callers can surface a precise
// message instead of retrying blindly.
func (s *Service) TryAcquire(operationKey string) interfaces.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// Circuit breaker first: once open, every key is denied until the
	// cool-off elapses or Reset is called.
	if s.circuitOpen {
		elapsed := now.Sub(s.circuitOpenedAt)
		if elapsed < s.circuitCooloff {
			return interfaces.Deny(models.DenyCircuitOpen, s.circuitCooloff-elapsed)
		}
		s.closeCircuitLocked()
	}

	// Global volume check. Volume, not latency, trips the breaker.
	if now.Sub(s.globalWindowStart) >= s.circuitInterval {
		s.globalWindowStart = now
		s.globalCalls = 0
	}
	if s.globalCalls+1 > s.circuitCeiling {
		s.circuitOpen = true
		s.circuitOpenedAt = now
		s.logger.Warn().
			Str("key", operationKey).
			Int("calls", s.globalCalls).
			Msg("Circuit breaker tripped, denying all operations")
		return interfaces.Deny(models.DenyCircuitOpen, s.circuitCooloff)
	}

	budget, ok := s.keys[operationKey]
	if !ok {
		budget = &keyBudget{windowStart: now}
		s.keys[operationKey] = budget
	}

	// Per-key cooldown.
	cooldown := s.cooldownFor(operationKey)
	if !budget.lastCallAt.IsZero() {
		since := now.Sub(budget.lastCallAt)
		if since < cooldown {
			return interfaces.Deny(models.DenyCooldown, cooldown-since)
		}
	}

	// Rolling window budget, reset lazily.
	if now.Sub(budget.windowStart) >= s.window {
		budget.windowStart = now
		budget.callCount = 0
	}
	if budget.callCount >= s.windowBudget {
		return interfaces.Deny(models.DenyBudgetExceeded, budget.windowStart.Add(s.window).Sub(now))
	}

	budget.callCount++
	budget.lastCallAt = now
	s.globalCalls++

	return interfaces.Allow()
}

// Reset closes the circuit and clears all counters. Exposed for the
// explicit operator reset endpoint.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOpen := s.circuitOpen
	s.closeCircuitLocked()

	if wasOpen {
		s.logger.Info().Msg("Circuit breaker reset")
	}
}

// closeCircuitLocked clears the breaker and all budgets. Caller holds mu.
func (s *Service) closeCircuitLocked() {
	s.circuitOpen = false
	s.circuitOpenedAt = time.Time{}
	s.globalCalls = 0
	s.globalWindowStart = s.now()
	s.keys = make(map[string]*keyBudget)
}

// Snapshot returns the current budget counters for status reporting.
func (s *Service) Snapshot() interfaces.RateBudgetSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := interfaces.RateBudgetSnapshot{
		TotalCalls:  s.globalCalls,
		CircuitOpen: s.circuitOpen,
		Keys:        len(s.keys),
	}
	if s.circuitOpen {
		openedAt := s.circuitOpenedAt
		snap.CircuitOpenedAt = &openedAt
	}
	return snap
}

// Ensure interface compliance
var _ interfaces.RateLimiter = (*Service)(nil)
