// Package connection owns the OAuth2 connection lifecycle for local
// accounts: authorize, callback, refresh, disconnect and status. Every
// mutating operation on one account runs under that account's mutex so a
// concurrent refresh and callback can never interleave and corrupt the
// stored token set. Status reads are lock-free snapshots.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ledgerlink/internal/interfaces"
	"github.com/ternarybob/ledgerlink/internal/models"
)

const (
	// DefaultRefreshAhead is the margin before expiry inside which a status
	// check proactively refreshes the token.
	DefaultRefreshAhead = 5 * time.Minute

	// DefaultNonceTTL bounds how long an authorization redirect may remain
	// pending before its state nonce expires.
	DefaultNonceTTL = 10 * time.Minute
)

// accountState carries the in-memory lifecycle for one account.
type accountState struct {
	mu                sync.Mutex
	state             models.ConnectionState
	message           string
	needsReconnection bool
	snapshot          atomic.Pointer[models.ConnectionStatus]
}

// Service implements interfaces.ConnectionService.
type Service struct {
	storage  interfaces.ConnectionStorage
	remote   interfaces.RemoteAPI
	tenants  interfaces.TenantService
	limiter  interfaces.RateLimiter
	validate *validator.Validate
	logger   arbor.ILogger

	mu       sync.Mutex
	accounts map[string]*accountState

	listeners []interfaces.StatusListener

	refreshAhead time.Duration
	nonceTTL     time.Duration
	now          func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithRefreshAhead sets the proactive refresh margin.
func WithRefreshAhead(d time.Duration) Option {
	return func(s *Service) {
		s.refreshAhead = d
	}
}

// WithNonceTTL sets the authorization state nonce lifetime.
func WithNonceTTL(d time.Duration) Option {
	return func(s *Service) {
		s.nonceTTL = d
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates the connection state machine.
func NewService(storage interfaces.ConnectionStorage, remote interfaces.RemoteAPI, tenantSvc interfaces.TenantService, limiter interfaces.RateLimiter, logger arbor.ILogger, opts ...Option) *Service {
	s := &Service{
		storage:      storage,
		remote:       remote,
		tenants:      tenantSvc,
		limiter:      limiter,
		validate:     validator.New(),
		logger:       logger,
		accounts:     make(map[string]*accountState),
		refreshAhead: DefaultRefreshAhead,
		nonceTTL:     DefaultNonceTTL,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// OnStatusChange registers a listener invoked after every transition.
// Must be called before the service is shared across goroutines.
func (s *Service) OnStatusChange(fn interfaces.StatusListener) {
	s.listeners = append(s.listeners, fn)
}

// account returns the in-memory state for an account, creating it on first
// use.
func (s *Service) account(accountID string) *accountState {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		acct = &accountState{state: models.StateNotConfigured}
		s.accounts[accountID] = acct
	}
	return acct
}

// StartAuth validates settings, issues a fresh anti-forgery nonce and
// returns the provider authorization URL.
func (s *Service) StartAuth(ctx context.Context, accountID string) (string, error) {
	acct := s.account(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	settings, err := s.storage.GetSettings(ctx, accountID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return "", models.ErrSettingsIncomplete
		}
		return "", err
	}
	if !settings.IsComplete() {
		return "", models.ErrSettingsIncomplete
	}

	now := s.now()
	state := &models.AuthState{
		Nonce:     uuid.New().String(),
		AccountID: accountID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.nonceTTL),
	}
	if err := s.storage.SaveAuthState(ctx, state); err != nil {
		return "", fmt.Errorf("failed to persist auth state: %w", err)
	}

	authorizeURL := s.remote.BuildAuthorizeURL(settings, state.Nonce)

	s.transitionLocked(acct, accountID, models.StateAuthorizing, "awaiting provider callback")

	s.logger.Info().
		Str("account", accountID).
		Msg("Authorization started")

	return authorizeURL, nil
}

// HandleCallback verifies the nonce, exchanges the authorization code and
// brings the account to Connected. The nonce is consumed whether or not the
// exchange succeeds; a rejected exchange leaves stored state untouched and
// moves the account to Error until a new authorization is started.
func (s *Service) HandleCallback(ctx context.Context, code, stateNonce string) (*models.ConnectionStatus, error) {
	if decision := s.limiter.TryAcquire("callback"); !decision.Allowed {
		return nil, decision.Err("callback")
	}

	authState, err := s.storage.ConsumeAuthState(ctx, stateNonce)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, models.ErrInvalidOrExpiredState
		}
		return nil, err
	}
	if authState.Expired(s.now()) {
		return nil, models.ErrInvalidOrExpiredState
	}

	accountID := authState.AccountID
	acct := s.account(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	settings, err := s.storage.GetSettings(ctx, accountID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, models.ErrSettingsIncomplete
		}
		return nil, err
	}

	tokens, tenantList, err := s.remote.ExchangeCode(ctx, settings, code)
	if err != nil {
		s.transitionLocked(acct, accountID, models.StateError, "authorization code exchange rejected: "+err.Error())
		s.logger.Warn().
			Str("account", accountID).
			Str("error", err.Error()).
			Msg("Authorization code exchange rejected")
		return nil, err
	}

	if err := s.storage.SaveTokenSet(ctx, accountID, tokens); err != nil {
		return nil, fmt.Errorf("failed to persist token set: %w", err)
	}
	if err := s.storage.SaveTenants(ctx, accountID, tenantList); err != nil {
		return nil, fmt.Errorf("failed to persist tenants: %w", err)
	}
	s.tenants.SetTenants(accountID, tenantList)

	acct.needsReconnection = false
	status := s.transitionLocked(acct, accountID, models.StateConnected, "")

	s.logger.Info().
		Str("account", accountID).
		Int("tenants", len(tenantList)).
		Msg("Connection established")

	return status, nil
}

// RefreshToken exchanges the stored refresh token for a new token set. On a
// terminal rejection the token set is cleared and the account drops to
// Disconnected with NeedsReconnection set; transient remote failures leave
// stored state untouched and park the account in Error so the caller can
// retry after its cooldown. The account reads as Reconnecting for the
// duration of the exchange.
func (s *Service) RefreshToken(ctx context.Context, accountID string) error {
	if decision := s.limiter.TryAcquire("refresh"); !decision.Allowed {
		return decision.Err("refresh")
	}

	acct := s.account(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	return s.refreshLocked(ctx, acct, accountID)
}

// refreshLocked performs the refresh exchange. Caller holds acct.mu.
func (s *Service) refreshLocked(ctx context.Context, acct *accountState, accountID string) error {
	settings, err := s.storage.GetSettings(ctx, accountID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return models.ErrSettingsIncomplete
		}
		return err
	}

	tokens, err := s.storage.GetTokenSet(ctx, accountID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return models.ErrNotConnected
		}
		return err
	}
	if tokens.RefreshToken == "" {
		return models.ErrNotConnected
	}

	s.transitionLocked(acct, accountID, models.StateReconnecting, "refresh exchange in progress")

	fresh, err := s.remote.ExchangeRefreshToken(ctx, settings, tokens.RefreshToken)
	if err != nil {
		if isTransient(err) {
			s.transitionLocked(acct, accountID, models.StateError, "token refresh failed: "+err.Error())
			s.logger.Warn().
				Str("account", accountID).
				Str("error", err.Error()).
				Msg("Token refresh failed transiently, keeping token set")
			return err
		}

		// Terminal: the refresh token is dead. Never limp along on it.
		if clearErr := s.storage.ClearTokenSet(ctx, accountID); clearErr != nil {
			s.logger.Error().Err(clearErr).Str("account", accountID).Msg("Failed to clear token set")
		}
		acct.needsReconnection = true
		s.transitionLocked(acct, accountID, models.StateDisconnected, "refresh token rejected, reconnection required")

		s.logger.Warn().
			Str("account", accountID).
			Str("error", err.Error()).
			Msg("Token refresh rejected, account disconnected")

		return fmt.Errorf("%w: %v", models.ErrRefreshFailed, err)
	}

	// Replace wholesale, never patch.
	if err := s.storage.SaveTokenSet(ctx, accountID, fresh); err != nil {
		return fmt.Errorf("failed to persist refreshed token set: %w", err)
	}

	acct.needsReconnection = false
	s.transitionLocked(acct, accountID, models.StateConnected, "")

	s.logger.Info().
		Str("account", accountID).
		Msg("Token set refreshed")

	return nil
}

// Disconnect clears the token set and tenant list. Idempotent.
func (s *Service) Disconnect(ctx context.Context, accountID string) error {
	acct := s.account(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if err := s.storage.ClearTokenSet(ctx, accountID); err != nil {
		return err
	}
	if err := s.storage.ClearTenants(ctx, accountID); err != nil {
		return err
	}
	s.tenants.Clear(accountID)

	acct.needsReconnection = false
	s.transitionLocked(acct, accountID, models.StateDisconnected, "")

	s.logger.Info().
		Str("account", accountID).
		Msg("Disconnected")

	return nil
}

// CheckStatus recomputes the connection status from the stored token set
// versus wall-clock time. The only remote call it may make is a proactive
// refresh when expiry falls inside the refresh-ahead margin. When the rate
// limiter denies the check, the last snapshot is returned unchanged:
// backpressure is invisible, not an error.
func (s *Service) CheckStatus(ctx context.Context, accountID string) (*models.ConnectionStatus, error) {
	acct := s.account(accountID)

	if decision := s.limiter.TryAcquire("status"); !decision.Allowed {
		if cached := acct.snapshot.Load(); cached != nil {
			return cached, nil
		}
		return nil, decision.Err("status")
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	settings, err := s.storage.GetSettings(ctx, accountID)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return nil, err
	}
	if settings == nil || !settings.IsComplete() {
		return s.transitionLocked(acct, accountID, models.StateNotConfigured, "connection settings missing"), nil
	}

	tokens, err := s.storage.GetTokenSet(ctx, accountID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			msg := ""
			if acct.needsReconnection {
				msg = "reconnection required"
			}
			return s.transitionLocked(acct, accountID, models.StateDisconnected, msg), nil
		}
		return nil, err
	}

	now := s.now()
	if tokens.ExpiresWithin(now, s.refreshAhead) {
		// Refresh ahead of expiry, still gated by the limiter so a caller
		// polling status cannot turn into a refresh storm.
		if decision := s.limiter.TryAcquire("refresh"); decision.Allowed {
			if err := s.refreshLocked(ctx, acct, accountID); err == nil {
				return acct.snapshot.Load(), nil
			} else if errors.Is(err, models.ErrRefreshFailed) {
				return acct.snapshot.Load(), nil
			}
			// Transient refresh failure: fall through and report from the
			// token set we still hold.
		}
		if tokens.IsExpired(now) {
			return s.transitionLocked(acct, accountID, models.StateTokenExpired, "access token expired"), nil
		}
	}

	if tokens.IsExpired(now) {
		return s.transitionLocked(acct, accountID, models.StateTokenExpired, "access token expired"), nil
	}
	return s.transitionLocked(acct, accountID, models.StateConnected, ""), nil
}

// SaveSettings validates and persists the OAuth2 client settings.
func (s *Service) SaveSettings(ctx context.Context, settings *models.ConnectionSettings) error {
	if decision := s.limiter.TryAcquire("settings"); !decision.Allowed {
		return decision.Err("settings")
	}

	if err := s.validate.Struct(settings); err != nil {
		return fmt.Errorf("%w: %v", models.ErrSettingsIncomplete, err)
	}

	acct := s.account(settings.AccountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	now := s.now()
	existing, err := s.storage.GetSettings(ctx, settings.AccountID)
	if err == nil {
		settings.CreatedAt = existing.CreatedAt
	} else {
		settings.CreatedAt = now
	}
	settings.UpdatedAt = now

	if err := s.storage.SaveSettings(ctx, settings); err != nil {
		return err
	}

	if acct.state == models.StateNotConfigured {
		s.transitionLocked(acct, settings.AccountID, models.StateDisconnected, "")
	}

	s.logger.Info().
		Str("account", settings.AccountID).
		Str("client_id", settings.ClientID).
		Msg("Connection settings saved")

	return nil
}

// GetSettings returns the stored settings with the client secret redacted.
func (s *Service) GetSettings(ctx context.Context, accountID string) (*models.ConnectionSettings, error) {
	settings, err := s.storage.GetSettings(ctx, accountID)
	if err != nil {
		return nil, err
	}
	redacted := settings.Redacted()
	return &redacted, nil
}

// DeleteSettings disconnects the account and removes its settings.
func (s *Service) DeleteSettings(ctx context.Context, accountID string) error {
	acct := s.account(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if err := s.storage.ClearTokenSet(ctx, accountID); err != nil {
		return err
	}
	if err := s.storage.ClearTenants(ctx, accountID); err != nil {
		return err
	}
	s.tenants.Clear(accountID)

	if err := s.storage.DeleteSettings(ctx, accountID); err != nil {
		return err
	}

	acct.needsReconnection = false
	s.transitionLocked(acct, accountID, models.StateNotConfigured, "")

	s.logger.Info().
		Str("account", accountID).
		Msg("Connection settings deleted")

	return nil
}

// transitionLocked moves the account to a new state, publishes a fresh
// snapshot and notifies listeners. Caller holds acct.mu.
func (s *Service) transitionLocked(acct *accountState, accountID string, state models.ConnectionState, message string) *models.ConnectionStatus {
	if acct.state != state {
		s.logger.Debug().
			Str("account", accountID).
			Str("from", string(acct.state)).
			Str("to", string(state)).
			Msg("Connection state transition")
	}
	acct.state = state
	acct.message = message

	status := s.buildStatus(acct, accountID)
	acct.snapshot.Store(status)

	for _, fn := range s.listeners {
		fn(status)
	}
	return status
}

// buildStatus assembles the derived status view.
func (s *Service) buildStatus(acct *accountState, accountID string) *models.ConnectionStatus {
	status := &models.ConnectionStatus{
		AccountID:         accountID,
		State:             acct.state,
		Message:           acct.message,
		NeedsReconnection: acct.needsReconnection,
		CheckedAt:         s.now(),
	}

	for _, t := range s.tenants.Tenants(accountID) {
		status.TenantIDs = append(status.TenantIDs, t.ID)
	}
	if selected, ok := s.tenants.Selected(accountID); ok {
		status.SelectedTenantID = selected.ID
	}

	if tokens, err := s.storage.GetTokenSet(context.Background(), accountID); err == nil {
		expiresAt := tokens.ExpiresAt()
		status.ExpiresAt = &expiresAt
	}
	return status
}

// isTransient reports whether a remote failure is retryable by the caller
// after its cooldown rather than terminal for the token set.
func isTransient(err error) bool {
	return errors.Is(err, models.ErrTimeout) ||
		errors.Is(err, models.ErrRemoteUnavailable) ||
		errors.Is(err, models.ErrRateLimited)
}

// Ensure interface compliance
var _ interfaces.ConnectionService = (*Service)(nil)
