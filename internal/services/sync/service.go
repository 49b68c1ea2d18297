// Package sync orchestrates data pulls from the remote accounting API.
// Identical concurrent requests for the same resource and tenant are
// deduplicated onto a single remote call, and bulk loads run sequentially
// with an enforced gap so a sync sweep never bursts the remote.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ledgerlink/internal/common"
	"github.com/ternarybob/ledgerlink/internal/interfaces"
	"github.com/ternarybob/ledgerlink/internal/models"
)

const (
	// DefaultInterCallDelay is the minimum gap between consecutive resource
	// fetches in a bulk load.
	DefaultInterCallDelay = 500 * time.Millisecond
)

// inflight tracks one in-progress fetch shared by deduplicated callers.
type inflight struct {
	done    chan struct{}
	payload json.RawMessage
	err     error
}

// Service implements interfaces.SyncService.
type Service struct {
	storage    interfaces.ConnectionStorage
	connection interfaces.ConnectionService
	tenants    interfaces.TenantService
	remote     interfaces.RemoteAPI
	limiter    interfaces.RateLimiter
	logger     arbor.ILogger

	mu       sync.Mutex
	inFlight map[string]*inflight

	interCallDelay time.Duration
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
	onResult       func(result *models.ResourceResult)
}

// Option configures the Service.
type Option func(*Service)

// WithInterCallDelay sets the gap between bulk-load fetches.
func WithInterCallDelay(d time.Duration) Option {
	return func(s *Service) {
		s.interCallDelay = d
	}
}

// WithResultListener registers a callback invoked asynchronously with every
// completed resource load, successful or not.
func WithResultListener(fn func(result *models.ResourceResult)) Option {
	return func(s *Service) {
		s.onResult = fn
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithSleeper overrides the inter-call wait. Used by tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) {
		s.sleep = sleep
	}
}

// NewService creates the sync orchestrator.
func NewService(storage interfaces.ConnectionStorage, connection interfaces.ConnectionService, tenantSvc interfaces.TenantService, remote interfaces.RemoteAPI, limiter interfaces.RateLimiter, logger arbor.ILogger, opts ...Option) *Service {
	s := &Service{
		storage:        storage,
		connection:     connection,
		tenants:        tenantSvc,
		remote:         remote,
		limiter:        limiter,
		logger:         logger,
		inFlight:       make(map[string]*inflight),
		interCallDelay: DefaultInterCallDelay,
		now:            time.Now,
		sleep:          sleepCtx,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LoadResource fetches one resource type for one tenant. A concurrent call
// for the same resource and tenant joins the in-flight fetch instead of
// issuing a second remote call, without spending additional rate-limit
// budget. Cancelling a joined caller's context
// detaches that caller only; the underlying fetch runs to completion so its
// result is available to the others.
func (s *Service) LoadResource(ctx context.Context, accountID, resourceType, tenantID string) (*models.ResourceResult, error) {
	started := s.now()

	tenant, err := s.resolveTenant(accountID, tenantID)
	if err != nil {
		return nil, err
	}

	accessToken, err := s.ensureAccessToken(ctx, accountID)
	if err != nil {
		return nil, err
	}

	payload, err := s.fetchDeduplicated(ctx, accessToken, tenant, resourceType, true)
	if errors.Is(err, models.ErrUnauthorized) {
		// The remote rejected a token we thought was live. Refresh once and
		// retry; a second rejection surfaces as-is. The retry rides on the
		// budget the first attempt already spent.
		accessToken, err = s.refreshAndReread(ctx, accountID)
		if err != nil {
			return nil, err
		}
		payload, err = s.fetchDeduplicated(ctx, accessToken, tenant, resourceType, false)
	}
	if err != nil {
		return nil, err
	}

	finished := s.now()
	result := &models.ResourceResult{
		Resource:  resourceType,
		TenantID:  tenant,
		Success:   true,
		Payload:   payload,
		FetchedAt: finished,
		Duration:  finished.Sub(started),
	}
	s.notifyResult(result)
	return result, nil
}

// LoadAll fetches the given resource types sequentially for the selected
// tenant, waiting the inter-call delay between fetches. A failed resource is
// recorded in the batch and the load moves on; only a dead connection or a
// cancelled context aborts the sweep.
func (s *Service) LoadAll(ctx context.Context, accountID string, resourceTypes []string) (*models.BatchResult, error) {
	startedAt := s.now()
	batch := &models.BatchResult{StartedAt: startedAt}

	tenant, err := s.resolveTenant(accountID, "")
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("account", accountID).
		Str("tenant", tenant).
		Int("resources", len(resourceTypes)).
		Msg("Bulk load started")

	for i, resourceType := range resourceTypes {
		if i > 0 {
			if err := s.sleep(ctx, s.interCallDelay); err != nil {
				return nil, err
			}
		}

		result, err := s.LoadResource(ctx, accountID, resourceType, tenant)
		if err != nil {
			if errors.Is(err, models.ErrReconnectionRequired) || ctx.Err() != nil {
				return nil, err
			}
			finished := s.now()
			result = &models.ResourceResult{
				Resource:  resourceType,
				TenantID:  tenant,
				Success:   false,
				Error:     err.Error(),
				FetchedAt: finished,
			}
			batch.Failed++
			s.notifyResult(result)
			s.logger.Warn().
				Str("account", accountID).
				Str("resource", resourceType).
				Str("error", err.Error()).
				Msg("Resource load failed, continuing batch")
		} else {
			batch.Succeeded++
		}
		batch.Results = append(batch.Results, *result)
	}

	batch.Duration = s.now().Sub(startedAt)

	s.logger.Info().
		Str("account", accountID).
		Int("succeeded", batch.Succeeded).
		Int("failed", batch.Failed).
		Msg("Bulk load finished")

	return batch, nil
}

// notifyResult hands a completed result to the registered listener without
// letting a slow or panicking listener block the load path.
func (s *Service) notifyResult(result *models.ResourceResult) {
	if s.onResult == nil {
		return
	}
	common.SafeGo(s.logger, "sync-result-listener", func() {
		s.onResult(result)
	})
}

// resolveTenant validates an explicit tenant against the authorized list, or
// falls back to the current selection.
func (s *Service) resolveTenant(accountID, tenantID string) (string, error) {
	if tenantID == "" {
		selected, ok := s.tenants.Selected(accountID)
		if !ok {
			return "", models.ErrNoTenantSelected
		}
		return selected.ID, nil
	}

	for _, t := range s.tenants.Tenants(accountID) {
		if t.ID == tenantID {
			return tenantID, nil
		}
	}
	return "", models.ErrUnknownTenant
}

// ensureAccessToken returns a usable access token, transparently refreshing
// an expired one exactly once. A failed refresh surfaces as
// ErrReconnectionRequired; the caller cannot loop this into a retry storm
// because the refresh itself sits behind the limiter's refresh cooldown.
func (s *Service) ensureAccessToken(ctx context.Context, accountID string) (string, error) {
	tokens, err := s.storage.GetTokenSet(ctx, accountID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return "", models.ErrNotConnected
		}
		return "", err
	}

	if !tokens.IsExpired(s.now()) {
		return tokens.AccessToken, nil
	}

	s.logger.Debug().
		Str("account", accountID).
		Msg("Access token expired, refreshing before sync")

	return s.refreshAndReread(ctx, accountID)
}

// refreshAndReread runs one token refresh and returns the replacement access
// token. Rate-limit denials and transient remote failures pass through
// untouched; a terminal refresh failure surfaces as ErrReconnectionRequired.
func (s *Service) refreshAndReread(ctx context.Context, accountID string) (string, error) {
	if err := s.connection.RefreshToken(ctx, accountID); err != nil {
		if models.IsRateLimitDenied(err) || isTransient(err) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", models.ErrReconnectionRequired, err)
	}

	tokens, err := s.storage.GetTokenSet(ctx, accountID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return "", models.ErrReconnectionRequired
		}
		return "", err
	}
	return tokens.AccessToken, nil
}

// fetchDeduplicated collapses concurrent identical fetches onto one remote
// call keyed by resource type and tenant. Rate-limit budget is spent only by
// the caller that initiates the remote call; a joined caller shares the
// initiator's permit. acquire is false on the post-refresh retry, whose
// budget was spent by the first attempt.
func (s *Service) fetchDeduplicated(ctx context.Context, accessToken, tenantID, resourceType string, acquire bool) (json.RawMessage, error) {
	key := resourceType + "|" + tenantID

	s.mu.Lock()
	if existing, ok := s.inFlight[key]; ok {
		s.mu.Unlock()
		s.logger.Debug().
			Str("resource", resourceType).
			Str("tenant", tenantID).
			Msg("Joining in-flight fetch")
		select {
		case <-existing.done:
			return existing.payload, existing.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if acquire {
		if decision := s.limiter.TryAcquire("sync:" + resourceType); !decision.Allowed {
			s.mu.Unlock()
			return nil, decision.Err("sync:" + resourceType)
		}
	}

	call := &inflight{done: make(chan struct{})}
	s.inFlight[key] = call
	s.mu.Unlock()

	// Detached from the caller's context so a joined caller still gets a
	// result when the initiating caller cancels.
	go func() {
		payload, err := s.remote.FetchResource(context.Background(), accessToken, tenantID, resourceType, url.Values{})
		call.payload = payload
		call.err = err

		s.mu.Lock()
		delete(s.inFlight, key)
		s.mu.Unlock()

		close(call.done)
	}()

	select {
	case <-call.done:
		return call.payload, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// isTransient mirrors the connection service's retryable classification.
func isTransient(err error) bool {
	return errors.Is(err, models.ErrTimeout) ||
		errors.Is(err, models.ErrRemoteUnavailable) ||
		errors.Is(err, models.ErrRateLimited)
}

// Ensure interface compliance
var _ interfaces.SyncService = (*Service)(nil)
