package sync

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ledgerlink/internal/interfaces"
	"github.com/ternarybob/ledgerlink/internal/models"
	"github.com/ternarybob/ledgerlink/internal/services/ratelimit"
	"github.com/ternarybob/ledgerlink/internal/services/tenants"
)

const account = "acct-1"

// tokenStore is a minimal ConnectionStorage fake backing only the token
// operations the sync path touches.
type tokenStore struct {
	mu     sync.Mutex
	tokens *models.TokenSet
}

func (t *tokenStore) GetTokenSet(ctx context.Context, accountID string) (*models.TokenSet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tokens == nil {
		return nil, interfaces.ErrNotFound
	}
	cp := *t.tokens
	return &cp, nil
}

func (t *tokenStore) SaveTokenSet(ctx context.Context, accountID string, tokens *models.TokenSet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *tokens
	t.tokens = &cp
	return nil
}

func (t *tokenStore) ClearTokenSet(ctx context.Context, accountID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = nil
	return nil
}

func (t *tokenStore) GetSettings(ctx context.Context, accountID string) (*models.ConnectionSettings, error) {
	return nil, interfaces.ErrNotFound
}
func (t *tokenStore) SaveSettings(ctx context.Context, settings *models.ConnectionSettings) error {
	return nil
}
func (t *tokenStore) DeleteSettings(ctx context.Context, accountID string) error { return nil }
func (t *tokenStore) GetTenants(ctx context.Context, accountID string) ([]models.Tenant, error) {
	return nil, nil
}
func (t *tokenStore) SaveTenants(ctx context.Context, accountID string, list []models.Tenant) error {
	return nil
}
func (t *tokenStore) ClearTenants(ctx context.Context, accountID string) error { return nil }
func (t *tokenStore) SaveAuthState(ctx context.Context, state *models.AuthState) error {
	return nil
}
func (t *tokenStore) ConsumeAuthState(ctx context.Context, nonce string) (*models.AuthState, error) {
	return nil, interfaces.ErrNotFound
}

// fakeConnection stubs the refresh path of the connection service.
type fakeConnection struct {
	store        *tokenStore
	refreshErr   error
	refreshCalls int
}

func (f *fakeConnection) RefreshToken(ctx context.Context, accountID string) error {
	f.refreshCalls++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	return f.store.SaveTokenSet(ctx, accountID, &models.TokenSet{
		AccessToken:  "access-refreshed",
		RefreshToken: "refresh-rotated",
		TokenType:    "Bearer",
		IssuedAt:     time.Now(),
		ExpiresIn:    1800,
	})
}

func (f *fakeConnection) StartAuth(ctx context.Context, accountID string) (string, error) {
	return "", nil
}
func (f *fakeConnection) HandleCallback(ctx context.Context, code, stateNonce string) (*models.ConnectionStatus, error) {
	return nil, nil
}
func (f *fakeConnection) Disconnect(ctx context.Context, accountID string) error { return nil }
func (f *fakeConnection) CheckStatus(ctx context.Context, accountID string) (*models.ConnectionStatus, error) {
	return nil, nil
}
func (f *fakeConnection) SaveSettings(ctx context.Context, settings *models.ConnectionSettings) error {
	return nil
}
func (f *fakeConnection) GetSettings(ctx context.Context, accountID string) (*models.ConnectionSettings, error) {
	return nil, interfaces.ErrNotFound
}
func (f *fakeConnection) DeleteSettings(ctx context.Context, accountID string) error { return nil }
func (f *fakeConnection) OnStatusChange(fn interfaces.StatusListener) {}

// fakeFetcher counts remote fetches and can block until released.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	tokens  []string
	err     error
	errOnce error // returned for the first call only
	blockCh chan struct{} // when set, FetchResource waits on it
}

func (f *fakeFetcher) BuildAuthorizeURL(settings *models.ConnectionSettings, state string) string {
	return ""
}
func (f *fakeFetcher) ExchangeCode(ctx context.Context, settings *models.ConnectionSettings, code string) (*models.TokenSet, []models.Tenant, error) {
	return nil, nil, nil
}
func (f *fakeFetcher) ExchangeRefreshToken(ctx context.Context, settings *models.ConnectionSettings, refreshToken string) (*models.TokenSet, error) {
	return nil, nil
}

func (f *fakeFetcher) FetchResource(ctx context.Context, accessToken, tenantID, resourceType string, params url.Values) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls++
	f.tokens = append(f.tokens, accessToken)
	block := f.blockCh
	err := f.err
	if f.errOnce != nil {
		err = f.errOnce
		f.errOnce = nil
	}
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(`{"` + resourceType + `":[]}`), nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type allowAllLimiter struct{}

func (allowAllLimiter) TryAcquire(string) interfaces.Decision   { return interfaces.Allow() }
func (allowAllLimiter) Reset()                                  {}
func (allowAllLimiter) Snapshot() interfaces.RateBudgetSnapshot { return interfaces.RateBudgetSnapshot{} }

type fixture struct {
	svc        *Service
	store      *tokenStore
	connection *fakeConnection
	fetcher    *fakeFetcher
	tenants    *tenants.Service
	sleeps     []time.Duration
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   &tokenStore{},
		fetcher: &fakeFetcher{},
		tenants: tenants.NewService(arbor.NewLogger()),
	}
	f.connection = &fakeConnection{store: f.store}

	f.store.tokens = &models.TokenSet{
		AccessToken:  "access-live",
		RefreshToken: "refresh-live",
		TokenType:    "Bearer",
		IssuedAt:     time.Now(),
		ExpiresIn:    1800,
	}
	f.tenants.SetTenants(account, []models.Tenant{{ID: "t1", DisplayName: "Acme"}})

	opts = append([]Option{
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return ctx.Err()
		}),
	}, opts...)

	f.svc = NewService(f.store, f.connection, f.tenants, f.fetcher, allowAllLimiter{}, arbor.NewLogger(), opts...)
	return f
}

func TestLoadResource(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.LoadResource(context.Background(), account, "Invoices", "t1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "Invoices", result.Resource)
	assert.Equal(t, "t1", result.TenantID)
	assert.JSONEq(t, `{"Invoices":[]}`, string(result.Payload))
	assert.Equal(t, 1, f.fetcher.callCount())
}

func TestLoadResourceDefaultsToSelectedTenant(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.LoadResource(context.Background(), account, "Contacts", "")
	require.NoError(t, err)
	assert.Equal(t, "t1", result.TenantID)
}

func TestLoadResourceNoTenantSelected(t *testing.T) {
	f := newFixture(t)
	f.tenants.Clear(account)

	_, err := f.svc.LoadResource(context.Background(), account, "Contacts", "")
	assert.ErrorIs(t, err, models.ErrNoTenantSelected)
	assert.Equal(t, 0, f.fetcher.callCount())
}

func TestLoadResourceUnknownTenant(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.LoadResource(context.Background(), account, "Contacts", "nope")
	assert.ErrorIs(t, err, models.ErrUnknownTenant)
}

func TestLoadResourceNotConnected(t *testing.T) {
	f := newFixture(t)
	f.store.tokens = nil

	_, err := f.svc.LoadResource(context.Background(), account, "Invoices", "t1")
	assert.ErrorIs(t, err, models.ErrNotConnected)
}

func TestLoadResourceRefreshesExpiredToken(t *testing.T) {
	f := newFixture(t)
	f.store.tokens.IssuedAt = time.Now().Add(-time.Hour)

	result, err := f.svc.LoadResource(context.Background(), account, "Invoices", "t1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, f.connection.refreshCalls)
	assert.Equal(t, []string{"access-refreshed"}, f.fetcher.tokens)
}

func TestLoadResourceRefreshFailureNeedsReconnection(t *testing.T) {
	f := newFixture(t)
	f.store.tokens.IssuedAt = time.Now().Add(-time.Hour)
	f.connection.refreshErr = models.ErrRefreshFailed

	_, err := f.svc.LoadResource(context.Background(), account, "Invoices", "t1")
	assert.ErrorIs(t, err, models.ErrReconnectionRequired)
	assert.Equal(t, 0, f.fetcher.callCount())
}

func TestLoadResourceTransientRefreshFailurePassesThrough(t *testing.T) {
	f := newFixture(t)
	f.store.tokens.IssuedAt = time.Now().Add(-time.Hour)
	f.connection.refreshErr = models.ErrRemoteUnavailable

	_, err := f.svc.LoadResource(context.Background(), account, "Invoices", "t1")
	assert.ErrorIs(t, err, models.ErrRemoteUnavailable)
	assert.NotErrorIs(t, err, models.ErrReconnectionRequired)
}

func TestLoadResourceRetriesOnceAfterRemoteRejection(t *testing.T) {
	f := newFixture(t)
	f.fetcher.errOnce = models.ErrUnauthorized

	result, err := f.svc.LoadResource(context.Background(), account, "Invoices", "t1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, f.connection.refreshCalls)
	assert.Equal(t, 2, f.fetcher.callCount())
	assert.Equal(t, []string{"access-live", "access-refreshed"}, f.fetcher.tokens)
}

func TestLoadResourcePersistentRejectionSurfaces(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = models.ErrUnauthorized

	_, err := f.svc.LoadResource(context.Background(), account, "Invoices", "t1")
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	// One refresh, one retry, no loop.
	assert.Equal(t, 1, f.connection.refreshCalls)
	assert.Equal(t, 2, f.fetcher.callCount())
}

func TestLoadResourceRejectionThenRefreshFailure(t *testing.T) {
	f := newFixture(t)
	f.fetcher.errOnce = models.ErrUnauthorized
	f.connection.refreshErr = models.ErrUnauthorized

	_, err := f.svc.LoadResource(context.Background(), account, "Invoices", "t1")
	assert.ErrorIs(t, err, models.ErrReconnectionRequired)
	assert.Equal(t, 1, f.fetcher.callCount())
}

func TestConcurrentIdenticalLoadsDeduplicate(t *testing.T) {
	f := newFixture(t)
	f.fetcher.blockCh = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]*models.ResourceResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.LoadResource(context.Background(), account, "Invoices", "t1")
		}(i)
	}

	// Let both callers reach the in-flight map before the fetch returns.
	require.Eventually(t, func() bool { return f.fetcher.callCount() == 1 },
		time.Second, 5*time.Millisecond)
	close(f.fetcher.blockCh)
	wg.Wait()

	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		assert.JSONEq(t, `{"Invoices":[]}`, string(results[i].Payload))
	}
	assert.Equal(t, 1, f.fetcher.callCount())
}

func TestConcurrentIdenticalLoadsShareRateBudget(t *testing.T) {
	f := newFixture(t)
	f.svc.limiter = ratelimit.NewService(arbor.NewLogger())
	f.fetcher.blockCh = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.LoadResource(context.Background(), account, "Invoices", "t1")
		}(i)
	}

	require.Eventually(t, func() bool { return f.fetcher.callCount() == 1 },
		time.Second, 5*time.Millisecond)
	close(f.fetcher.blockCh)
	wg.Wait()

	// The joining caller rides on the initiator's permit, so the sync
	// cooldown the first acquire armed never denies it.
	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, 1, f.fetcher.callCount())
}

func TestDistinctTenantsDoNotDeduplicate(t *testing.T) {
	f := newFixture(t)
	f.tenants.SetTenants(account, []models.Tenant{{ID: "t1"}, {ID: "t2"}})

	_, err := f.svc.LoadResource(context.Background(), account, "Invoices", "t1")
	require.NoError(t, err)
	_, err = f.svc.LoadResource(context.Background(), account, "Invoices", "t2")
	require.NoError(t, err)
	assert.Equal(t, 2, f.fetcher.callCount())
}

func TestCancelledJoinerDetachesWithoutKillingFetch(t *testing.T) {
	f := newFixture(t)
	f.fetcher.blockCh = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	var firstResult *models.ResourceResult
	var firstErr error
	go func() {
		defer wg.Done()
		firstResult, firstErr = f.svc.LoadResource(context.Background(), account, "Invoices", "t1")
	}()

	require.Eventually(t, func() bool { return f.fetcher.callCount() == 1 },
		time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.LoadResource(ctx, account, "Invoices", "t1")
	require.ErrorIs(t, err, context.Canceled)

	// The underlying fetch still completes for the surviving caller.
	close(f.fetcher.blockCh)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.True(t, firstResult.Success)
}

func TestLoadAllSequentialWithDelay(t *testing.T) {
	f := newFixture(t)

	batch, err := f.svc.LoadAll(context.Background(), account, []string{"Invoices", "Contacts", "Accounts"})
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Succeeded)
	assert.Equal(t, 0, batch.Failed)
	assert.Len(t, batch.Results, 3)

	// Two gaps between three fetches, each the configured delay.
	require.Len(t, f.sleeps, 2)
	for _, d := range f.sleeps {
		assert.Equal(t, DefaultInterCallDelay, d)
	}
}

func TestLoadAllRecordsFailureAndContinues(t *testing.T) {
	f := newFixture(t)

	// Every fetch fails with a retryable remote error.
	f.fetcher.err = models.ErrRemoteUnavailable

	batch, err := f.svc.LoadAll(context.Background(), account, []string{"Invoices", "Contacts"})
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Succeeded)
	assert.Equal(t, 2, batch.Failed)
	require.Len(t, batch.Results, 2)
	assert.False(t, batch.Results[0].Success)
	assert.Contains(t, batch.Results[0].Error, "remote")
}

func TestLoadAllAbortsWhenReconnectionRequired(t *testing.T) {
	f := newFixture(t)
	f.store.tokens.IssuedAt = time.Now().Add(-time.Hour)
	f.connection.refreshErr = models.ErrRefreshFailed

	_, err := f.svc.LoadAll(context.Background(), account, []string{"Invoices", "Contacts"})
	assert.ErrorIs(t, err, models.ErrReconnectionRequired)
	assert.Equal(t, 1, f.connection.refreshCalls) // no second attempt after abort
}

func TestLoadAllCancelledBetweenFetches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, WithSleeper(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := f.svc.LoadAll(ctx, account, []string{"Invoices", "Contacts"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.fetcher.callCount())
}
