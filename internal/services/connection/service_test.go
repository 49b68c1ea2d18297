package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ledgerlink/internal/interfaces"
	"github.com/ternarybob/ledgerlink/internal/models"
	"github.com/ternarybob/ledgerlink/internal/services/tenants"
)

const account = "acct-1"

// memStorage is an in-memory ConnectionStorage for tests.
type memStorage struct {
	mu        sync.Mutex
	settings  map[string]*models.ConnectionSettings
	tokens    map[string]*models.TokenSet
	tenants   map[string][]models.Tenant
	authState map[string]*models.AuthState // keyed by account
}

func newMemStorage() *memStorage {
	return &memStorage{
		settings:  make(map[string]*models.ConnectionSettings),
		tokens:    make(map[string]*models.TokenSet),
		tenants:   make(map[string][]models.Tenant),
		authState: make(map[string]*models.AuthState),
	}
}

func (m *memStorage) GetSettings(ctx context.Context, accountID string) (*models.ConnectionSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[accountID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStorage) SaveSettings(ctx context.Context, settings *models.ConnectionSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *settings
	m.settings[settings.AccountID] = &cp
	return nil
}

func (m *memStorage) DeleteSettings(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.settings, accountID)
	return nil
}

func (m *memStorage) GetTokenSet(ctx context.Context, accountID string) (*models.TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[accountID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStorage) SaveTokenSet(ctx context.Context, accountID string, tokens *models.TokenSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tokens
	m.tokens[accountID] = &cp
	return nil
}

func (m *memStorage) ClearTokenSet(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, accountID)
	return nil
}

func (m *memStorage) GetTenants(ctx context.Context, accountID string) ([]models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tenants[accountID], nil
}

func (m *memStorage) SaveTenants(ctx context.Context, accountID string, list []models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[accountID] = list
	return nil
}

func (m *memStorage) ClearTenants(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tenants, accountID)
	return nil
}

func (m *memStorage) SaveAuthState(ctx context.Context, state *models.AuthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *state
	m.authState[state.AccountID] = &cp
	return nil
}

func (m *memStorage) ConsumeAuthState(ctx context.Context, nonce string) (*models.AuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for accountID, state := range m.authState {
		if state.Nonce == nonce {
			delete(m.authState, accountID)
			return state, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

// fakeRemote is a stub RemoteAPI with scripted responses.
type fakeRemote struct {
	mu            sync.Mutex
	exchangeErr   error
	refreshErr    error
	tenants       []models.Tenant
	exchangeCalls int
	refreshCalls  int
}

func (f *fakeRemote) BuildAuthorizeURL(settings *models.ConnectionSettings, state string) string {
	return fmt.Sprintf("https://login.test/authorize?client_id=%s&redirect_uri=%s&state=%s",
		settings.ClientID, settings.RedirectURI, state)
}

func (f *fakeRemote) ExchangeCode(ctx context.Context, settings *models.ConnectionSettings, code string) (*models.TokenSet, []models.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeCalls++
	if f.exchangeErr != nil {
		return nil, nil, f.exchangeErr
	}
	return &models.TokenSet{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		TokenType:    "Bearer",
		IssuedAt:     time.Now(),
		ExpiresIn:    1800,
	}, f.tenants, nil
}

func (f *fakeRemote) ExchangeRefreshToken(ctx context.Context, settings *models.ConnectionSettings, refreshToken string) (*models.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &models.TokenSet{
		AccessToken:  "access-refreshed",
		RefreshToken: "refresh-rotated",
		TokenType:    "Bearer",
		IssuedAt:     time.Now(),
		ExpiresIn:    1800,
	}, nil
}

func (f *fakeRemote) FetchResource(ctx context.Context, accessToken, tenantID, resourceType string, params url.Values) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

// allowAllLimiter never denies; denyAllLimiter always denies.
type allowAllLimiter struct{}

func (allowAllLimiter) TryAcquire(string) interfaces.Decision        { return interfaces.Allow() }
func (allowAllLimiter) Reset()                                       {}
func (allowAllLimiter) Snapshot() interfaces.RateBudgetSnapshot      { return interfaces.RateBudgetSnapshot{} }

type denyAllLimiter struct{}

func (denyAllLimiter) TryAcquire(string) interfaces.Decision {
	return interfaces.Deny(models.DenyCooldown, time.Second)
}
func (denyAllLimiter) Reset()                                  {}
func (denyAllLimiter) Snapshot() interfaces.RateBudgetSnapshot { return interfaces.RateBudgetSnapshot{} }

type fixture struct {
	svc     *Service
	storage *memStorage
	remote  *fakeRemote
	tenants *tenants.Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	storage := newMemStorage()
	remote := &fakeRemote{tenants: []models.Tenant{{ID: "t1", DisplayName: "Acme"}}}
	tenantSvc := tenants.NewService(arbor.NewLogger())
	svc := NewService(storage, remote, tenantSvc, allowAllLimiter{}, arbor.NewLogger(), opts...)
	return &fixture{svc: svc, storage: storage, remote: remote, tenants: tenantSvc}
}

func validSettings() *models.ConnectionSettings {
	return &models.ConnectionSettings{
		AccountID:    account,
		ClientID:     "X",
		ClientSecret: "shh",
		RedirectURI:  "https://app/cb",
	}
}

func TestStartAuthSettingsIncomplete(t *testing.T) {
	tests := []struct {
		name     string
		settings *models.ConnectionSettings
	}{
		{"no settings at all", nil},
		{"blank client id", &models.ConnectionSettings{AccountID: account, RedirectURI: "https://app/cb"}},
		{"blank redirect uri", &models.ConnectionSettings{AccountID: account, ClientID: "X"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.settings != nil {
				require.NoError(t, f.storage.SaveSettings(context.Background(), tt.settings))
			}

			_, err := f.svc.StartAuth(context.Background(), account)
			require.ErrorIs(t, err, models.ErrSettingsIncomplete)

			// No state transition occurred.
			status, err := f.svc.CheckStatus(context.Background(), account)
			require.NoError(t, err)
			assert.Equal(t, models.StateNotConfigured, status.State)
		})
	}
}

func TestAuthorizeConnectFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SaveSettings(ctx, validSettings()))

	authorizeURL, err := f.svc.StartAuth(ctx, account)
	require.NoError(t, err)
	assert.Contains(t, authorizeURL, "client_id=X")
	assert.Contains(t, authorizeURL, "redirect_uri=https://app/cb")
	assert.Contains(t, authorizeURL, "state=")

	nonce := f.storage.authState[account].Nonce
	require.NotEmpty(t, nonce)

	status, err := f.svc.HandleCallback(ctx, "goodcode", nonce)
	require.NoError(t, err)
	assert.Equal(t, models.StateConnected, status.State)
	assert.Equal(t, []string{"t1"}, status.TenantIDs)
	assert.Equal(t, "t1", status.SelectedTenantID) // sole tenant auto-selected

	tokens, err := f.storage.GetTokenSet(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, "access-goodcode", tokens.AccessToken)
}

func TestHandleCallbackWrongNonce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SaveSettings(ctx, validSettings()))
	_, err := f.svc.StartAuth(ctx, account)
	require.NoError(t, err)

	// A valid code cannot rescue a wrong nonce.
	_, err = f.svc.HandleCallback(ctx, "goodcode", "not-the-nonce")
	assert.ErrorIs(t, err, models.ErrInvalidOrExpiredState)
}

func TestHandleCallbackExpiredNonce(t *testing.T) {
	now := time.Now()
	clock := now
	f := newFixture(t, WithClock(func() time.Time { return clock }), WithNonceTTL(10*time.Minute))
	ctx := context.Background()

	require.NoError(t, f.svc.SaveSettings(ctx, validSettings()))
	_, err := f.svc.StartAuth(ctx, account)
	require.NoError(t, err)
	nonce := f.storage.authState[account].Nonce

	// The user abandoned the redirect for longer than the TTL.
	clock = now.Add(11 * time.Minute)

	_, err = f.svc.HandleCallback(ctx, "goodcode", nonce)
	assert.ErrorIs(t, err, models.ErrInvalidOrExpiredState)
}

func TestHandleCallbackExchangeRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SaveSettings(ctx, validSettings()))
	_, err := f.svc.StartAuth(ctx, account)
	require.NoError(t, err)
	nonce := f.storage.authState[account].Nonce

	f.remote.exchangeErr = models.ErrExpiredCode

	var last *models.ConnectionStatus
	f.svc.OnStatusChange(func(status *models.ConnectionStatus) { last = status })

	_, err = f.svc.HandleCallback(ctx, "stale-code", nonce)
	require.ErrorIs(t, err, models.ErrExpiredCode)

	// Stored state untouched: still no token set.
	_, err = f.storage.GetTokenSet(ctx, account)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	require.NotNil(t, last)
	assert.Equal(t, models.StateError, last.State)
}

func TestRefreshTokenReplacesWholesale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	connect(t, f)

	require.NoError(t, f.svc.RefreshToken(ctx, account))

	tokens, err := f.storage.GetTokenSet(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, "access-refreshed", tokens.AccessToken)
	assert.Equal(t, "refresh-rotated", tokens.RefreshToken)
}

func TestRefreshFailureDemotesConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	connect(t, f)

	f.remote.refreshErr = models.ErrUnauthorized

	err := f.svc.RefreshToken(ctx, account)
	require.ErrorIs(t, err, models.ErrRefreshFailed)

	// Never a partially-updated token set: it is gone entirely.
	_, err = f.storage.GetTokenSet(ctx, account)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	status, err := f.svc.CheckStatus(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, models.StateDisconnected, status.State)
	assert.True(t, status.NeedsReconnection)
}

func TestRefreshTransientFailureKeepsTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	connect(t, f)

	f.remote.refreshErr = models.ErrRemoteUnavailable

	var last *models.ConnectionStatus
	f.svc.OnStatusChange(func(status *models.ConnectionStatus) { last = status })

	err := f.svc.RefreshToken(ctx, account)
	require.ErrorIs(t, err, models.ErrRemoteUnavailable)
	assert.NotErrorIs(t, err, models.ErrRefreshFailed)

	tokens, err := f.storage.GetTokenSet(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, "access-goodcode", tokens.AccessToken)

	// Tokens survive but the account reads as Error until a later refresh
	// or status check succeeds.
	require.NotNil(t, last)
	assert.Equal(t, models.StateError, last.State)
	assert.Contains(t, last.Message, "token refresh failed")
}

func TestRefreshTransitionsThroughReconnecting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	connect(t, f)

	var states []models.ConnectionState
	f.svc.OnStatusChange(func(status *models.ConnectionStatus) {
		states = append(states, status.State)
	})

	require.NoError(t, f.svc.RefreshToken(ctx, account))

	assert.Equal(t, []models.ConnectionState{models.StateReconnecting, models.StateConnected}, states)
}

func TestStatusListenerRegisteredThroughInterface(t *testing.T) {
	var svc interfaces.ConnectionService = newFixture(t).svc

	var last *models.ConnectionStatus
	svc.OnStatusChange(func(status *models.ConnectionStatus) { last = status })

	require.NoError(t, svc.SaveSettings(context.Background(), validSettings()))

	require.NotNil(t, last)
	assert.Equal(t, account, last.AccountID)
	assert.Equal(t, models.StateDisconnected, last.State)
}

func TestCheckStatusRefreshAhead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	connect(t, f)

	// Age the token so it expires inside the refresh-ahead margin.
	tokens, err := f.storage.GetTokenSet(ctx, account)
	require.NoError(t, err)
	tokens.IssuedAt = time.Now().Add(-28 * time.Minute) // 1800s lifetime, <5m left
	require.NoError(t, f.storage.SaveTokenSet(ctx, account, tokens))

	status, err := f.svc.CheckStatus(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, models.StateConnected, status.State)
	assert.Equal(t, 1, f.remote.refreshCalls)
}

func TestCheckStatusFarFromExpiryMakesNoRemoteCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	connect(t, f)

	status, err := f.svc.CheckStatus(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, models.StateConnected, status.State)
	assert.Equal(t, 0, f.remote.refreshCalls)
}

func TestCheckStatusDeniedReturnsCachedSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	connect(t, f)

	// Prime the snapshot.
	first, err := f.svc.CheckStatus(ctx, account)
	require.NoError(t, err)

	// Swap in a limiter that denies everything; the status read must not
	// error, it returns the last snapshot.
	f.svc.limiter = denyAllLimiter{}

	cached, err := f.svc.CheckStatus(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, first.State, cached.State)
}

func TestDisconnectIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	connect(t, f)

	require.NoError(t, f.svc.Disconnect(ctx, account))
	require.NoError(t, f.svc.Disconnect(ctx, account)) // safe when already disconnected

	status, err := f.svc.CheckStatus(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, models.StateDisconnected, status.State)
	assert.Empty(t, f.tenants.Tenants(account))
}

func TestGetSettingsRedactsSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SaveSettings(ctx, validSettings()))

	got, err := f.svc.GetSettings(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, "X", got.ClientID)
	assert.Empty(t, got.ClientSecret)
}

func TestSaveSettingsValidation(t *testing.T) {
	f := newFixture(t)

	err := f.svc.SaveSettings(context.Background(), &models.ConnectionSettings{
		AccountID: account,
		ClientID:  "X",
		// missing secret and redirect URI
	})
	assert.ErrorIs(t, err, models.ErrSettingsIncomplete)
}

// connect drives the fixture through the full authorize flow.
func connect(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.svc.SaveSettings(ctx, validSettings()))
	_, err := f.svc.StartAuth(ctx, account)
	require.NoError(t, err)
	nonce := f.storage.authState[account].Nonce
	_, err = f.svc.HandleCallback(ctx, "goodcode", nonce)
	require.NoError(t, err)
}
