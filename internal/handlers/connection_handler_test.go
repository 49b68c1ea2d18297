package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ledgerlink/internal/interfaces"
	"github.com/ternarybob/ledgerlink/internal/models"
)

// mockConnectionService implements interfaces.ConnectionService for testing
type mockConnectionService struct {
	startAuthFunc      func(ctx context.Context, accountID string) (string, error)
	handleCallbackFunc func(ctx context.Context, code, state string) (*models.ConnectionStatus, error)
	refreshTokenFunc   func(ctx context.Context, accountID string) error
	disconnectFunc     func(ctx context.Context, accountID string) error
	checkStatusFunc    func(ctx context.Context, accountID string) (*models.ConnectionStatus, error)
	saveSettingsFunc   func(ctx context.Context, settings *models.ConnectionSettings) error
	getSettingsFunc    func(ctx context.Context, accountID string) (*models.ConnectionSettings, error)
	deleteSettingsFunc func(ctx context.Context, accountID string) error
}

func (m *mockConnectionService) StartAuth(ctx context.Context, accountID string) (string, error) {
	if m.startAuthFunc != nil {
		return m.startAuthFunc(ctx, accountID)
	}
	return "", nil
}

func (m *mockConnectionService) HandleCallback(ctx context.Context, code, state string) (*models.ConnectionStatus, error) {
	if m.handleCallbackFunc != nil {
		return m.handleCallbackFunc(ctx, code, state)
	}
	return &models.ConnectionStatus{}, nil
}

func (m *mockConnectionService) RefreshToken(ctx context.Context, accountID string) error {
	if m.refreshTokenFunc != nil {
		return m.refreshTokenFunc(ctx, accountID)
	}
	return nil
}

func (m *mockConnectionService) Disconnect(ctx context.Context, accountID string) error {
	if m.disconnectFunc != nil {
		return m.disconnectFunc(ctx, accountID)
	}
	return nil
}

func (m *mockConnectionService) CheckStatus(ctx context.Context, accountID string) (*models.ConnectionStatus, error) {
	if m.checkStatusFunc != nil {
		return m.checkStatusFunc(ctx, accountID)
	}
	return &models.ConnectionStatus{AccountID: accountID, State: models.StateDisconnected}, nil
}

func (m *mockConnectionService) SaveSettings(ctx context.Context, settings *models.ConnectionSettings) error {
	if m.saveSettingsFunc != nil {
		return m.saveSettingsFunc(ctx, settings)
	}
	return nil
}

func (m *mockConnectionService) GetSettings(ctx context.Context, accountID string) (*models.ConnectionSettings, error) {
	if m.getSettingsFunc != nil {
		return m.getSettingsFunc(ctx, accountID)
	}
	return &models.ConnectionSettings{AccountID: accountID}, nil
}

func (m *mockConnectionService) DeleteSettings(ctx context.Context, accountID string) error {
	if m.deleteSettingsFunc != nil {
		return m.deleteSettingsFunc(ctx, accountID)
	}
	return nil
}

func (m *mockConnectionService) OnStatusChange(fn interfaces.StatusListener) {}

func newConnectionHandler(mock *mockConnectionService) *ConnectionHandler {
	return NewConnectionHandler(mock, "default", arbor.NewLogger())
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestStatusHandler(t *testing.T) {
	mock := &mockConnectionService{
		checkStatusFunc: func(ctx context.Context, accountID string) (*models.ConnectionStatus, error) {
			return &models.ConnectionStatus{AccountID: accountID, State: models.StateConnected}, nil
		},
	}
	handler := newConnectionHandler(mock)

	req := httptest.NewRequest("GET", "/api/connection/status", nil)
	rec := httptest.NewRecorder()
	handler.StatusHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "default", body["account_id"])
	assert.Equal(t, string(models.StateConnected), body["state"])
}

func TestStatusHandlerAccountQueryParam(t *testing.T) {
	var gotAccount string
	mock := &mockConnectionService{
		checkStatusFunc: func(ctx context.Context, accountID string) (*models.ConnectionStatus, error) {
			gotAccount = accountID
			return &models.ConnectionStatus{AccountID: accountID, State: models.StateDisconnected}, nil
		},
	}
	handler := newConnectionHandler(mock)

	req := httptest.NewRequest("GET", "/api/connection/status?account=acme", nil)
	rec := httptest.NewRecorder()
	handler.StatusHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", gotAccount)
}

func TestStatusHandlerRejectsPost(t *testing.T) {
	handler := newConnectionHandler(&mockConnectionService{})

	req := httptest.NewRequest("POST", "/api/connection/status", nil)
	rec := httptest.NewRecorder()
	handler.StatusHandler(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAuthorizeHandler(t *testing.T) {
	mock := &mockConnectionService{
		startAuthFunc: func(ctx context.Context, accountID string) (string, error) {
			return "https://login.example.com/authorize?state=abc", nil
		},
	}
	handler := newConnectionHandler(mock)

	req := httptest.NewRequest("POST", "/api/connection/authorize", nil)
	rec := httptest.NewRecorder()
	handler.AuthorizeHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "https://login.example.com/authorize?state=abc", body["authorize_url"])
}

func TestAuthorizeHandlerSettingsIncomplete(t *testing.T) {
	mock := &mockConnectionService{
		startAuthFunc: func(ctx context.Context, accountID string) (string, error) {
			return "", models.ErrSettingsIncomplete
		},
	}
	handler := newConnectionHandler(mock)

	req := httptest.NewRequest("POST", "/api/connection/authorize", nil)
	rec := httptest.NewRecorder()
	handler.AuthorizeHandler(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCallbackHandler(t *testing.T) {
	mock := &mockConnectionService{
		handleCallbackFunc: func(ctx context.Context, code, state string) (*models.ConnectionStatus, error) {
			assert.Equal(t, "goodcode", code)
			assert.Equal(t, "nonce-1", state)
			return &models.ConnectionStatus{State: models.StateConnected, TenantIDs: []string{"t1"}}, nil
		},
	}
	handler := newConnectionHandler(mock)

	req := httptest.NewRequest("GET", "/api/connection/callback?code=goodcode&state=nonce-1", nil)
	rec := httptest.NewRecorder()
	handler.CallbackHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, string(models.StateConnected), body["state"])
}

func TestCallbackHandlerMissingParams(t *testing.T) {
	handler := newConnectionHandler(&mockConnectionService{})

	req := httptest.NewRequest("GET", "/api/connection/callback?code=goodcode", nil)
	rec := httptest.NewRecorder()
	handler.CallbackHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackHandlerProviderDenial(t *testing.T) {
	called := false
	mock := &mockConnectionService{
		handleCallbackFunc: func(ctx context.Context, code, state string) (*models.ConnectionStatus, error) {
			called = true
			return nil, nil
		},
	}
	handler := newConnectionHandler(mock)

	req := httptest.NewRequest("GET", "/api/connection/callback?error=access_denied", nil)
	rec := httptest.NewRecorder()
	handler.CallbackHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, called)
}

func TestCallbackHandlerStaleNonce(t *testing.T) {
	mock := &mockConnectionService{
		handleCallbackFunc: func(ctx context.Context, code, state string) (*models.ConnectionStatus, error) {
			return nil, models.ErrInvalidOrExpiredState
		},
	}
	handler := newConnectionHandler(mock)

	req := httptest.NewRequest("GET", "/api/connection/callback?code=goodcode&state=stale", nil)
	rec := httptest.NewRecorder()
	handler.CallbackHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshHandlerRateDenied(t *testing.T) {
	mock := &mockConnectionService{
		refreshTokenFunc: func(ctx context.Context, accountID string) error {
			return &models.RateLimitDeniedError{
				Key:        "refresh",
				Reason:     models.DenyCooldown,
				RetryAfter: 5 * time.Second,
			}
		},
	}
	handler := newConnectionHandler(mock)

	req := httptest.NewRequest("POST", "/api/connection/refresh", nil)
	rec := httptest.NewRecorder()
	handler.RefreshHandler(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestRefreshHandlerTerminalFailure(t *testing.T) {
	mock := &mockConnectionService{
		refreshTokenFunc: func(ctx context.Context, accountID string) error {
			return models.ErrRefreshFailed
		},
	}
	handler := newConnectionHandler(mock)

	req := httptest.NewRequest("POST", "/api/connection/refresh", nil)
	rec := httptest.NewRecorder()
	handler.RefreshHandler(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDisconnectHandler(t *testing.T) {
	handler := newConnectionHandler(&mockConnectionService{})

	req := httptest.NewRequest("POST", "/api/connection/disconnect", nil)
	rec := httptest.NewRecorder()
	handler.DisconnectHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
}

func TestSaveSettingsHandlerInvalidBody(t *testing.T) {
	handler := newConnectionHandler(&mockConnectionService{})

	req := httptest.NewRequest("POST", "/api/connection/settings", nil)
	rec := httptest.NewRecorder()
	handler.SaveSettingsHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
