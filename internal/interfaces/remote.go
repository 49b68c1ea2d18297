package interfaces

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/ternarybob/ledgerlink/internal/models"
)

// RemoteAPI is the third-party accounting provider. Every call is a
// suspension point carrying its own timeout; failures map to the typed
// classes in models (401 Unauthorized, 429 RateLimited, 5xx
// RemoteUnavailable, deadline Timeout).
type RemoteAPI interface {
	// BuildAuthorizeURL constructs the provider authorization URL including
	// the anti-forgery state nonce.
	BuildAuthorizeURL(settings *models.ConnectionSettings, state string) string

	// ExchangeCode swaps an authorization code for a token set and the
	// tenant connections authorized by the user.
	ExchangeCode(ctx context.Context, settings *models.ConnectionSettings, code string) (*models.TokenSet, []models.Tenant, error)

	// ExchangeRefreshToken swaps a refresh token for a fresh token set.
	ExchangeRefreshToken(ctx context.Context, settings *models.ConnectionSettings, refreshToken string) (*models.TokenSet, error)

	// FetchResource retrieves one resource collection for a tenant.
	FetchResource(ctx context.Context, accessToken, tenantID, resourceType string, params url.Values) (json.RawMessage, error)
}
