// Package xero provides a client for a Xero-style multi-tenant accounting
// API: the OAuth2 authorization-code flow, the tenant connections endpoint
// and rate-limited resource fetches.
package xero

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ledgerlink/internal/interfaces"
	"github.com/ternarybob/ledgerlink/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the base URL for the accounting API.
	DefaultBaseURL = "https://api.xero.com"

	// DefaultAuthURL is the provider's authorization endpoint.
	DefaultAuthURL = "https://login.xero.com/identity/connect/authorize"

	// DefaultTokenURL is the provider's token endpoint.
	DefaultTokenURL = "https://identity.xero.com/connect/token"

	// DefaultTimeout is the per-call HTTP timeout, distinct from any
	// limiter cooldown.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the politeness ceiling (requests per second)
	// against the remote API.
	DefaultRateLimit = 5
)

// DefaultScopes are requested when the account settings carry none.
var DefaultScopes = []string{"openid", "offline_access", "accounting.settings", "accounting.transactions", "accounting.contacts"}

// Client is an accounting API client.
type Client struct {
	baseURL    string
	authURL    string
	tokenURL   string
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithBaseURL sets a custom API base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithEndpoints sets custom authorize and token endpoints.
func WithEndpoints(authURL, tokenURL string) ClientOption {
	return func(c *Client) {
		c.authURL = authURL
		c.tokenURL = tokenURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets a custom rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// NewClient creates a new accounting API client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  DefaultBaseURL,
		authURL:  DefaultAuthURL,
		tokenURL: DefaultTokenURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// oauthConfig builds the oauth2 configuration for one account's settings.
func (c *Client) oauthConfig(settings *models.ConnectionSettings) *oauth2.Config {
	scopes := settings.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &oauth2.Config{
		ClientID:     settings.ClientID,
		ClientSecret: settings.ClientSecret,
		RedirectURL:  settings.RedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.authURL,
			TokenURL:  c.tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// callCtx injects the client's HTTP client so oauth2 exchanges observe the
// configured timeout.
func (c *Client) callCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// BuildAuthorizeURL constructs the provider authorization URL including the
// anti-forgery state nonce.
func (c *Client) BuildAuthorizeURL(settings *models.ConnectionSettings, state string) string {
	return c.oauthConfig(settings).AuthCodeURL(state)
}

// ExchangeCode swaps an authorization code for a token set, then loads the
// tenant connections the user authorized.
func (c *Client) ExchangeCode(ctx context.Context, settings *models.ConnectionSettings, code string) (*models.TokenSet, []models.Tenant, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", models.ErrRateLimited, err)
	}

	if c.logger != nil {
		c.logger.Debug().Str("client_id", settings.ClientID).Msg("Exchanging authorization code")
	}

	token, err := c.oauthConfig(settings).Exchange(c.callCtx(ctx), code)
	if err != nil {
		return nil, nil, mapTokenError(err)
	}

	tokens := tokenSetFrom(token)

	tenants, err := c.fetchConnections(ctx, tokens.AccessToken)
	if err != nil {
		return nil, nil, err
	}

	return tokens, tenants, nil
}

// ExchangeRefreshToken swaps a refresh token for a fresh token set.
func (c *Client) ExchangeRefreshToken(ctx context.Context, settings *models.ConnectionSettings, refreshToken string) (*models.TokenSet, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrRateLimited, err)
	}

	if c.logger != nil {
		c.logger.Debug().Str("client_id", settings.ClientID).Msg("Exchanging refresh token")
	}

	source := c.oauthConfig(settings).TokenSource(c.callCtx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, mapTokenError(err)
	}

	return tokenSetFrom(token), nil
}

// FetchResource retrieves one resource collection for a tenant.
func (c *Client) FetchResource(ctx context.Context, accessToken, tenantID, resourceType string, params url.Values) (json.RawMessage, error) {
	path := "/api.xro/2.0/" + url.PathEscape(resourceType)

	var payload json.RawMessage
	headers := map[string]string{
		"Xero-Tenant-Id": tenantID,
	}
	if err := c.get(ctx, path, accessToken, headers, params, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// fetchConnections loads the tenant list from the /connections endpoint.
func (c *Client) fetchConnections(ctx context.Context, accessToken string) ([]models.Tenant, error) {
	var connections []connectionResponse
	if err := c.get(ctx, "/connections", accessToken, nil, nil, &connections); err != nil {
		return nil, err
	}

	tenants := make([]models.Tenant, 0, len(connections))
	for _, conn := range connections {
		tenants = append(tenants, models.Tenant{
			ID:               conn.TenantID,
			DisplayName:      conn.TenantName,
			OrganizationName: conn.TenantName,
		})
	}
	return tenants, nil
}

// get performs an authenticated GET request to the API.
func (c *Client) get(ctx context.Context, path, accessToken string, headers map[string]string, params url.Values, result interface{}) error {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", models.ErrRateLimited, err)
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if c.logger != nil {
		c.logger.Debug().
			Str("url", c.baseURL+path).
			Msg("Accounting API request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return mapTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Endpoint:   path,
		}
		if wrapped := apiErr.Unwrap(); wrapped != nil {
			return fmt.Errorf("%w: %s", wrapped, apiErr.Error())
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// tokenSetFrom converts an oauth2 token into the persisted TokenSet shape.
func tokenSetFrom(token *oauth2.Token) *models.TokenSet {
	now := time.Now()
	expiresIn := int64(token.Expiry.Sub(now).Seconds())
	if expiresIn <= 0 {
		expiresIn = 1800
	}
	return &models.TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		IssuedAt:     now,
		ExpiresIn:    expiresIn,
	}
}

// Ensure interface compliance
var _ interfaces.RemoteAPI = (*Client)(nil)
