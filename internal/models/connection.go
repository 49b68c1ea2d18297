package models

import (
	"time"
)

// ConnectionState represents the lifecycle state of an account's connection
// to the remote accounting provider.
type ConnectionState string

const (
	StateNotConfigured ConnectionState = "not_configured"
	StateDisconnected  ConnectionState = "disconnected"
	StateAuthorizing   ConnectionState = "authorizing"
	StateConnected     ConnectionState = "connected"
	StateTokenExpired  ConnectionState = "token_expired"
	StateError         ConnectionState = "error"
	StateReconnecting  ConnectionState = "reconnecting"
)

// ConnectionSettings holds the OAuth2 client registration for one local account.
// The redirect URI must exactly match the value registered with the provider.
type ConnectionSettings struct {
	AccountID    string    `json:"account_id"`
	ClientID     string    `json:"client_id" validate:"required"`
	ClientSecret string    `json:"client_secret,omitempty" validate:"required"`
	RedirectURI  string    `json:"redirect_uri" validate:"required,url"`
	Scopes       []string  `json:"scopes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Redacted returns a copy safe to hand back to callers. The client secret is
// write-only and never echoed.
func (s ConnectionSettings) Redacted() ConnectionSettings {
	s.ClientSecret = ""
	return s
}

// IsComplete reports whether the settings carry enough to start an
// authorization flow.
func (s *ConnectionSettings) IsComplete() bool {
	return s != nil && s.ClientID != "" && s.RedirectURI != ""
}

// TokenSet is the access/refresh token pair issued by the authorization
// server. It is replaced wholesale on refresh, never patched.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresIn    int64     `json:"expires_in"` // seconds, > 0 at issuance
}

// ExpiresAt returns the wall-clock expiry derived from IssuedAt + ExpiresIn.
func (t *TokenSet) ExpiresAt() time.Time {
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// IsExpired reports whether the access token has passed its expiry.
func (t *TokenSet) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt())
}

// ExpiresWithin reports whether the access token expires inside the given
// margin. Used for refresh-ahead decisions.
func (t *TokenSet) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(t.ExpiresAt())
}

// Tenant is a remote organization reachable under one authorized connection.
// Immutable once issued by the provider; the known set is replaced wholesale
// on every successful status check.
type Tenant struct {
	ID               string `json:"id"`
	DisplayName      string `json:"display_name"`
	OrganizationName string `json:"organization_name"`
}

// ConnectionStatus is a derived, non-persisted view of the connection. It is
// recomputed from the stored TokenSet and the last known remote status.
type ConnectionStatus struct {
	AccountID         string          `json:"account_id"`
	State             ConnectionState `json:"state"`
	Message           string          `json:"message,omitempty"`
	TenantIDs         []string        `json:"tenant_ids,omitempty"`
	SelectedTenantID  string          `json:"selected_tenant_id,omitempty"`
	NeedsReconnection bool            `json:"needs_reconnection"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	CheckedAt         time.Time       `json:"checked_at"`
}

// AuthState is the anti-forgery nonce persisted between StartAuth and the
// OAuth2 callback. Consumed exactly once.
type AuthState struct {
	Nonce     string    `json:"nonce"`
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the nonce TTL has elapsed.
func (a *AuthState) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}
