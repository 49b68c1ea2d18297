package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/ledgerlink/internal/models"
)

// ErrNotFound is returned when a record does not exist in storage.
var ErrNotFound = errors.New("record not found")

// ConnectionStorage persists per-account connection state: the OAuth2 client
// settings, the current token set, the cached tenant list, and the pending
// authorization nonce. Pure get/set/clear with no business logic.
type ConnectionStorage interface {
	// GetSettings retrieves the OAuth2 client settings for an account.
	GetSettings(ctx context.Context, accountID string) (*models.ConnectionSettings, error)

	// SaveSettings inserts or replaces the settings record for an account.
	SaveSettings(ctx context.Context, settings *models.ConnectionSettings) error

	// DeleteSettings removes the settings record. Not an error if absent.
	DeleteSettings(ctx context.Context, accountID string) error

	// GetTokenSet retrieves the current token set for an account.
	GetTokenSet(ctx context.Context, accountID string) (*models.TokenSet, error)

	// SaveTokenSet replaces the stored token set wholesale.
	SaveTokenSet(ctx context.Context, accountID string, tokens *models.TokenSet) error

	// ClearTokenSet removes the stored token set. Not an error if absent.
	ClearTokenSet(ctx context.Context, accountID string) error

	// GetTenants retrieves the cached tenant list for an account.
	GetTenants(ctx context.Context, accountID string) ([]models.Tenant, error)

	// SaveTenants replaces the cached tenant list wholesale.
	SaveTenants(ctx context.Context, accountID string, tenants []models.Tenant) error

	// ClearTenants removes the cached tenant list. Not an error if absent.
	ClearTenants(ctx context.Context, accountID string) error

	// SaveAuthState persists the anti-forgery nonce issued by StartAuth,
	// replacing any previous nonce for the account.
	SaveAuthState(ctx context.Context, state *models.AuthState) error

	// ConsumeAuthState retrieves and deletes the nonce record in one step so
	// a callback state can never be replayed. Returns ErrNotFound when no
	// nonce matches.
	ConsumeAuthState(ctx context.Context, nonce string) (*models.AuthState, error)
}
