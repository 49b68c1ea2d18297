package interfaces

import (
	"context"

	"github.com/ternarybob/ledgerlink/internal/models"
)

// StatusListener is notified after every connection state transition.
type StatusListener func(status *models.ConnectionStatus)

// ConnectionService owns the OAuth2 connection lifecycle for local accounts.
// All mutating operations on one account are serialized internally; a
// concurrent refresh and callback can never interleave.
type ConnectionService interface {
	// StartAuth validates settings, issues an anti-forgery nonce and returns
	// the authorization URL for redirect. Fails with
	// models.ErrSettingsIncomplete when clientId or redirectUri is blank.
	StartAuth(ctx context.Context, accountID string) (string, error)

	// HandleCallback verifies the nonce, exchanges the code for a token set,
	// persists it and populates the tenant selector. The nonce is consumed
	// whether or not the exchange succeeds.
	HandleCallback(ctx context.Context, code, state string) (*models.ConnectionStatus, error)

	// RefreshToken exchanges the stored refresh token for a new token set,
	// replacing it atomically. On failure the token set is cleared, the
	// account drops to Disconnected and NeedsReconnection is set.
	RefreshToken(ctx context.Context, accountID string) error

	// Disconnect clears the token set and tenant list. Idempotent.
	Disconnect(ctx context.Context, accountID string) error

	// CheckStatus recomputes the status from the stored token set versus
	// wall-clock time. When expiry falls inside the refresh-ahead margin it
	// proactively refreshes; otherwise it performs no remote calls.
	CheckStatus(ctx context.Context, accountID string) (*models.ConnectionStatus, error)

	// SaveSettings validates and persists the OAuth2 client settings.
	SaveSettings(ctx context.Context, settings *models.ConnectionSettings) error

	// GetSettings returns the stored settings with the client secret
	// redacted.
	GetSettings(ctx context.Context, accountID string) (*models.ConnectionSettings, error)

	// DeleteSettings removes the settings and disconnects the account.
	DeleteSettings(ctx context.Context, accountID string) error

	// OnStatusChange registers a listener invoked after every state
	// transition. Must be called before the service is shared across
	// goroutines.
	OnStatusChange(fn StatusListener)
}
