package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ledgerlink/internal/interfaces"
	"github.com/ternarybob/ledgerlink/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

const authStatePrefix = "authstate:"

// settingsRecord wraps ConnectionSettings for badgerhold storage.
type settingsRecord struct {
	AccountID string
	Settings  models.ConnectionSettings
	UpdatedAt time.Time
}

// tokenRecord wraps a TokenSet for badgerhold storage.
type tokenRecord struct {
	AccountID string
	Tokens    models.TokenSet
	UpdatedAt time.Time
}

// tenantsRecord wraps the cached tenant list for badgerhold storage.
type tenantsRecord struct {
	AccountID string
	Tenants   []models.Tenant
	UpdatedAt time.Time
}

// ConnectionStorage implements the ConnectionStorage interface for Badger.
// Settings, tokens and tenants are badgerhold records keyed by account;
// authorization nonces are raw badger entries carrying a native TTL so an
// abandoned flow expires without cleanup sweeps.
type ConnectionStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewConnectionStorage creates a new ConnectionStorage instance
func NewConnectionStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ConnectionStorage {
	return &ConnectionStorage{
		db:     db,
		logger: logger,
	}
}

// GetSettings retrieves the OAuth2 client settings for an account
func (s *ConnectionStorage) GetSettings(ctx context.Context, accountID string) (*models.ConnectionSettings, error) {
	var record settingsRecord
	err := s.db.Store().Get(accountID, &record)
	if err == badgerhold.ErrNotFound {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	return &record.Settings, nil
}

// SaveSettings inserts or replaces the settings record for an account
func (s *ConnectionStorage) SaveSettings(ctx context.Context, settings *models.ConnectionSettings) error {
	record := settingsRecord{
		AccountID: settings.AccountID,
		Settings:  *settings,
		UpdatedAt: time.Now(),
	}
	if err := s.db.Store().Upsert(settings.AccountID, &record); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// DeleteSettings removes the settings record for an account
func (s *ConnectionStorage) DeleteSettings(ctx context.Context, accountID string) error {
	err := s.db.Store().Delete(accountID, &settingsRecord{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete settings: %w", err)
	}
	return nil
}

// GetTokenSet retrieves the current token set for an account
func (s *ConnectionStorage) GetTokenSet(ctx context.Context, accountID string) (*models.TokenSet, error) {
	var record tokenRecord
	err := s.db.Store().Get(accountID, &record)
	if err == badgerhold.ErrNotFound {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token set: %w", err)
	}
	return &record.Tokens, nil
}

// SaveTokenSet replaces the stored token set wholesale
func (s *ConnectionStorage) SaveTokenSet(ctx context.Context, accountID string, tokens *models.TokenSet) error {
	record := tokenRecord{
		AccountID: accountID,
		Tokens:    *tokens,
		UpdatedAt: time.Now(),
	}
	if err := s.db.Store().Upsert(accountID, &record); err != nil {
		return fmt.Errorf("failed to save token set: %w", err)
	}
	return nil
}

// ClearTokenSet removes the stored token set for an account
func (s *ConnectionStorage) ClearTokenSet(ctx context.Context, accountID string) error {
	err := s.db.Store().Delete(accountID, &tokenRecord{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to clear token set: %w", err)
	}
	return nil
}

// GetTenants retrieves the cached tenant list for an account
func (s *ConnectionStorage) GetTenants(ctx context.Context, accountID string) ([]models.Tenant, error) {
	var record tenantsRecord
	err := s.db.Store().Get(accountID, &record)
	if err == badgerhold.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenants: %w", err)
	}
	return record.Tenants, nil
}

// SaveTenants replaces the cached tenant list wholesale
func (s *ConnectionStorage) SaveTenants(ctx context.Context, accountID string, tenants []models.Tenant) error {
	record := tenantsRecord{
		AccountID: accountID,
		Tenants:   tenants,
		UpdatedAt: time.Now(),
	}
	if err := s.db.Store().Upsert(accountID, &record); err != nil {
		return fmt.Errorf("failed to save tenants: %w", err)
	}
	return nil
}

// ClearTenants removes the cached tenant list for an account
func (s *ConnectionStorage) ClearTenants(ctx context.Context, accountID string) error {
	err := s.db.Store().Delete(accountID, &tenantsRecord{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to clear tenants: %w", err)
	}
	return nil
}

// SaveAuthState persists the anti-forgery nonce with a native badger TTL.
// Keyed by account so a repeated StartAuth replaces the previous nonce:
// only the most recently issued state can ever validate.
func (s *ConnectionStorage) SaveAuthState(ctx context.Context, state *models.AuthState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal auth state: %w", err)
	}

	ttl := time.Until(state.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("auth state already expired")
	}

	err = s.db.Store().Badger().Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(authStatePrefix+state.AccountID), data).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to save auth state: %w", err)
	}
	return nil
}

// ConsumeAuthState finds the pending state matching the nonce and deletes it
// in the same transaction so a callback state can never be replayed.
func (s *ConnectionStorage) ConsumeAuthState(ctx context.Context, nonce string) (*models.AuthState, error) {
	var state *models.AuthState

	err := s.db.Store().Badger().Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(authStatePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var candidate models.AuthState
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &candidate)
			}); err != nil {
				continue
			}
			if candidate.Nonce == nonce {
				state = &candidate
				return txn.Delete(item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume auth state: %w", err)
	}
	if state == nil {
		return nil, interfaces.ErrNotFound
	}
	return state, nil
}

// Ensure interface compliance
var _ interfaces.ConnectionStorage = (*ConnectionStorage)(nil)
