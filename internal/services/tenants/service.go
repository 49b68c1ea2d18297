// Package tenants tracks the authorized remote organizations per account
// and the currently active selection. The list is a cache of remote truth:
// it is replaced wholesale on every successful status check because the
// authorization scope can change between checks.
package tenants

import (
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ledgerlink/internal/interfaces"
	"github.com/ternarybob/ledgerlink/internal/models"
)

// accountTenants holds one account's tenant list and selection.
type accountTenants struct {
	tenants  []models.Tenant
	selected string
}

// Service implements interfaces.TenantService.
type Service struct {
	mu       sync.RWMutex
	accounts map[string]*accountTenants
	logger   arbor.ILogger
}

// NewService creates a tenant selector.
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		accounts: make(map[string]*accountTenants),
		logger:   logger,
	}
}

// SetTenants replaces the tenant list wholesale. If the previously selected
// tenant is no longer present the selection is cleared; if exactly one
// tenant is present and none is selected, it is auto-selected.
func (s *Service) SetTenants(accountID string, tenants []models.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		acct = &accountTenants{}
		s.accounts[accountID] = acct
	}

	acct.tenants = make([]models.Tenant, len(tenants))
	copy(acct.tenants, tenants)

	if acct.selected != "" && !containsTenant(acct.tenants, acct.selected) {
		s.logger.Debug().
			Str("account", accountID).
			Str("tenant", acct.selected).
			Msg("Selected tenant no longer authorized, clearing selection")
		acct.selected = ""
	}

	if acct.selected == "" && len(acct.tenants) == 1 {
		acct.selected = acct.tenants[0].ID
		s.logger.Debug().
			Str("account", accountID).
			Str("tenant", acct.selected).
			Msg("Auto-selected sole tenant")
	}
}

// Select marks a tenant as active for the account.
func (s *Service) Select(accountID, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok || !containsTenant(acct.tenants, tenantID) {
		return models.ErrUnknownTenant
	}

	acct.selected = tenantID
	return nil
}

// Selected returns the active tenant for the account, if any.
func (s *Service) Selected(accountID string) (models.Tenant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok || acct.selected == "" {
		return models.Tenant{}, false
	}
	for _, t := range acct.tenants {
		if t.ID == acct.selected {
			return t, true
		}
	}
	return models.Tenant{}, false
}

// Tenants returns a copy of the current tenant list.
func (s *Service) Tenants(accountID string) []models.Tenant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil
	}
	out := make([]models.Tenant, len(acct.tenants))
	copy(out, acct.tenants)
	return out
}

// Clear drops the tenant list and selection for an account.
func (s *Service) Clear(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, accountID)
}

func containsTenant(tenants []models.Tenant, id string) bool {
	for _, t := range tenants {
		if t.ID == id {
			return true
		}
	}
	return false
}

// Ensure interface compliance
var _ interfaces.TenantService = (*Service)(nil)
