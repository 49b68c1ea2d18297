package interfaces

import (
	"github.com/ternarybob/ledgerlink/internal/models"
)

// TenantService tracks the set of authorized remote organizations per
// account and the currently selected one. No network calls.
type TenantService interface {
	// SetTenants replaces the tenant list wholesale. A selection pointing at
	// a vanished tenant is cleared; a sole tenant is auto-selected when
	// nothing is selected.
	SetTenants(accountID string, tenants []models.Tenant)

	// Select marks a tenant as active. Fails with models.ErrUnknownTenant
	// when the id is not in the current list.
	Select(accountID, tenantID string) error

	// Selected returns the active tenant, if any.
	Selected(accountID string) (models.Tenant, bool)

	// Tenants returns the current tenant list.
	Tenants(accountID string) []models.Tenant

	// Clear drops the tenant list and selection for an account.
	Clear(accountID string)
}
