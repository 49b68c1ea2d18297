package interfaces

import (
	"context"

	"github.com/ternarybob/ledgerlink/internal/models"
)

// SyncService executes resource fetches against the remote API. At most one
// request per (resource, tenant) pair is in flight at any time; concurrent
// callers for the same pair share the pending result.
type SyncService interface {
	// LoadResource fetches one resource type for a tenant. An empty tenantID
	// resolves to the selected tenant. Requires a connected account; an
	// expired token triggers exactly one transparent refresh.
	LoadResource(ctx context.Context, accountID, resourceType, tenantID string) (*models.ResourceResult, error)

	// LoadAll fetches the listed resource types strictly sequentially with a
	// politeness delay between calls. A failure on one resource is recorded
	// and the batch continues.
	LoadAll(ctx context.Context, accountID string, resourceTypes []string) (*models.BatchResult, error)
}
