package catalog

import "context"

// ClientInterface defines the catalog operations consumed by the sync
// orchestrator and the series graph builder, so tests can mock them.
type ClientInterface interface {
	// GetLibraryItems pages through the full library listing
	GetLibraryItems(ctx context.Context) ([]Item, error)

	// GetProductDetail fetches one product by external id. responseGroups
	// selects which field groups the catalog includes in the payload.
	GetProductDetail(ctx context.Context, asin string, responseGroups string) (Item, error)
}
