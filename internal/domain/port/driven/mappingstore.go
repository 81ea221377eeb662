package driven

import (
	"context"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
)

// MappingStore defines the driven port for the correlation table between
// internal records and provider objects.
type MappingStore interface {
	// FindByExternalID returns (nil, nil) when no mapping exists.
	FindByExternalID(ctx context.Context, provider model.Provider, externalID string) (*model.Mapping, error)
	// FindByInternalID returns (nil, nil) when no mapping exists.
	FindByInternalID(ctx context.Context, internalID string, provider model.Provider) (*model.Mapping, error)

	// Upsert inserts the mapping or updates etag/status of the one with the
	// same (provider, external id). Returns ErrMappingConflict when the
	// internal record is already mapped to a different external id.
	Upsert(ctx context.Context, m model.Mapping) (model.Mapping, error)

	Delete(ctx context.Context, id int64) error
	ListByCredential(ctx context.Context, credentialID int64) ([]model.Mapping, error)
}
