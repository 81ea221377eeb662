package driven

import (
	"context"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
)

// SyncRunStore defines the driven port for sync pass history.
type SyncRunStore interface {
	// Create persists a run in its running state.
	Create(ctx context.Context, run model.SyncRun) error
	// Complete writes the final counters and status of a run.
	Complete(ctx context.Context, run model.SyncRun) error
	// ListByCredential returns the newest runs first.
	ListByCredential(ctx context.Context, credentialID int64, limit int) ([]model.SyncRun, error)
	// Latest returns (nil, nil) for an account that never synced.
	Latest(ctx context.Context, credentialID int64) (*model.SyncRun, error)
}
