package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
)

// CredentialStore defines the driven port for encrypted OAuth credential persistence.
// The adapter layer is responsible for encryption/decryption; this interface
// operates on plaintext tokens at the domain boundary. Only the token manager
// reads or writes token material.
type CredentialStore interface {
	// Save inserts the credential or replaces the one with the same key,
	// resetting its status to active. Returns the stored credential with ID set.
	Save(ctx context.Context, cred model.Credential) (model.Credential, error)

	// Get returns the credential for key, or (nil, nil) if none exists.
	Get(ctx context.Context, key model.CredentialKey) (*model.Credential, error)
	GetByID(ctx context.Context, id int64) (*model.Credential, error)
	// FindByAccountID resolves the account named in a webhook notification.
	FindByAccountID(ctx context.Context, provider model.Provider, accountID string) (*model.Credential, error)

	// UpdateTokens atomically overwrites token material. Last writer wins by
	// expiry: the write is applied only if expiry is not older than the stored
	// one. An empty refresh token keeps the stored refresh token.
	UpdateTokens(ctx context.Context, key model.CredentialKey, grant model.TokenGrant) (bool, error)

	// MarkReauthRequired flips the status without touching token material.
	MarkReauthRequired(ctx context.Context, key model.CredentialKey) error

	// TouchSync records a completed pass; activityAt is nil when nothing changed.
	TouchSync(ctx context.Context, id int64, syncedAt time.Time, activityAt *time.Time) error

	List(ctx context.Context) ([]model.Credential, error)
	ListActive(ctx context.Context) ([]model.Credential, error)
}
