package driven

import (
	"context"
	"iter"
	"net/http"
	"net/url"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
)

// TokenEndpoint performs OAuth grants against a provider's token endpoint.
type TokenEndpoint interface {
	Refresh(ctx context.Context, refreshToken string) (model.TokenGrant, error)
	Exchange(ctx context.Context, code, redirectURL string) (model.TokenGrant, error)
}

// ProviderAdapter translates between a provider's wire format and the
// canonical shapes. Adapters never retry; callers decide based on the error.
// One adapter is selected per credential by its Provider.
type ProviderAdapter interface {
	TokenEndpoint

	Provider() model.Provider

	// AccountIdentity resolves the token's owner: mailbox address and the id
	// the provider uses for the account in notifications.
	AccountIdentity(ctx context.Context, accessToken string) (model.AccountIdentity, error)

	// ListEvents lazily pages through events in window. A *NormalizeError is
	// yielded for an object that cannot be converted and iteration continues;
	// any other error ends the sequence.
	ListEvents(ctx context.Context, cred model.Credential, accessToken string, window model.TimeWindow) iter.Seq2[model.CanonicalEvent, error]
	// CreateEvent returns the new event's external id and etag.
	CreateEvent(ctx context.Context, cred model.Credential, accessToken string, ev model.CanonicalEvent) (string, string, error)

	ListMessages(ctx context.Context, cred model.Credential, accessToken string, limit int) iter.Seq2[model.CanonicalMessage, error]
	// SendMessage returns the sent message's external id.
	SendMessage(ctx context.Context, cred model.Credential, accessToken string, msg model.CanonicalMessage) (string, error)

	// FetchObject returns ErrRemoteNotFound when the object no longer exists.
	FetchObject(ctx context.Context, cred model.Credential, accessToken string, kind model.RecordKind, externalID string) (model.RemoteObject, error)

	// Challenge returns the body to echo for a subscription validation request.
	Challenge(query url.Values) (string, bool)
	// VerifyWebhook authenticates a notification with the shared secret.
	VerifyWebhook(header http.Header, query url.Values, body []byte, secret string) error
	// ParseDeltas converts a notification payload into deltas.
	ParseDeltas(header http.Header, body []byte) ([]model.Delta, error)
}
