package driven

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
)

var (
	// ErrNoCredential is returned when no credential exists for a key.
	ErrNoCredential = errors.New("no credential for account")

	// ErrReauthRequired is returned when a credential can no longer be refreshed
	// and the user must reconnect the account.
	ErrReauthRequired = errors.New("account requires re-authorization")

	// ErrProviderRefreshFailed is returned when the token endpoint could not
	// produce a new access token.
	ErrProviderRefreshFailed = errors.New("provider token refresh failed")

	// ErrMappingConflict is returned when a mapping write would violate either
	// uniqueness constraint.
	ErrMappingConflict = errors.New("mapping conflict")

	// ErrSyncInProgress is returned when a pass for the same account is already running.
	ErrSyncInProgress = errors.New("sync already in progress for account")

	// ErrUnsupportedProvider is returned for providers with no registered adapter.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrRemoteNotFound is returned by FetchObject when the provider no longer has the object.
	ErrRemoteNotFound = errors.New("remote object not found")

	// ErrInvalidSignature is returned when a webhook payload fails verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a webhook payload cannot be parsed.
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrEncryptionKeyNotSet is returned by CredentialStore operations when
	// CRMSYNC_SECRET_KEY has not been configured.
	ErrEncryptionKeyNotSet = errors.New("encryption key not configured: set CRMSYNC_SECRET_KEY")
)

// IsCredentialError reports whether err means the account cannot be used until reconnected.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrNoCredential) || errors.Is(err, ErrReauthRequired)
}

// ProviderAPIError is a non-success response or unreadable payload from a provider API.
// Status is zero for transport-level failures.
type ProviderAPIError struct {
	Provider model.Provider
	Op       string
	Status   int
	Body     string
	Err      error
}

func (e *ProviderAPIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("%s %s: status %d", e.Provider, e.Op, e.Status)
}

func (e *ProviderAPIError) Unwrap() error { return e.Err }

// Retryable reports whether repeating an idempotent request may succeed.
func (e *ProviderAPIError) Retryable() bool {
	switch {
	case e.Status == 0:
		return e.Err != nil
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	default:
		return e.Status >= 500
	}
}

// IsRetryable reports whether err wraps a retryable ProviderAPIError.
func IsRetryable(err error) bool {
	var apiErr *ProviderAPIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

// NormalizeError reports a single provider object that could not be converted
// to canonical form. Listing continues past it.
type NormalizeError struct {
	Provider   model.Provider
	ExternalID string
	Err        error
}

func (e *NormalizeError) Error() string {
	return fmt.Sprintf("normalize %s object %q: %v", e.Provider, e.ExternalID, e.Err)
}

func (e *NormalizeError) Unwrap() error { return e.Err }

// TokenGrantError is a failed call to a provider token endpoint.
type TokenGrantError struct {
	Provider    model.Provider
	Status      int
	Code        string
	Description string
	Err         error
}

func (e *TokenGrantError) Error() string {
	msg := fmt.Sprintf("%s token grant failed", e.Provider)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil && e.Code == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TokenGrantError) Unwrap() error { return e.Err }

// Rejected reports whether the provider refused the grant outright
// (revoked or expired refresh token). Retrying will not help.
func (e *TokenGrantError) Rejected() bool {
	if e.Code == "invalid_grant" || e.Code == "unauthorized_client" || e.Code == "invalid_client" {
		return true
	}
	return e.Status == http.StatusBadRequest || e.Status == http.StatusUnauthorized
}
