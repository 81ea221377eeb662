package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

const (
	// refreshSkew is how close to expiry a token may get before it is refreshed.
	refreshSkew = 5 * time.Minute

	refreshAttempts = 3

	// defaultTokenLifetime is assumed when a token response omits expires_in.
	defaultTokenLifetime = time.Hour
)

// TokenManager is the only component that reads or writes token material.
// Refreshes for the same credential key are collapsed into one call to the
// provider's token endpoint.
type TokenManager struct {
	creds    driven.CredentialStore
	registry *ProviderRegistry
	timeout  time.Duration
	group    singleflight.Group
	// onConnect runs after an account is (re)connected.
	onConnect func(model.Credential)

	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// NewTokenManager creates a TokenManager. timeout bounds one refresh,
// retries included.
func NewTokenManager(creds driven.CredentialStore, registry *ProviderRegistry, timeout time.Duration) *TokenManager {
	return &TokenManager{
		creds:      creds,
		registry:   registry,
		timeout:    timeout,
		now:        time.Now,
		newBackOff: defaultBackOff,
	}
}

// OnConnect registers fn to run after every successful Connect, so cached
// per-account state such as HTTP response caches can be dropped.
func (m *TokenManager) OnConnect(fn func(model.Credential)) {
	m.onConnect = fn
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// GetValidAccessToken returns an access token for key that is valid for at
// least refreshSkew, refreshing it when needed.
func (m *TokenManager) GetValidAccessToken(ctx context.Context, key model.CredentialKey) (string, error) {
	cred, err := m.creds.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("load credential %s: %w", key, err)
	}
	if err := checkUsable(cred, key); err != nil {
		return "", err
	}
	if m.fresh(*cred) {
		return cred.AccessToken, nil
	}
	if !cred.CanRefresh() {
		return "", fmt.Errorf("%w: %s has no refresh token", driven.ErrReauthRequired, key)
	}

	// The flight outlives any single caller's cancellation; each caller
	// still stops waiting when its own context ends.
	ch := m.group.DoChan(key.String(), func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func checkUsable(cred *model.Credential, key model.CredentialKey) error {
	if cred == nil {
		return fmt.Errorf("%w: %s", driven.ErrNoCredential, key)
	}
	if cred.Status == model.CredentialStatusReauthRequired {
		return fmt.Errorf("%w: %s", driven.ErrReauthRequired, key)
	}
	return nil
}

func (m *TokenManager) fresh(cred model.Credential) bool {
	return cred.Expiry.Sub(m.now()) > refreshSkew
}

func (m *TokenManager) refresh(ctx context.Context, key model.CredentialKey) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	// Another flight may have finished between the caller's read and this one.
	cred, err := m.creds.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("reload credential %s: %w", key, err)
	}
	if err := checkUsable(cred, key); err != nil {
		return "", err
	}
	if m.fresh(*cred) {
		return cred.AccessToken, nil
	}
	if !cred.CanRefresh() {
		return "", fmt.Errorf("%w: %s has no refresh token", driven.ErrReauthRequired, key)
	}

	adapter, err := m.registry.Get(cred.Provider)
	if err != nil {
		return "", err
	}

	var grant model.TokenGrant
	op := func() error {
		g, err := adapter.Refresh(ctx, cred.RefreshToken)
		if err != nil {
			var grantErr *driven.TokenGrantError
			if errors.As(err, &grantErr) && grantErr.Rejected() {
				return backoff.Permanent(err)
			}
			slog.Warn("token refresh attempt failed", "credential", key.String(), "error", err)
			return err
		}
		grant = g
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(m.newBackOff(), refreshAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", m.refreshFailed(ctx, *cred, err)
	}

	if grant.Expiry.IsZero() {
		grant.Expiry = m.now().Add(defaultTokenLifetime)
	}
	applied, err := m.creds.UpdateTokens(ctx, key, grant)
	if err != nil {
		tokenRefreshTotal.WithLabelValues(string(cred.Provider), "store_failed").Inc()
		return "", fmt.Errorf("store refreshed token for %s: %w", key, err)
	}
	tokenRefreshTotal.WithLabelValues(string(cred.Provider), "success").Inc()

	if !applied {
		// A writer with a later expiry won; its token is the one to use.
		current, err := m.creds.Get(ctx, key)
		if err != nil {
			return "", fmt.Errorf("reload credential %s: %w", key, err)
		}
		if current != nil {
			slog.Debug("newer token already stored", "credential", key.String())
			return current.AccessToken, nil
		}
	}

	slog.Debug("access token refreshed", "credential", key.String(), "expires_at", grant.Expiry)
	return grant.AccessToken, nil
}

// refreshFailed classifies a refresh failure. A grant the provider rejected
// is terminal and flips the credential to reauth_required; token material
// is left untouched either way.
func (m *TokenManager) refreshFailed(ctx context.Context, cred model.Credential, err error) error {
	var grantErr *driven.TokenGrantError
	if errors.As(err, &grantErr) && grantErr.Rejected() {
		tokenRefreshTotal.WithLabelValues(string(cred.Provider), "rejected").Inc()
		if markErr := m.creds.MarkReauthRequired(ctx, cred.Key()); markErr != nil {
			slog.Error("mark credential reauth_required failed", "credential", cred.Key().String(), "error", markErr)
		}
		slog.Warn("refresh token rejected", "credential", cred.Key().String(), "code", grantErr.Code)
		return fmt.Errorf("%w: %w: %w", driven.ErrReauthRequired, driven.ErrProviderRefreshFailed, err)
	}
	tokenRefreshTotal.WithLabelValues(string(cred.Provider), "failed").Inc()
	return fmt.Errorf("%w: %w", driven.ErrProviderRefreshFailed, err)
}

// Connect stores credential material obtained by an outer OAuth handshake.
// Email and AccountID are resolved from the provider when missing.
func (m *TokenManager) Connect(ctx context.Context, cred model.Credential) (model.Credential, error) {
	adapter, err := m.registry.Get(cred.Provider)
	if err != nil {
		return model.Credential{}, err
	}
	if cred.OwnerID == "" || cred.AccessToken == "" {
		return model.Credential{}, errors.New("connect: owner id and access token are required")
	}
	if cred.Email == "" || cred.AccountID == "" {
		identity, err := adapter.AccountIdentity(ctx, cred.AccessToken)
		switch {
		case err != nil && cred.Email == "":
			return model.Credential{}, fmt.Errorf("resolve account identity: %w", err)
		case err != nil:
			slog.Warn("account id lookup failed, using email", "provider", cred.Provider, "email", cred.Email, "error", err)
		default:
			if cred.Email == "" {
				cred.Email = identity.Email
			}
			if cred.AccountID == "" {
				cred.AccountID = identity.AccountID
			}
		}
	}
	if cred.AccountID == "" {
		cred.AccountID = cred.Email
	}
	if cred.Expiry.IsZero() {
		cred.Expiry = m.now().Add(defaultTokenLifetime)
	}
	cred.Status = model.CredentialStatusActive

	saved, err := m.creds.Save(ctx, cred)
	if err != nil {
		return model.Credential{}, fmt.Errorf("save credential: %w", err)
	}
	if m.onConnect != nil {
		m.onConnect(saved)
	}
	slog.Info("account connected", "credential_id", saved.ID, "provider", saved.Provider, "email", saved.Email)
	return saved, nil
}

// ExchangeCode completes an authorization-code grant and stores the result.
func (m *TokenManager) ExchangeCode(ctx context.Context, ownerID string, provider model.Provider, code, redirectURL string) (model.Credential, error) {
	adapter, err := m.registry.Get(provider)
	if err != nil {
		return model.Credential{}, err
	}
	grant, err := adapter.Exchange(ctx, code, redirectURL)
	if err != nil {
		return model.Credential{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	return m.Connect(ctx, model.Credential{
		OwnerID:      ownerID,
		Provider:     provider,
		Email:        grant.Email,
		AccountID:    grant.AccountID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		Expiry:       grant.Expiry,
		Scopes:       grant.Scopes,
	})
}
