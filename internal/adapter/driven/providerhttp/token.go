package providerhttp

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.TokenEndpoint = (*TokenClient)(nil)

// TokenClient performs refresh and authorization-code grants with x/oauth2.
// It never retries; failures are reported as *driven.TokenGrantError.
type TokenClient struct {
	provider model.Provider
	cfg      oauth2.Config
	http     *http.Client
}

// NewTokenClient creates a token client. httpClient may be nil.
func NewTokenClient(provider model.Provider, cfg oauth2.Config, httpClient *http.Client) *TokenClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TokenClient{provider: provider, cfg: cfg, http: httpClient}
}

// Refresh exchanges a refresh token for a new access token.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (model.TokenGrant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := c.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return model.TokenGrant{}, c.grantErr(err)
	}
	return grantFromToken(tok), nil
}

// Exchange trades an authorization code for tokens. redirectURL overrides
// the configured one when non-empty.
func (c *TokenClient) Exchange(ctx context.Context, code, redirectURL string) (model.TokenGrant, error) {
	cfg := c.cfg
	if redirectURL != "" {
		cfg.RedirectURL = redirectURL
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return model.TokenGrant{}, c.grantErr(err)
	}
	return grantFromToken(tok), nil
}

func (c *TokenClient) grantErr(err error) error {
	grantErr := &driven.TokenGrantError{Provider: c.provider, Err: err}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil {
			grantErr.Status = retrieveErr.Response.StatusCode
		}
		grantErr.Code = retrieveErr.ErrorCode
		grantErr.Description = retrieveErr.ErrorDescription
	}
	return grantErr
}

func grantFromToken(tok *oauth2.Token) model.TokenGrant {
	grant := model.TokenGrant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		grant.Scopes = strings.Fields(scope)
	}
	if grantID, ok := tok.Extra("grant_id").(string); ok {
		grant.AccountID = grantID
	}
	if email, ok := tok.Extra("email").(string); ok {
		grant.Email = email
	}
	return grant
}

// Endpoint builds an oauth2.Endpoint for providers without one in x/oauth2.
func Endpoint(authURL, tokenURL string) oauth2.Endpoint {
	return oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams}
}
