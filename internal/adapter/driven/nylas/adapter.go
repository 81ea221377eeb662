// Package nylas implements the ProviderAdapter port for the Nylas v3 API,
// where every call is scoped to a grant.
package nylas

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/ericfisherdev/crmsync/internal/adapter/driven/providerhttp"
	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ProviderAdapter = (*Adapter)(nil)

// DefaultAPIURL is the US region endpoint.
const DefaultAPIURL = "https://api.us.nylas.com"

const pageSize = 50

// Adapter talks to the Nylas v3 API.
type Adapter struct {
	*providerhttp.TokenClient
	api providerhttp.API
}

// envelope is the wrapper Nylas puts around every response.
type envelope[T any] struct {
	RequestID  string `json:"request_id"`
	Data       T      `json:"data"`
	NextCursor string `json:"next_cursor"`
}

// OAuthConfig returns the oauth2 configuration for Nylas hosted auth.
func OAuthConfig(clientID, clientSecret, apiURL, redirectURL string) oauth2.Config {
	base := strings.TrimRight(apiURL, "/")
	return oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     providerhttp.Endpoint(base+"/v3/connect/auth", base+"/v3/connect/token"),
	}
}

// New creates an Adapter against apiURL.
func New(tokens *providerhttp.TokenClient, clients providerhttp.ClientSource, apiURL string) *Adapter {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Adapter{
		TokenClient: tokens,
		api:         providerhttp.API{Provider: model.ProviderNylas, BaseURL: strings.TrimRight(apiURL, "/") + "/v3", Clients: clients},
	}
}

// Provider returns model.ProviderNylas.
func (a *Adapter) Provider() model.Provider {
	return model.ProviderNylas
}

func grantPath(cred model.Credential, rest string) string {
	return "grants/" + url.PathEscape(cred.AccountID) + "/" + rest
}

// AccountIdentity resolves the grant behind accessToken.
func (a *Adapter) AccountIdentity(ctx context.Context, accessToken string) (model.AccountIdentity, error) {
	var resp envelope[struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}]
	req := providerhttp.Request{Op: "get grant", Path: "grants/me"}
	if _, err := a.api.Do(ctx, "", accessToken, req, &resp); err != nil {
		return model.AccountIdentity{}, err
	}
	if resp.Data.ID == "" || resp.Data.Email == "" {
		return model.AccountIdentity{}, fmt.Errorf("nylas grant is missing id or email")
	}
	return model.AccountIdentity{Email: resp.Data.Email, AccountID: resp.Data.ID}, nil
}

// FetchObject loads a single event or message.
func (a *Adapter) FetchObject(ctx context.Context, cred model.Credential, accessToken string, kind model.RecordKind, externalID string) (model.RemoteObject, error) {
	switch kind {
	case model.KindAppointment:
		var resp envelope[nylasEvent]
		req := providerhttp.Request{
			Op:    "get event",
			Path:  grantPath(cred, "events/"+url.PathEscape(externalID)),
			Query: url.Values{"calendar_id": {"primary"}},
		}
		if _, err := a.api.Do(ctx, cred.AccountID, accessToken, req, &resp); err != nil {
			return model.RemoteObject{}, notFoundOr(err)
		}
		ev, err := toCanonicalEvent(resp.Data)
		if err != nil {
			return model.RemoteObject{}, &driven.NormalizeError{Provider: model.ProviderNylas, ExternalID: externalID, Err: err}
		}
		return model.RemoteObject{Kind: kind, Event: &ev}, nil
	case model.KindMessage:
		var resp envelope[nylasMessage]
		req := providerhttp.Request{Op: "get message", Path: grantPath(cred, "messages/"+url.PathEscape(externalID))}
		if _, err := a.api.Do(ctx, cred.AccountID, accessToken, req, &resp); err != nil {
			return model.RemoteObject{}, notFoundOr(err)
		}
		msg, err := toCanonicalMessage(resp.Data)
		if err != nil {
			return model.RemoteObject{}, &driven.NormalizeError{Provider: model.ProviderNylas, ExternalID: externalID, Err: err}
		}
		return model.RemoteObject{Kind: kind, Message: &msg}, nil
	default:
		return model.RemoteObject{}, fmt.Errorf("fetch nylas object: unknown kind %q", kind)
	}
}

func notFoundOr(err error) error {
	if providerhttp.IsNotFound(err) {
		return fmt.Errorf("%w: %v", driven.ErrRemoteNotFound, err)
	}
	return err
}
