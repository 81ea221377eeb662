// Package microsoft implements the ProviderAdapter port for Microsoft Graph
// calendar and mail.
package microsoft

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/ericfisherdev/crmsync/internal/adapter/driven/providerhttp"
	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ProviderAdapter = (*Adapter)(nil)

const (
	graphBaseURL = "https://graph.microsoft.com/v1.0"

	// Immutable ids survive folder moves, so a sent message keeps the id its draft had.
	preferHeader = `outlook.timezone="UTC", IdType="ImmutableId"`

	pageSize = 100
)

// Scopes requested when connecting a Microsoft account.
var Scopes = []string{"offline_access", "User.Read", "Calendars.ReadWrite", "Mail.ReadWrite", "Mail.Send"}

// Adapter talks to Microsoft Graph on behalf of one credential at a time.
type Adapter struct {
	*providerhttp.TokenClient
	graph providerhttp.API
}

// OAuthConfig returns the oauth2 configuration for the Microsoft identity platform.
func OAuthConfig(clientID, clientSecret, tenant, redirectURL string) oauth2.Config {
	return oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     endpoints.AzureAD(tenant),
		Scopes:       Scopes,
	}
}

// New creates an Adapter against the production Graph endpoint.
func New(tokens *providerhttp.TokenClient, clients providerhttp.ClientSource) *Adapter {
	return NewWithBaseURL(tokens, clients, graphBaseURL)
}

// NewWithBaseURL creates an Adapter against a custom Graph endpoint.
// This constructor is intended for testing with an httptest server.
func NewWithBaseURL(tokens *providerhttp.TokenClient, clients providerhttp.ClientSource, baseURL string) *Adapter {
	return &Adapter{
		TokenClient: tokens,
		graph:       providerhttp.API{Provider: model.ProviderMicrosoft, BaseURL: baseURL, Clients: clients},
	}
}

// Provider returns model.ProviderMicrosoft.
func (a *Adapter) Provider() model.Provider {
	return model.ProviderMicrosoft
}

func (a *Adapter) do(ctx context.Context, cred model.Credential, accessToken string, req providerhttp.Request, out any) error {
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	req.Headers["Prefer"] = preferHeader
	_, err := a.graph.Do(ctx, cred.AccountID, accessToken, req, out)
	return err
}

// AccountIdentity returns the signed-in user's address and Graph user id.
// Graph notifications name the account by user id.
func (a *Adapter) AccountIdentity(ctx context.Context, accessToken string) (model.AccountIdentity, error) {
	var me struct {
		ID                string `json:"id"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := a.do(ctx, model.Credential{}, accessToken, providerhttp.Request{Op: "get me", Path: "me"}, &me); err != nil {
		return model.AccountIdentity{}, err
	}
	email := me.Mail
	if email == "" {
		email = me.UserPrincipalName
	}
	if email == "" || me.ID == "" {
		return model.AccountIdentity{}, fmt.Errorf("microsoft profile is missing id or address")
	}
	return model.AccountIdentity{Email: email, AccountID: me.ID}, nil
}

// FetchObject loads a single event or message.
func (a *Adapter) FetchObject(ctx context.Context, cred model.Credential, accessToken string, kind model.RecordKind, externalID string) (model.RemoteObject, error) {
	switch kind {
	case model.KindAppointment:
		var raw graphEvent
		req := providerhttp.Request{Op: "get event", Path: "me/events/" + externalID}
		if err := a.do(ctx, cred, accessToken, req, &raw); err != nil {
			return model.RemoteObject{}, notFoundOr(err)
		}
		ev, err := toCanonicalEvent(raw)
		if err != nil {
			return model.RemoteObject{}, &driven.NormalizeError{Provider: model.ProviderMicrosoft, ExternalID: externalID, Err: err}
		}
		return model.RemoteObject{Kind: kind, Event: &ev}, nil
	case model.KindMessage:
		var raw graphMessage
		req := providerhttp.Request{Op: "get message", Path: "me/messages/" + externalID}
		if err := a.do(ctx, cred, accessToken, req, &raw); err != nil {
			return model.RemoteObject{}, notFoundOr(err)
		}
		msg, err := toCanonicalMessage(raw)
		if err != nil {
			return model.RemoteObject{}, &driven.NormalizeError{Provider: model.ProviderMicrosoft, ExternalID: externalID, Err: err}
		}
		return model.RemoteObject{Kind: kind, Message: &msg}, nil
	default:
		return model.RemoteObject{}, fmt.Errorf("fetch microsoft object: unknown kind %q", kind)
	}
}

func notFoundOr(err error) error {
	if providerhttp.IsNotFound(err) {
		return fmt.Errorf("%w: %v", driven.ErrRemoteNotFound, err)
	}
	return err
}
