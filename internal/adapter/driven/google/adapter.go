// Package google implements the ProviderAdapter port for Google Calendar v3
// and Gmail v1 using Google's generated API clients.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ericfisherdev/crmsync/internal/adapter/driven/providerhttp"
	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ProviderAdapter = (*Adapter)(nil)

const (
	eventPageSize = 250

	// maxErrorBody bounds how much of a failed response is kept.
	maxErrorBody = 2048
)

// Scopes requested when connecting a Google account.
var Scopes = []string{
	calendar.CalendarEventsScope,
	gmail.GmailModifyScope,
	gmail.GmailSendScope,
}

// Adapter talks to Google Calendar and Gmail on behalf of one credential at a time.
type Adapter struct {
	*providerhttp.TokenClient
	clients providerhttp.ClientSource

	// Empty endpoints select the production APIs.
	calendarEndpoint string
	gmailEndpoint    string
}

// OAuthConfig returns the oauth2 configuration for Google's token endpoint.
func OAuthConfig(clientID, clientSecret, redirectURL string) oauth2.Config {
	return oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     endpoints.Google,
		Scopes:       Scopes,
	}
}

// New creates an Adapter using the production API endpoints.
func New(tokens *providerhttp.TokenClient, clients providerhttp.ClientSource) *Adapter {
	return NewWithEndpoints(tokens, clients, "", "")
}

// NewWithEndpoints creates an Adapter against custom API roots.
// This constructor is intended for testing with an httptest server.
func NewWithEndpoints(tokens *providerhttp.TokenClient, clients providerhttp.ClientSource, calendarURL, gmailURL string) *Adapter {
	return &Adapter{
		TokenClient:      tokens,
		clients:          clients,
		calendarEndpoint: calendarURL,
		gmailEndpoint:    gmailURL,
	}
}

// Provider returns model.ProviderGoogle.
func (a *Adapter) Provider() model.Provider {
	return model.ProviderGoogle
}

// httpClient wraps the account's cached client with a bearer token so the
// rate-limit and cache transports stay in front of every API call.
func (a *Adapter) httpClient(accountID, accessToken string) *http.Client {
	base := a.clients.Client(model.ProviderGoogle, accountID)
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   base.Transport,
		},
		Timeout: base.Timeout,
	}
}

func (a *Adapter) options(accountID, accessToken, endpoint string) []option.ClientOption {
	opts := []option.ClientOption{option.WithHTTPClient(a.httpClient(accountID, accessToken))}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return opts
}

func (a *Adapter) calendarService(ctx context.Context, accountID, accessToken string) (*calendar.Service, error) {
	svc, err := calendar.NewService(ctx, a.options(accountID, accessToken, a.calendarEndpoint)...)
	if err != nil {
		return nil, fmt.Errorf("create calendar client: %w", err)
	}
	return svc, nil
}

func (a *Adapter) gmailService(ctx context.Context, accountID, accessToken string) (*gmail.Service, error) {
	svc, err := gmail.NewService(ctx, a.options(accountID, accessToken, a.gmailEndpoint)...)
	if err != nil {
		return nil, fmt.Errorf("create gmail client: %w", err)
	}
	return svc, nil
}

// AccountIdentity returns the Gmail profile address of the token's owner.
// Google notifications name accounts by address, so it is also the account id.
func (a *Adapter) AccountIdentity(ctx context.Context, accessToken string) (model.AccountIdentity, error) {
	svc, err := a.gmailService(ctx, "", accessToken)
	if err != nil {
		return model.AccountIdentity{}, err
	}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return model.AccountIdentity{}, apiError("get profile", err)
	}
	if profile.EmailAddress == "" {
		return model.AccountIdentity{}, errors.New("google profile has no email address")
	}
	return model.AccountIdentity{Email: profile.EmailAddress, AccountID: profile.EmailAddress}, nil
}

// FetchObject loads a single event or message.
func (a *Adapter) FetchObject(ctx context.Context, cred model.Credential, accessToken string, kind model.RecordKind, externalID string) (model.RemoteObject, error) {
	switch kind {
	case model.KindAppointment:
		ev, err := a.getEvent(ctx, cred, accessToken, externalID)
		if err != nil {
			return model.RemoteObject{}, err
		}
		return model.RemoteObject{Kind: kind, Event: &ev}, nil
	case model.KindMessage:
		msg, err := a.getMessage(ctx, cred, accessToken, externalID)
		if err != nil {
			return model.RemoteObject{}, err
		}
		return model.RemoteObject{Kind: kind, Message: &msg}, nil
	default:
		return model.RemoteObject{}, fmt.Errorf("fetch google object: unknown kind %q", kind)
	}
}

// apiError converts a client library failure into a *driven.ProviderAPIError.
// Transport failures keep status zero; a body the library could not decode
// is reported against a 200.
func apiError(op string, err error) error {
	if err == nil {
		return nil
	}
	apiErr := &driven.ProviderAPIError{Provider: model.ProviderGoogle, Op: op, Err: err}

	var gErr *googleapi.Error
	var urlErr *url.Error
	switch {
	case errors.As(err, &gErr):
		apiErr.Status = gErr.Code
		body := gErr.Body
		if body == "" {
			body = gErr.Message
		}
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		apiErr.Body = strings.TrimSpace(body)
	case errors.As(err, &urlErr):
	default:
		apiErr.Status = http.StatusOK
	}
	return apiErr
}

func notFoundOr(err error) error {
	if providerhttp.IsNotFound(err) {
		return fmt.Errorf("%w: %w", driven.ErrRemoteNotFound, err)
	}
	return err
}
