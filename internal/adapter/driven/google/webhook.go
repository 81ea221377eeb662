package google

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ericfisherdev/crmsync/internal/adapter/driven/providerhttp"
	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// Calendar push channels are registered with a token of the form
// "account=<email>&secret=<webhook secret>", echoed in X-Goog-Channel-Token.
// Gmail notifications arrive as Pub/Sub push messages whose subscription
// endpoint carries ?token=<webhook secret>.
const (
	headerChannelToken  = "X-Goog-Channel-Token"
	headerResourceState = "X-Goog-Resource-State"
)

var pubsubSchema = providerhttp.MustCompileSchema("google-pubsub.json", `{
	"type": "object",
	"required": ["message"],
	"properties": {
		"message": {
			"type": "object",
			"required": ["data"],
			"properties": {
				"data": {"type": "string", "minLength": 1},
				"messageId": {"type": "string"}
			}
		},
		"subscription": {"type": "string"}
	}
}`)

type pubsubPush struct {
	Message struct {
		Data string `json:"data"`
	} `json:"message"`
}

type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    any    `json:"historyId"`
}

// Challenge returns false; Google has no echo handshake.
func (a *Adapter) Challenge(url.Values) (string, bool) {
	return "", false
}

// VerifyWebhook checks the channel token secret for calendar pushes and the
// token query parameter for Pub/Sub pushes.
func (a *Adapter) VerifyWebhook(header http.Header, query url.Values, _ []byte, secret string) error {
	if secret == "" {
		return nil
	}
	if raw := header.Get(headerChannelToken); raw != "" {
		values, err := url.ParseQuery(raw)
		if err != nil || !providerhttp.EqualSecret(values.Get("secret"), secret) {
			return driven.ErrInvalidSignature
		}
		return nil
	}
	if !providerhttp.EqualSecret(query.Get("token"), secret) {
		return driven.ErrInvalidSignature
	}
	return nil
}

// ParseDeltas converts a notification into a resync delta. Google notifies
// that an account changed without naming objects.
func (a *Adapter) ParseDeltas(header http.Header, body []byte) ([]model.Delta, error) {
	if state := header.Get(headerResourceState); state != "" {
		if state == "sync" {
			return nil, nil
		}
		values, err := url.ParseQuery(header.Get(headerChannelToken))
		if err != nil || values.Get("account") == "" {
			return nil, fmt.Errorf("%w: channel token names no account", driven.ErrInvalidPayload)
		}
		return []model.Delta{{
			Provider:  model.ProviderGoogle,
			AccountID: values.Get("account"),
			Kind:      model.KindAppointment,
			Change:    model.DeltaResync,
		}}, nil
	}

	if err := pubsubSchema.Validate(body); err != nil {
		return nil, err
	}
	var push pubsubPush
	if err := json.Unmarshal(body, &push); err != nil {
		return nil, fmt.Errorf("%w: %v", driven.ErrInvalidPayload, err)
	}
	data, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: message data: %v", driven.ErrInvalidPayload, err)
	}
	var note gmailNotification
	if err := json.Unmarshal(data, &note); err != nil || note.EmailAddress == "" {
		return nil, fmt.Errorf("%w: gmail notification has no emailAddress", driven.ErrInvalidPayload)
	}
	return []model.Delta{{
		Provider:  model.ProviderGoogle,
		AccountID: note.EmailAddress,
		Kind:      model.KindMessage,
		Change:    model.DeltaResync,
	}}, nil
}
