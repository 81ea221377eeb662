package microsoft

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ericfisherdev/crmsync/internal/adapter/driven/providerhttp"
	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

var notificationSchema = providerhttp.MustCompileSchema("graph-notification.json", `{
	"type": "object",
	"required": ["value"],
	"properties": {
		"value": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["changeType", "resource"],
				"properties": {
					"subscriptionId": {"type": "string"},
					"changeType": {"type": "string"},
					"resource": {"type": "string"},
					"clientState": {"type": "string"},
					"resourceData": {"type": "object"}
				}
			}
		}
	}
}`)

type notification struct {
	ChangeType   string `json:"changeType"`
	Resource     string `json:"resource"`
	ClientState  string `json:"clientState"`
	ResourceData *struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

type notificationBatch struct {
	Value []notification `json:"value"`
}

// Challenge echoes Graph's subscription validationToken.
func (a *Adapter) Challenge(query url.Values) (string, bool) {
	token := query.Get("validationToken")
	return token, token != ""
}

// VerifyWebhook requires every notification's clientState to match secret.
func (a *Adapter) VerifyWebhook(_ http.Header, _ url.Values, body []byte, secret string) error {
	if secret == "" {
		return nil
	}
	var batch notificationBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return fmt.Errorf("%w: %v", driven.ErrInvalidPayload, err)
	}
	for _, n := range batch.Value {
		if !providerhttp.EqualSecret(n.ClientState, secret) {
			return driven.ErrInvalidSignature
		}
	}
	return nil
}

// ParseDeltas converts a Graph change notification batch. Entries for
// resources other than events and messages are dropped.
func (a *Adapter) ParseDeltas(_ http.Header, body []byte) ([]model.Delta, error) {
	if err := notificationSchema.Validate(body); err != nil {
		return nil, err
	}
	var batch notificationBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("%w: %v", driven.ErrInvalidPayload, err)
	}

	deltas := make([]model.Delta, 0, len(batch.Value))
	for _, n := range batch.Value {
		userID, kind, id := parseResource(n.Resource)
		if kind == "" {
			continue
		}
		if id == "" && n.ResourceData != nil {
			id = n.ResourceData.ID
		}
		change := model.DeltaUpsert
		if strings.EqualFold(n.ChangeType, "deleted") {
			change = model.DeltaDelete
		}
		deltas = append(deltas, model.Delta{
			Provider:   model.ProviderMicrosoft,
			AccountID:  userID,
			Kind:       kind,
			Change:     change,
			ExternalID: id,
		})
	}
	return deltas, nil
}

// parseResource splits "Users/{user}/Events/{id}" style resource paths.
func parseResource(resource string) (string, model.RecordKind, string) {
	var userID, id string
	var kind model.RecordKind
	parts := strings.Split(strings.Trim(resource, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		switch strings.ToLower(parts[i]) {
		case "users":
			userID = parts[i+1]
		case "events":
			kind, id = model.KindAppointment, parts[i+1]
		case "messages":
			kind, id = model.KindMessage, parts[i+1]
		}
	}
	if kind == "" && len(parts) > 0 {
		switch strings.ToLower(parts[len(parts)-1]) {
		case "events":
			kind = model.KindAppointment
		case "messages":
			kind = model.KindMessage
		}
	}
	return userID, kind, id
}
