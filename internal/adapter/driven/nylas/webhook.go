package nylas

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

const signatureHeader = "X-Nylas-Signature"

var notificationSchema = providerhttp.MustCompileSchema("nylas-notification.json", `{
	"type": "object",
	"required": ["type", "data"],
	"properties": {
		"type": {"type": "string"},
		"data": {
			"type": "object",
			"required": ["object"],
			"properties": {
				"object": {
					"type": "object",
					"required": ["id", "grant_id"],
					"properties": {
						"id": {"type": "string"},
						"grant_id": {"type": "string"}
					}
				}
			}
		}
	}
}`)

type notification struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID      string `json:"id"`
			GrantID string `json:"grant_id"`
		} `json:"object"`
	} `json:"data"`
}

// Challenge echoes the challenge Nylas sends when a webhook is registered.
func (a *Adapter) Challenge(query url.Values) (string, bool) {
	challenge := query.Get("challenge")
	return challenge, challenge != ""
}

// VerifyWebhook checks the hex HMAC-SHA256 signature of body.
func (a *Adapter) VerifyWebhook(header http.Header, _ url.Values, body []byte, secret string) error {
	if secret == "" {
		return nil
	}
	return providerhttp.VerifyHMACSHA256(body, secret, header.Get(signatureHeader))
}

// ParseDeltas converts one notification into at most one delta. Types
// outside event.* and message.* produce none.
func (a *Adapter) ParseDeltas(_ http.Header, body []byte) ([]model.Delta, error) {
	if err := notificationSchema.Validate(body); err != nil {
		return nil, err
	}
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", driven.ErrInvalidPayload, err)
	}

	object, action, ok := strings.Cut(n.Type, ".")
	if !ok {
		return nil, nil
	}
	var kind model.RecordKind
	switch object {
	case "event":
		kind = model.KindAppointment
	case "message":
		kind = model.KindMessage
	default:
		return nil, nil
	}
	change := model.DeltaUpsert
	if action == "deleted" {
		change = model.DeltaDelete
	}
	return []model.Delta{{
		Provider:   model.ProviderNylas,
		AccountID:  n.Data.Object.GrantID,
		Kind:       kind,
		Change:     change,
		ExternalID: n.Data.Object.ID,
	}}, nil
}
