package microsoft

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ericfisherdev/crmsync/internal/adapter/driven/providerhttp"
	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type graphMessage struct {
	ID             string      `json:"id,omitempty"`
	ConversationID string      `json:"conversationId,omitempty"`
	Subject        string      `json:"subject"`
	Body           *itemBody   `json:"body,omitempty"`
	From           *recipient  `json:"from,omitempty"`
	ToRecipients   []recipient `json:"toRecipients,omitempty"`
	CcRecipients   []recipient `json:"ccRecipients,omitempty"`
	BccRecipients  []recipient `json:"bccRecipients,omitempty"`
	SentDateTime   string      `json:"sentDateTime,omitempty"`
	ReceivedAt     string      `json:"receivedDateTime,omitempty"`
	IsRead         bool        `json:"isRead,omitempty"`
	IsDraft        bool        `json:"isDraft,omitempty"`
	Flag           *struct {
		FlagStatus string `json:"flagStatus"`
	} `json:"flag,omitempty"`
}

type messagePage struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

// ListMessages lists up to limit of the newest messages across folders.
func (a *Adapter) ListMessages(ctx context.Context, cred model.Credential, accessToken string, limit int) iter.Seq2[model.CanonicalMessage, error] {
	return func(yield func(model.CanonicalMessage, error) bool) {
		if limit <= 0 {
			return
		}
		req := providerhttp.Request{
			Op:   "list messages",
			Path: "me/messages",
			Query: url.Values{
				"$top":     {strconv.Itoa(min(limit, pageSize))},
				"$orderby": {"receivedDateTime desc"},
			},
		}
		seen := 0
		for {
			var page messagePage
			if err := a.do(ctx, cred, accessToken, req, &page); err != nil {
				yield(model.CanonicalMessage{}, err)
				return
			}

			for _, item := range page.Value {
				if seen >= limit {
					return
				}
				seen++
				msg, err := toCanonicalMessage(item)
				if err != nil {
					err = &driven.NormalizeError{Provider: model.ProviderMicrosoft, ExternalID: item.ID, Err: err}
					if !yield(model.CanonicalMessage{}, err) {
						return
					}
					continue
				}
				if !yield(msg, nil) {
					return
				}
			}

			if page.NextLink == "" || seen >= limit {
				return
			}
			req = providerhttp.Request{Op: "list messages", Path: page.NextLink}
		}
	}
}

// SendMessage creates a draft and sends it. Graph's sendMail returns no id,
// so the draft's immutable id identifies the sent message.
func (a *Adapter) SendMessage(ctx context.Context, cred model.Credential, accessToken string, msg model.CanonicalMessage) (string, error) {
	if len(msg.To) == 0 {
		return "", &driven.NormalizeError{Provider: model.ProviderMicrosoft, Err: errors.New("message has no recipients")}
	}
	draft, err := fromCanonicalMessage(msg)
	if err != nil {
		return "", &driven.NormalizeError{Provider: model.ProviderMicrosoft, Err: err}
	}

	var created graphMessage
	req := providerhttp.Request{Op: "create draft", Method: http.MethodPost, Path: "me/messages", Body: draft}
	if err := a.do(ctx, cred, accessToken, req, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", &driven.ProviderAPIError{Provider: model.ProviderMicrosoft, Op: "create draft", Status: http.StatusCreated,
			Err: errors.New("response has no message id")}
	}

	send := providerhttp.Request{Op: "send draft", Method: http.MethodPost, Path: "me/messages/" + created.ID + "/send"}
	if err := a.do(ctx, cred, accessToken, send, nil); err != nil {
		return "", err
	}
	return created.ID, nil
}

func toCanonicalMessage(item graphMessage) (model.CanonicalMessage, error) {
	if item.ID == "" {
		return model.CanonicalMessage{}, errors.New("message has no id")
	}
	stamp := item.ReceivedAt
	if stamp == "" {
		stamp = item.SentDateTime
	}
	sentAt, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return model.CanonicalMessage{}, fmt.Errorf("receivedDateTime %q: %w", stamp, err)
	}

	msg := model.CanonicalMessage{
		ExternalID: item.ID,
		ThreadID:   item.ConversationID,
		Subject:    item.Subject,
		To:         addresses(item.ToRecipients),
		Cc:         addresses(item.CcRecipients),
		Bcc:        addresses(item.BccRecipients),
		SentAt:     sentAt.UTC(),
		IsRead:     item.IsRead,
		IsStarred:  item.Flag != nil && item.Flag.FlagStatus == "flagged",
	}
	if item.IsDraft {
		msg.Folder = "DRAFT"
	}
	if item.From != nil {
		msg.From = item.From.EmailAddress.Address
	}
	if item.Body != nil {
		if item.Body.ContentType == "html" {
			msg.BodyHTML = providerhttp.SanitizeHTML(item.Body.Content)
		} else {
			msg.BodyText = item.Body.Content
		}
	}
	return msg, nil
}

func fromCanonicalMessage(msg model.CanonicalMessage) (graphMessage, error) {
	body := &itemBody{ContentType: "html", Content: msg.BodyHTML}
	if body.Content == "" {
		rendered, err := providerhttp.RenderHTML(msg.BodyText)
		if err != nil {
			return graphMessage{}, err
		}
		body.Content = rendered
	}
	return graphMessage{
		Subject:       msg.Subject,
		Body:          body,
		ToRecipients:  recipients(msg.To),
		CcRecipients:  recipients(msg.Cc),
		BccRecipients: recipients(msg.Bcc),
	}, nil
}

func addresses(rs []recipient) []string {
	if len(rs) == 0 {
		return nil
	}
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.EmailAddress.Address)
	}
	return out
}

func recipients(addrs []string) []recipient {
	out := make([]recipient, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, recipient{EmailAddress: emailAddress{Address: a}})
	}
	return out
}
