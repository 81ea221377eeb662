package nylas

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ericfisherdev/crmsync/internal/adapter/driven/providerhttp"
	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

type nylasMessage struct {
	ID       string        `json:"id,omitempty"`
	ThreadID string        `json:"thread_id,omitempty"`
	Subject  string        `json:"subject"`
	From     []participant `json:"from,omitempty"`
	To       []participant `json:"to,omitempty"`
	Cc       []participant `json:"cc,omitempty"`
	Bcc      []participant `json:"bcc,omitempty"`
	Date     int64         `json:"date,omitempty"`
	Body     string        `json:"body,omitempty"`
	Unread   bool          `json:"unread,omitempty"`
	Starred  bool          `json:"starred,omitempty"`
	Folders  []string      `json:"folders,omitempty"`
}

// folderOrder ranks the well-known folders when a message sits in several.
var folderOrder = []string{"TRASH", "SPAM", "DRAFT", "SENT", "INBOX"}

// ListMessages lists up to limit of the newest messages.
func (a *Adapter) ListMessages(ctx context.Context, cred model.Credential, accessToken string, limit int) iter.Seq2[model.CanonicalMessage, error] {
	return func(yield func(model.CanonicalMessage, error) bool) {
		if limit <= 0 {
			return
		}
		query := url.Values{"limit": {strconv.Itoa(min(limit, pageSize))}}
		seen := 0
		for {
			var page envelope[[]nylasMessage]
			req := providerhttp.Request{Op: "list messages", Path: grantPath(cred, "messages"), Query: query}
			if _, err := a.api.Do(ctx, cred.AccountID, accessToken, req, &page); err != nil {
				yield(model.CanonicalMessage{}, err)
				return
			}

			for _, item := range page.Data {
				if seen >= limit {
					return
				}
				seen++
				msg, err := toCanonicalMessage(item)
				if err != nil {
					err = &driven.NormalizeError{Provider: model.ProviderNylas, ExternalID: item.ID, Err: err}
					if !yield(model.CanonicalMessage{}, err) {
						return
					}
					continue
				}
				if !yield(msg, nil) {
					return
				}
			}

			if page.NextCursor == "" || seen >= limit {
				return
			}
			query.Set("page_token", page.NextCursor)
		}
	}
}

// SendMessage sends msg immediately through the grant's mailbox.
func (a *Adapter) SendMessage(ctx context.Context, cred model.Credential, accessToken string, msg model.CanonicalMessage) (string, error) {
	if len(msg.To) == 0 {
		return "", &driven.NormalizeError{Provider: model.ProviderNylas, Err: errors.New("message has no recipients")}
	}
	body := msg.BodyHTML
	if body == "" {
		rendered, err := providerhttp.RenderHTML(msg.BodyText)
		if err != nil {
			return "", &driven.NormalizeError{Provider: model.ProviderNylas, Err: err}
		}
		body = rendered
	}

	var resp envelope[nylasMessage]
	req := providerhttp.Request{
		Op:     "send message",
		Method: http.MethodPost,
		Path:   grantPath(cred, "messages/send"),
		Body: nylasMessage{
			Subject: msg.Subject,
			Body:    body,
			To:      participants(msg.To),
			Cc:      participants(msg.Cc),
			Bcc:     participants(msg.Bcc),
		},
	}
	if _, err := a.api.Do(ctx, cred.AccountID, accessToken, req, &resp); err != nil {
		return "", err
	}
	if resp.Data.ID == "" {
		return "", &driven.ProviderAPIError{Provider: model.ProviderNylas, Op: "send message", Status: http.StatusOK,
			Err: errors.New("response has no message id")}
	}
	return resp.Data.ID, nil
}

func toCanonicalMessage(item nylasMessage) (model.CanonicalMessage, error) {
	if item.ID == "" {
		return model.CanonicalMessage{}, errors.New("message has no id")
	}
	if item.Date == 0 {
		return model.CanonicalMessage{}, errors.New("message has no date")
	}
	msg := model.CanonicalMessage{
		ExternalID: item.ID,
		ThreadID:   item.ThreadID,
		Subject:    item.Subject,
		To:         emails(item.To),
		Cc:         emails(item.Cc),
		Bcc:        emails(item.Bcc),
		SentAt:     time.Unix(item.Date, 0).UTC(),
		BodyHTML:   providerhttp.SanitizeHTML(item.Body),
		IsRead:     !item.Unread,
		IsStarred:  item.Starred,
		Folder:     folder(item.Folders),
	}
	if len(item.From) > 0 {
		msg.From = item.From[0].Email
	}
	return msg, nil
}

func folder(folders []string) string {
	for _, want := range folderOrder {
		for _, f := range folders {
			if strings.EqualFold(f, want) {
				return want
			}
		}
	}
	if len(folders) > 0 {
		return folders[0]
	}
	return ""
}

func emails(ps []participant) []string {
	if len(ps) == 0 {
		return nil
	}
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Email)
	}
	return out
}

func participants(addrs []string) []participant {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]participant, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, participant{Email: a})
	}
	return out
}
