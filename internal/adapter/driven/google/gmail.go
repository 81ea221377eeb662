package google

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"google.golang.org/api/gmail/v1"

	"github.com/ericfisherdev/crmsync/internal/adapter/driven/providerhttp"
	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

const (
	messagePageMax = 100
	gmailUser      = "me"
)

// folderPrecedence resolves a label set to a single folder.
var folderPrecedence = []string{"TRASH", "SPAM", "DRAFT", "SENT", "INBOX"}

// ListMessages lists up to limit of the newest messages and fetches each in
// full. A message that cannot be fetched or parsed is reported as a
// *driven.NormalizeError and listing continues.
func (a *Adapter) ListMessages(ctx context.Context, cred model.Credential, accessToken string, limit int) iter.Seq2[model.CanonicalMessage, error] {
	return func(yield func(model.CanonicalMessage, error) bool) {
		svc, err := a.gmailService(ctx, cred.AccountID, accessToken)
		if err != nil {
			yield(model.CanonicalMessage{}, err)
			return
		}

		seen, pageToken := 0, ""
		for seen < limit {
			call := svc.Users.Messages.List(gmailUser).
				MaxResults(int64(min(limit-seen, messagePageMax))).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}

			page, err := call.Do()
			if err != nil {
				yield(model.CanonicalMessage{}, apiError("list messages", err))
				return
			}

			for _, ref := range page.Messages {
				if seen >= limit {
					return
				}
				seen++
				msg, err := fetchMessage(ctx, svc, ref.Id)
				if err != nil {
					var normErr *driven.NormalizeError
					if !errors.As(err, &normErr) {
						err = &driven.NormalizeError{Provider: model.ProviderGoogle, ExternalID: ref.Id, Err: err}
					}
					if !yield(model.CanonicalMessage{}, err) {
						return
					}
					continue
				}
				if !yield(msg, nil) {
					return
				}
			}

			if page.NextPageToken == "" {
				return
			}
			pageToken = page.NextPageToken
		}
	}
}

func (a *Adapter) getMessage(ctx context.Context, cred model.Credential, accessToken, id string) (model.CanonicalMessage, error) {
	svc, err := a.gmailService(ctx, cred.AccountID, accessToken)
	if err != nil {
		return model.CanonicalMessage{}, err
	}
	return fetchMessage(ctx, svc, id)
}

func fetchMessage(ctx context.Context, svc *gmail.Service, id string) (model.CanonicalMessage, error) {
	raw, err := svc.Users.Messages.Get(gmailUser, id).Format("full").Context(ctx).Do()
	if err != nil {
		return model.CanonicalMessage{}, notFoundOr(apiError("get message", err))
	}
	msg, err := toCanonicalMessage(raw)
	if err != nil {
		return model.CanonicalMessage{}, &driven.NormalizeError{Provider: model.ProviderGoogle, ExternalID: id, Err: err}
	}
	return msg, nil
}

func toCanonicalMessage(raw *gmail.Message) (model.CanonicalMessage, error) {
	if raw == nil || raw.Id == "" {
		return model.CanonicalMessage{}, errors.New("message has no id")
	}
	if raw.InternalDate <= 0 {
		return model.CanonicalMessage{}, fmt.Errorf("internalDate %d out of range", raw.InternalDate)
	}

	msg := model.CanonicalMessage{
		ExternalID: raw.Id,
		ThreadID:   raw.ThreadId,
		SentAt:     time.UnixMilli(raw.InternalDate).UTC(),
		IsRead:     !slices.Contains(raw.LabelIds, "UNREAD"),
		IsStarred:  slices.Contains(raw.LabelIds, "STARRED"),
		Folder:     "ARCHIVE",
	}
	for _, f := range folderPrecedence {
		if slices.Contains(raw.LabelIds, f) {
			msg.Folder = f
			break
		}
	}
	if raw.Payload == nil {
		return msg, nil
	}

	var header mail.Header
	for _, h := range raw.Payload.Headers {
		header.Add(h.Name, h.Value)
	}
	// Subject returns the raw value alongside a decoding error.
	msg.Subject, _ = header.Subject()
	if from := addressList(header, "From"); len(from) > 0 {
		msg.From = from[0]
	}
	msg.To = addressList(header, "To")
	msg.Cc = addressList(header, "Cc")
	msg.Bcc = addressList(header, "Bcc")

	if err := collectBodies(raw.Payload, &msg); err != nil {
		return model.CanonicalMessage{}, err
	}
	msg.BodyHTML = providerhttp.SanitizeHTML(msg.BodyHTML)
	return msg, nil
}

// collectBodies walks the MIME tree and keeps the first text/plain and
// text/html parts.
func collectBodies(part *gmail.MessagePart, msg *model.CanonicalMessage) error {
	if part.Body != nil && part.Body.Data != "" {
		switch {
		case strings.HasPrefix(part.MimeType, "text/plain") && msg.BodyText == "":
			data, err := providerhttp.DecodeBase64URL(part.Body.Data)
			if err != nil {
				return fmt.Errorf("text body: %w", err)
			}
			msg.BodyText = string(data)
		case strings.HasPrefix(part.MimeType, "text/html") && msg.BodyHTML == "":
			data, err := providerhttp.DecodeBase64URL(part.Body.Data)
			if err != nil {
				return fmt.Errorf("html body: %w", err)
			}
			msg.BodyHTML = string(data)
		}
	}
	for _, child := range part.Parts {
		if err := collectBodies(child, msg); err != nil {
			return err
		}
	}
	return nil
}

// addressList returns the bare addresses of a header field. Unparseable
// lists fall back to a comma split so nothing is silently dropped.
func addressList(header mail.Header, key string) []string {
	list, err := header.AddressList(key)
	if err != nil {
		var out []string
		for _, s := range strings.Split(header.Get(key), ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, addr.Address)
	}
	return out
}

// SendMessage sends msg as an RFC 822 message through users.messages.send.
func (a *Adapter) SendMessage(ctx context.Context, cred model.Credential, accessToken string, msg model.CanonicalMessage) (string, error) {
	raw, err := buildRFC822(cred.Email, msg)
	if err != nil {
		return "", &driven.NormalizeError{Provider: model.ProviderGoogle, Err: err}
	}

	svc, err := a.gmailService(ctx, cred.AccountID, accessToken)
	if err != nil {
		return "", err
	}
	out := &gmail.Message{Raw: providerhttp.EncodeBase64URL(raw), ThreadId: msg.ThreadID}
	sent, err := svc.Users.Messages.Send(gmailUser, out).Context(ctx).Do()
	if err != nil {
		return "", apiError("send message", err)
	}
	if sent.Id == "" {
		return "", &driven.ProviderAPIError{Provider: model.ProviderGoogle, Op: "send message", Status: http.StatusOK,
			Err: errors.New("response has no message id")}
	}
	return sent.Id, nil
}

// parseAddresses parses every entry as a single RFC 5322 address.
func parseAddresses(field string, entries []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(entries))
	for _, e := range entries {
		addr, err := mail.ParseAddress(e)
		if err != nil {
			return nil, fmt.Errorf("%s address %q: %w", field, e, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func buildRFC822(defaultFrom string, msg model.CanonicalMessage) ([]byte, error) {
	if len(msg.To) == 0 {
		return nil, errors.New("message has no recipients")
	}
	from := msg.From
	if from == "" {
		from = defaultFrom
	}

	var header mail.Header
	for _, f := range []struct {
		key     string
		entries []string
	}{
		{"From", []string{from}},
		{"To", msg.To},
		{"Cc", msg.Cc},
		{"Bcc", msg.Bcc},
	} {
		addrs, err := parseAddresses(f.key, f.entries)
		if err != nil {
			return nil, err
		}
		header.SetAddressList(f.key, addrs)
	}
	header.SetSubject(msg.Subject)
	header.SetDate(time.Now())

	html := msg.BodyHTML
	if html == "" && msg.BodyText != "" {
		rendered, err := providerhttp.RenderHTML(msg.BodyText)
		if err != nil {
			return nil, err
		}
		html = rendered
	}

	var out bytes.Buffer
	w, err := mail.CreateInlineWriter(&out, header)
	if err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for _, p := range []struct{ ctype, text string }{
		{"text/plain", msg.BodyText},
		{"text/html", html},
	} {
		var ph mail.InlineHeader
		ph.SetContentType(p.ctype, map[string]string{"charset": "utf-8"})
		pw, err := w.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("create %s part: %w", p.ctype, err)
		}
		if _, err := pw.Write([]byte(p.text)); err != nil {
			return nil, fmt.Errorf("write %s part: %w", p.ctype, err)
		}
		if err := pw.Close(); err != nil {
			return nil, fmt.Errorf("close %s part: %w", p.ctype, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return out.Bytes(), nil
}
