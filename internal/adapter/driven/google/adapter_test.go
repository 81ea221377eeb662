package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/crmsync/internal/adapter/driven/providerhttp"
	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

var testCred = model.Credential{ID: 1, Provider: model.ProviderGoogle, Email: "me@example.com", AccountID: "me@example.com"}

func newTestAdapter(t *testing.T, mux *http.ServeMux) *Adapter {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	clients := providerhttp.StaticClient{HTTP: server.Client()}
	return NewWithEndpoints(nil, clients, server.URL+"/calendar/v3/", server.URL+"/")
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestListEvents_PaginatesAndReportsBadItems(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /calendar/v3/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "true", r.URL.Query().Get("singleEvents"))
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(t, w, map[string]any{
				"items": []any{
					map[string]any{"id": "ev-1", "etag": `"1"`, "summary": "Standup",
						"start": map[string]any{"dateTime": "2026-05-01T09:00:00+02:00", "timeZone": "Europe/Berlin"},
						"end":   map[string]any{"dateTime": "2026-05-01T09:15:00+02:00"}},
					map[string]any{"id": "ev-bad", "summary": "No times"},
				},
				"nextPageToken": "p2",
			})
			return
		}
		writeJSON(t, w, map[string]any{
			"items": []any{
				map[string]any{"id": "ev-2", "summary": "Offsite",
					"start": map[string]any{"date": "2026-05-04"}, "end": map[string]any{"date": "2026-05-05"}},
				map[string]any{"id": "ev-3", "status": "cancelled"},
			},
		})
	})
	a := newTestAdapter(t, mux)

	var events []model.CanonicalEvent
	var errs []error
	window := model.WindowAround(time.Now(), time.Hour)
	for ev, err := range a.ListEvents(context.Background(), testCred, "tok", window) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, ev)
	}

	require.Len(t, events, 3)
	require.Len(t, errs, 1)
	var normErr *driven.NormalizeError
	require.ErrorAs(t, errs[0], &normErr)
	assert.Equal(t, "ev-bad", normErr.ExternalID)

	assert.Equal(t, "Standup", events[0].Title)
	assert.Equal(t, time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC), events[0].Start)
	assert.Equal(t, "Europe/Berlin", events[0].TimeZone)
	assert.True(t, events[1].AllDay)
	assert.True(t, events[2].Cancelled)
}

func TestListEvents_PageFailureEndsSequence(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /calendar/v3/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend", http.StatusInternalServerError)
	})
	a := newTestAdapter(t, mux)

	count := 0
	var last error
	for _, err := range a.ListEvents(context.Background(), testCred, "tok", model.TimeWindow{}) {
		count++
		last = err
	}
	assert.Equal(t, 1, count)
	assert.True(t, driven.IsRetryable(last))
}

func TestCreateEvent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /calendar/v3/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Demo", body["summary"])
		start := body["start"].(map[string]any)
		assert.Equal(t, "2026-06-01T10:00:00Z", start["dateTime"])
		writeJSON(t, w, map[string]any{"id": "new-1", "etag": `"e1"`})
	})
	a := newTestAdapter(t, mux)

	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	id, etag, err := a.CreateEvent(context.Background(), testCred, "tok", model.CanonicalEvent{
		Title: "Demo", Start: start, End: start.Add(time.Hour),
	})

	require.NoError(t, err)
	assert.Equal(t, "new-1", id)
	assert.Equal(t, `"e1"`, etag)
}

func TestEventRoundTrip(t *testing.T) {
	start := time.Date(2026, 7, 1, 15, 30, 0, 0, time.UTC)
	in := model.CanonicalEvent{
		Title: "Review", Start: start, End: start.Add(45 * time.Minute), Location: "HQ",
		Attendees: []model.Attendee{{Email: "x@example.com", Name: "X"}},
	}

	wire := fromCanonicalEvent(in)
	wire.Id = "rt-1"
	out, err := toCanonicalEvent(wire)

	require.NoError(t, err)
	assert.Equal(t, in.Title, out.Title)
	assert.True(t, in.Start.Equal(out.Start))
	assert.True(t, in.End.Equal(out.End))
	assert.Equal(t, in.Location, out.Location)
	assert.Equal(t, "x@example.com", out.Attendees[0].Email)
}

func b64url(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func TestListMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("maxResults"))
		writeJSON(t, w, map[string]any{"messages": []any{map[string]any{"id": "m1"}, map[string]any{"id": "m2"}}, "nextPageToken": "more"})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "full", r.URL.Query().Get("format"))
		writeJSON(t, w, map[string]any{
			"id": "m1", "threadId": "t1", "labelIds": []string{"INBOX", "STARRED"},
			"internalDate": "1767225600000",
			"payload": map[string]any{
				"mimeType": "multipart/alternative",
				"headers": []any{
					map[string]any{"name": "Subject", "value": "=?utf-8?q?Caf=C3=A9?="},
					map[string]any{"name": "From", "value": "Ann <ann@example.com>"},
					map[string]any{"name": "To", "value": "me@example.com, Bob <bob@example.com>"},
				},
				"parts": []any{
					map[string]any{"mimeType": "text/plain", "body": map[string]any{"data": b64url("hello??")}},
					map[string]any{"mimeType": "text/html", "body": map[string]any{"data": b64url("<b>hello</b><script>x()</script>")}},
				},
			},
		})
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/m2", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"id": "m2", "internalDate": "0"})
	})
	a := newTestAdapter(t, mux)

	var msgs []model.CanonicalMessage
	var errs []error
	for m, err := range a.ListMessages(context.Background(), testCred, "tok", 2) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msgs = append(msgs, m)
	}

	require.Len(t, msgs, 1)
	require.Len(t, errs, 1)
	m := msgs[0]
	assert.Equal(t, "Café", m.Subject)
	assert.Equal(t, "ann@example.com", m.From)
	assert.Equal(t, []string{"me@example.com", "bob@example.com"}, m.To)
	assert.Equal(t, "hello??", m.BodyText)
	assert.Equal(t, "<b>hello</b>", m.BodyHTML)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), m.SentAt)
	assert.True(t, m.IsRead)
	assert.True(t, m.IsStarred)
	assert.Equal(t, "INBOX", m.Folder)
}

func TestSendMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gmail/v1/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		raw, err := providerhttp.DecodeBase64URL(body["raw"])
		require.NoError(t, err)
		assert.Contains(t, string(raw), "To: <client@example.com>")
		assert.Contains(t, string(raw), "From: <me@example.com>")
		assert.Contains(t, string(raw), "<strong>Agenda</strong>")
		writeJSON(t, w, map[string]string{"id": "sent-1"})
	})
	a := newTestAdapter(t, mux)

	id, err := a.SendMessage(context.Background(), testCred, "tok", model.CanonicalMessage{
		Subject: "Meeting", To: []string{"client@example.com"}, BodyText: "**Agenda**",
	})

	require.NoError(t, err)
	assert.Equal(t, "sent-1", id)
}

func TestSendMessage_NoRecipients(t *testing.T) {
	a := newTestAdapter(t, http.NewServeMux())

	_, err := a.SendMessage(context.Background(), testCred, "tok", model.CanonicalMessage{Subject: "x"})

	var normErr *driven.NormalizeError
	assert.ErrorAs(t, err, &normErr)
}

func TestFetchObject_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /calendar/v3/calendars/primary/events/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	a := newTestAdapter(t, mux)

	_, err := a.FetchObject(context.Background(), testCred, "tok", model.KindAppointment, "gone")

	assert.True(t, errors.Is(err, driven.ErrRemoteNotFound))
	var apiErr *driven.ProviderAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusGone, apiErr.Status)
}

func TestFetchObject_ServerErrorIsRetryable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(t, w, map[string]any{"error": map[string]any{"code": 503, "message": "backend"}})
	})
	a := newTestAdapter(t, mux)

	_, err := a.FetchObject(context.Background(), testCred, "tok", model.KindMessage, "m1")

	assert.False(t, errors.Is(err, driven.ErrRemoteNotFound))
	assert.True(t, driven.IsRetryable(err))
}

func TestAccountIdentity(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]string{"emailAddress": "me@example.com"})
	})
	a := newTestAdapter(t, mux)

	id, err := a.AccountIdentity(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", id.Email)
	assert.Equal(t, "me@example.com", id.AccountID)
}

func TestParseDeltas_PubSub(t *testing.T) {
	a := newTestAdapter(t, http.NewServeMux())
	data := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"me@example.com","historyId":9876}`))
	body := []byte(`{"message":{"data":"` + data + `","messageId":"1"},"subscription":"projects/p/subscriptions/s"}`)

	deltas, err := a.ParseDeltas(http.Header{}, body)

	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, model.DeltaResync, deltas[0].Change)
	assert.Equal(t, "me@example.com", deltas[0].AccountID)
	assert.Equal(t, model.KindMessage, deltas[0].Kind)
}

func TestParseDeltas_CalendarChannel(t *testing.T) {
	a := newTestAdapter(t, http.NewServeMux())
	header := http.Header{}
	header.Set(headerResourceState, "exists")
	header.Set(headerChannelToken, "account=me%40example.com&secret=s")

	deltas, err := a.ParseDeltas(header, nil)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, "me@example.com", deltas[0].AccountID)

	header.Set(headerResourceState, "sync")
	deltas, err = a.ParseDeltas(header, nil)
	require.NoError(t, err)
	assert.Empty(t, deltas)
}

func TestParseDeltas_Invalid(t *testing.T) {
	a := newTestAdapter(t, http.NewServeMux())

	_, err := a.ParseDeltas(http.Header{}, []byte(`{"message":{}}`))
	assert.ErrorIs(t, err, driven.ErrInvalidPayload)
}

func TestVerifyWebhook(t *testing.T) {
	a := newTestAdapter(t, http.NewServeMux())

	header := http.Header{}
	header.Set(headerChannelToken, "account=me%40example.com&secret=s3cret")
	assert.NoError(t, a.VerifyWebhook(header, nil, nil, "s3cret"))
	assert.ErrorIs(t, a.VerifyWebhook(header, nil, nil, "other"), driven.ErrInvalidSignature)

	assert.NoError(t, a.VerifyWebhook(http.Header{}, url.Values{"token": {"s3cret"}}, nil, "s3cret"))
	assert.ErrorIs(t, a.VerifyWebhook(http.Header{}, url.Values{}, nil, "s3cret"), driven.ErrInvalidSignature)
	assert.NoError(t, a.VerifyWebhook(http.Header{}, url.Values{}, nil, ""), "no secret configured")
}

func TestBuildRFC822_Headers(t *testing.T) {
	raw, err := buildRFC822("me@example.com", model.CanonicalMessage{
		Subject: "Hi", To: []string{"a@example.com"}, Cc: []string{"b@example.com"}, BodyHTML: "<p>x</p>",
	})
	require.NoError(t, err)
	head := strings.SplitN(string(raw), "\r\n\r\n", 2)[0]
	assert.Contains(t, head, "Cc: <b@example.com>")
	assert.Contains(t, head, "Content-Type: multipart/alternative")
	assert.NotContains(t, head, "Bcc:")
}

func TestBuildRFC822_RejectsHeaderInjection(t *testing.T) {
	cases := map[string]model.CanonicalMessage{
		"to":   {To: []string{"bob@example.com\r\nBcc: leak@evil.test"}},
		"cc":   {To: []string{"bob@example.com"}, Cc: []string{"x@example.com\nX-Evil: 1"}},
		"from": {From: "me@example.com\r\nBcc: leak@evil.test", To: []string{"bob@example.com"}},
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			raw, err := buildRFC822("me@example.com", msg)
			require.Error(t, err)
			assert.NotContains(t, string(raw), "leak@evil.test")
		})
	}
}

func TestBuildRFC822_EncodesDisplayNames(t *testing.T) {
	raw, err := buildRFC822("me@example.com", model.CanonicalMessage{
		Subject: "Café\r\nBcc: leak@evil.test", To: []string{"Zoë <zoe@example.com>"}, BodyText: "hi",
	})
	require.NoError(t, err)

	head := strings.SplitN(string(raw), "\r\n\r\n", 2)[0]
	assert.NotContains(t, head, "\r\nBcc:")
	assert.Contains(t, head, "<zoe@example.com>")
	assert.Contains(t, head, "Subject: =?utf-8?")
}
