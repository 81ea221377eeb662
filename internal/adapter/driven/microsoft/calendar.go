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

// graphTimeLayout parses Graph dateTimeTimeZone values, which carry up to
// seven fractional digits and no offset.
const (
	graphTimeLayout  = "2006-01-02T15:04:05.9999999"
	graphWriteLayout = "2006-01-02T15:04:05"
)

type dateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type graphAttendee struct {
	Type   string `json:"type,omitempty"`
	Status *struct {
		Response string `json:"response"`
	} `json:"status,omitempty"`
	EmailAddress emailAddress `json:"emailAddress"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphEvent struct {
	ID       string            `json:"id,omitempty"`
	ETag     string            `json:"@odata.etag,omitempty"`
	Subject  string            `json:"subject"`
	Body     *itemBody         `json:"body,omitempty"`
	Start    *dateTimeTimeZone `json:"start,omitempty"`
	End      *dateTimeTimeZone `json:"end,omitempty"`
	Location *struct {
		DisplayName string `json:"displayName"`
	} `json:"location,omitempty"`
	IsAllDay    bool            `json:"isAllDay"`
	IsCancelled bool            `json:"isCancelled,omitempty"`
	Attendees   []graphAttendee `json:"attendees,omitempty"`
	Organizer   *struct {
		EmailAddress emailAddress `json:"emailAddress"`
	} `json:"organizer,omitempty"`
	LastModified string `json:"lastModifiedDateTime,omitempty"`
}

type eventPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

// ListEvents pages through the calendar view, which expands recurrences
// within the window.
func (a *Adapter) ListEvents(ctx context.Context, cred model.Credential, accessToken string, window model.TimeWindow) iter.Seq2[model.CanonicalEvent, error] {
	return func(yield func(model.CanonicalEvent, error) bool) {
		req := providerhttp.Request{
			Op:   "list events",
			Path: "me/calendarView",
			Query: url.Values{
				"startDateTime": {window.Start.UTC().Format(time.RFC3339)},
				"endDateTime":   {window.End.UTC().Format(time.RFC3339)},
				"$top":          {strconv.Itoa(pageSize)},
			},
		}
		for {
			var page eventPage
			if err := a.do(ctx, cred, accessToken, req, &page); err != nil {
				yield(model.CanonicalEvent{}, err)
				return
			}

			for _, item := range page.Value {
				ev, err := toCanonicalEvent(item)
				if err != nil {
					err = &driven.NormalizeError{Provider: model.ProviderMicrosoft, ExternalID: item.ID, Err: err}
					if !yield(model.CanonicalEvent{}, err) {
						return
					}
					continue
				}
				if !yield(ev, nil) {
					return
				}
			}

			if page.NextLink == "" {
				return
			}
			req = providerhttp.Request{Op: "list events", Path: page.NextLink}
		}
	}
}

// CreateEvent creates ev in the default calendar.
func (a *Adapter) CreateEvent(ctx context.Context, cred model.Credential, accessToken string, ev model.CanonicalEvent) (string, string, error) {
	var created graphEvent
	req := providerhttp.Request{Op: "create event", Method: http.MethodPost, Path: "me/events", Body: fromCanonicalEvent(ev)}
	if err := a.do(ctx, cred, accessToken, req, &created); err != nil {
		return "", "", err
	}
	if created.ID == "" {
		return "", "", &driven.ProviderAPIError{Provider: model.ProviderMicrosoft, Op: "create event", Status: http.StatusCreated,
			Err: errors.New("response has no event id")}
	}
	return created.ID, created.ETag, nil
}

func toCanonicalEvent(item graphEvent) (model.CanonicalEvent, error) {
	if item.ID == "" {
		return model.CanonicalEvent{}, errors.New("event has no id")
	}
	ev := model.CanonicalEvent{
		ExternalID: item.ID,
		ETag:       item.ETag,
		Title:      item.Subject,
		AllDay:     item.IsAllDay,
		Cancelled:  item.IsCancelled,
	}
	if item.Body != nil {
		ev.Description = item.Body.Content
		if item.Body.ContentType == "html" {
			ev.Description = providerhttp.SanitizeHTML(item.Body.Content)
		}
	}
	if item.Location != nil {
		ev.Location = item.Location.DisplayName
	}
	if item.Organizer != nil {
		ev.Organizer = item.Organizer.EmailAddress.Address
	}
	if item.LastModified != "" {
		if t, err := time.Parse(time.RFC3339, item.LastModified); err == nil {
			ev.UpdatedAt = t
		}
	}
	if item.Start == nil || item.End == nil {
		return model.CanonicalEvent{}, errors.New("event has no start or end")
	}

	var err error
	if ev.Start, err = parseGraphTime(*item.Start); err != nil {
		return model.CanonicalEvent{}, fmt.Errorf("start: %w", err)
	}
	if ev.End, err = parseGraphTime(*item.End); err != nil {
		return model.CanonicalEvent{}, fmt.Errorf("end: %w", err)
	}
	ev.TimeZone = item.Start.TimeZone

	for _, att := range item.Attendees {
		a := model.Attendee{
			Email:    att.EmailAddress.Address,
			Name:     att.EmailAddress.Name,
			Optional: att.Type == "optional",
		}
		if att.Status != nil {
			a.Status = att.Status.Response
		}
		ev.Attendees = append(ev.Attendees, a)
	}
	return ev, nil
}

// parseGraphTime interprets the wall-clock value in its IANA zone. Requests
// ask for UTC, so other zones appear only when Graph ignores the preference.
func parseGraphTime(v dateTimeTimeZone) (time.Time, error) {
	loc := time.UTC
	if v.TimeZone != "" && v.TimeZone != "UTC" {
		l, err := time.LoadLocation(v.TimeZone)
		if err != nil {
			return time.Time{}, fmt.Errorf("unknown time zone %q", v.TimeZone)
		}
		loc = l
	}
	t, err := time.ParseInLocation(graphTimeLayout, v.DateTime, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func fromCanonicalEvent(ev model.CanonicalEvent) graphEvent {
	out := graphEvent{
		Subject:  ev.Title,
		Start:    &dateTimeTimeZone{DateTime: ev.Start.UTC().Format(graphWriteLayout), TimeZone: "UTC"},
		End:      &dateTimeTimeZone{DateTime: ev.End.UTC().Format(graphWriteLayout), TimeZone: "UTC"},
		IsAllDay: ev.AllDay,
	}
	if ev.Description != "" {
		out.Body = &itemBody{ContentType: "text", Content: ev.Description}
	}
	if ev.Location != "" {
		out.Location = &struct {
			DisplayName string `json:"displayName"`
		}{DisplayName: ev.Location}
	}
	for _, att := range ev.Attendees {
		typ := "required"
		if att.Optional {
			typ = "optional"
		}
		out.Attendees = append(out.Attendees, graphAttendee{
			Type:         typ,
			EmailAddress: emailAddress{Name: att.Name, Address: att.Email},
		})
	}
	return out
}
