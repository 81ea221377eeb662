package nylas

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

const dateLayout = "2006-01-02"

type participant struct {
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
}

// when is a tagged union: timespan, date or datespan.
type when struct {
	Object        string `json:"object,omitempty"`
	StartTime     int64  `json:"start_time,omitempty"`
	EndTime       int64  `json:"end_time,omitempty"`
	StartTimezone string `json:"start_timezone,omitempty"`
	Date          string `json:"date,omitempty"`
	StartDate     string `json:"start_date,omitempty"`
	EndDate       string `json:"end_date,omitempty"`
}

type nylasEvent struct {
	ID           string        `json:"id,omitempty"`
	Title        string        `json:"title"`
	Description  string        `json:"description,omitempty"`
	Location     string        `json:"location,omitempty"`
	When         when          `json:"when"`
	Participants []participant `json:"participants,omitempty"`
	Organizer    *participant  `json:"organizer,omitempty"`
	Status       string        `json:"status,omitempty"`
	UpdatedAt    int64         `json:"updated_at,omitempty"`
}

// ListEvents pages through the primary calendar with next_cursor.
func (a *Adapter) ListEvents(ctx context.Context, cred model.Credential, accessToken string, window model.TimeWindow) iter.Seq2[model.CanonicalEvent, error] {
	return func(yield func(model.CanonicalEvent, error) bool) {
		query := url.Values{
			"calendar_id":    {"primary"},
			"start":          {strconv.FormatInt(window.Start.Unix(), 10)},
			"end":            {strconv.FormatInt(window.End.Unix(), 10)},
			"limit":          {strconv.Itoa(pageSize)},
			"show_cancelled": {"true"},
		}
		for {
			var page envelope[[]nylasEvent]
			req := providerhttp.Request{Op: "list events", Path: grantPath(cred, "events"), Query: query}
			if _, err := a.api.Do(ctx, cred.AccountID, accessToken, req, &page); err != nil {
				yield(model.CanonicalEvent{}, err)
				return
			}

			for _, item := range page.Data {
				ev, err := toCanonicalEvent(item)
				if err != nil {
					err = &driven.NormalizeError{Provider: model.ProviderNylas, ExternalID: item.ID, Err: err}
					if !yield(model.CanonicalEvent{}, err) {
						return
					}
					continue
				}
				if !yield(ev, nil) {
					return
				}
			}

			if page.NextCursor == "" {
				return
			}
			query.Set("page_token", page.NextCursor)
		}
	}
}

// CreateEvent creates ev in the primary calendar. Nylas has no etag, so the
// update timestamp stands in for one.
func (a *Adapter) CreateEvent(ctx context.Context, cred model.Credential, accessToken string, ev model.CanonicalEvent) (string, string, error) {
	var resp envelope[nylasEvent]
	req := providerhttp.Request{
		Op:     "create event",
		Method: http.MethodPost,
		Path:   grantPath(cred, "events"),
		Query:  url.Values{"calendar_id": {"primary"}, "notify_participants": {"false"}},
		Body:   fromCanonicalEvent(ev),
	}
	if _, err := a.api.Do(ctx, cred.AccountID, accessToken, req, &resp); err != nil {
		return "", "", err
	}
	if resp.Data.ID == "" {
		return "", "", &driven.ProviderAPIError{Provider: model.ProviderNylas, Op: "create event", Status: http.StatusOK,
			Err: errors.New("response has no event id")}
	}
	return resp.Data.ID, etag(resp.Data.UpdatedAt), nil
}

func etag(updatedAt int64) string {
	if updatedAt == 0 {
		return ""
	}
	return strconv.FormatInt(updatedAt, 10)
}

func toCanonicalEvent(item nylasEvent) (model.CanonicalEvent, error) {
	if item.ID == "" {
		return model.CanonicalEvent{}, errors.New("event has no id")
	}
	ev := model.CanonicalEvent{
		ExternalID:  item.ID,
		ETag:        etag(item.UpdatedAt),
		Title:       item.Title,
		Description: item.Description,
		Location:    item.Location,
		Cancelled:   item.Status == "cancelled",
	}
	if item.UpdatedAt > 0 {
		ev.UpdatedAt = time.Unix(item.UpdatedAt, 0).UTC()
	}
	if item.Organizer != nil {
		ev.Organizer = item.Organizer.Email
	}

	switch item.When.Object {
	case "timespan":
		if item.When.StartTime == 0 || item.When.EndTime == 0 {
			return model.CanonicalEvent{}, errors.New("timespan without start or end")
		}
		ev.Start = time.Unix(item.When.StartTime, 0).UTC()
		ev.End = time.Unix(item.When.EndTime, 0).UTC()
		ev.TimeZone = item.When.StartTimezone
	case "date":
		day, err := time.Parse(dateLayout, item.When.Date)
		if err != nil {
			return model.CanonicalEvent{}, fmt.Errorf("date: %w", err)
		}
		ev.Start, ev.End, ev.AllDay = day, day.AddDate(0, 0, 1), true
	case "datespan":
		start, err := time.Parse(dateLayout, item.When.StartDate)
		if err != nil {
			return model.CanonicalEvent{}, fmt.Errorf("start_date: %w", err)
		}
		end, err := time.Parse(dateLayout, item.When.EndDate)
		if err != nil {
			return model.CanonicalEvent{}, fmt.Errorf("end_date: %w", err)
		}
		// end_date is inclusive.
		ev.Start, ev.End, ev.AllDay = start, end.AddDate(0, 0, 1), true
	default:
		return model.CanonicalEvent{}, fmt.Errorf("unsupported when object %q", item.When.Object)
	}

	for _, p := range item.Participants {
		ev.Attendees = append(ev.Attendees, model.Attendee{Email: p.Email, Name: p.Name, Status: p.Status})
	}
	return ev, nil
}

func fromCanonicalEvent(ev model.CanonicalEvent) nylasEvent {
	out := nylasEvent{
		Title:       ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
	}
	switch {
	case ev.AllDay && ev.End.Sub(ev.Start) <= 24*time.Hour:
		out.When = when{Object: "date", Date: ev.Start.UTC().Format(dateLayout)}
	case ev.AllDay:
		out.When = when{Object: "datespan", StartDate: ev.Start.UTC().Format(dateLayout),
			EndDate: ev.End.UTC().AddDate(0, 0, -1).Format(dateLayout)}
	default:
		out.When = when{Object: "timespan", StartTime: ev.Start.Unix(), EndTime: ev.End.Unix(), StartTimezone: ev.TimeZone}
	}
	for _, att := range ev.Attendees {
		out.Participants = append(out.Participants, participant{Email: att.Email, Name: att.Name})
	}
	return out
}
