package google

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

const (
	dateLayout      = "2006-01-02"
	primaryCalendar = "primary"
)

// ListEvents pages through the primary calendar, expanding recurring events
// and including cancelled ones so deletions are observed.
func (a *Adapter) ListEvents(ctx context.Context, cred model.Credential, accessToken string, window model.TimeWindow) iter.Seq2[model.CanonicalEvent, error] {
	return func(yield func(model.CanonicalEvent, error) bool) {
		svc, err := a.calendarService(ctx, cred.AccountID, accessToken)
		if err != nil {
			yield(model.CanonicalEvent{}, err)
			return
		}

		pageToken := ""
		for {
			call := svc.Events.List(primaryCalendar).
				TimeMin(window.Start.UTC().Format(time.RFC3339)).
				TimeMax(window.End.UTC().Format(time.RFC3339)).
				SingleEvents(true).
				ShowDeleted(true).
				MaxResults(eventPageSize).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}

			page, err := call.Do()
			if err != nil {
				yield(model.CanonicalEvent{}, apiError("list events", err))
				return
			}

			for _, item := range page.Items {
				ev, err := toCanonicalEvent(item)
				if err != nil {
					err = &driven.NormalizeError{Provider: model.ProviderGoogle, ExternalID: item.Id, Err: err}
					if !yield(model.CanonicalEvent{}, err) {
						return
					}
					continue
				}
				if !yield(ev, nil) {
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

// CreateEvent inserts ev into the primary calendar.
func (a *Adapter) CreateEvent(ctx context.Context, cred model.Credential, accessToken string, ev model.CanonicalEvent) (string, string, error) {
	svc, err := a.calendarService(ctx, cred.AccountID, accessToken)
	if err != nil {
		return "", "", err
	}
	created, err := svc.Events.Insert(primaryCalendar, fromCanonicalEvent(ev)).Context(ctx).Do()
	if err != nil {
		return "", "", apiError("create event", err)
	}
	if created.Id == "" {
		return "", "", &driven.ProviderAPIError{Provider: model.ProviderGoogle, Op: "create event", Status: http.StatusOK,
			Err: errors.New("response has no event id")}
	}
	return created.Id, created.Etag, nil
}

func (a *Adapter) getEvent(ctx context.Context, cred model.Credential, accessToken, id string) (model.CanonicalEvent, error) {
	svc, err := a.calendarService(ctx, cred.AccountID, accessToken)
	if err != nil {
		return model.CanonicalEvent{}, err
	}
	item, err := svc.Events.Get(primaryCalendar, id).Context(ctx).Do()
	if err != nil {
		return model.CanonicalEvent{}, notFoundOr(apiError("get event", err))
	}
	ev, err := toCanonicalEvent(item)
	if err != nil {
		return model.CanonicalEvent{}, &driven.NormalizeError{Provider: model.ProviderGoogle, ExternalID: id, Err: err}
	}
	return ev, nil
}

func toCanonicalEvent(item *calendar.Event) (model.CanonicalEvent, error) {
	if item == nil || item.Id == "" {
		return model.CanonicalEvent{}, errors.New("event has no id")
	}
	ev := model.CanonicalEvent{
		ExternalID:  item.Id,
		ETag:        item.Etag,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Cancelled:   item.Status == "cancelled",
	}
	if item.Organizer != nil {
		ev.Organizer = item.Organizer.Email
	}
	if item.Updated != "" {
		if t, err := time.Parse(time.RFC3339, item.Updated); err == nil {
			ev.UpdatedAt = t
		}
	}

	// Cancelled instances of recurring events carry no times.
	if ev.Cancelled && item.Start == nil {
		return ev, nil
	}
	if item.Start == nil || item.End == nil {
		return model.CanonicalEvent{}, errors.New("event has no start or end")
	}

	var err error
	if ev.Start, ev.AllDay, err = parseEventTime(item.Start); err != nil {
		return model.CanonicalEvent{}, fmt.Errorf("start: %w", err)
	}
	if ev.End, _, err = parseEventTime(item.End); err != nil {
		return model.CanonicalEvent{}, fmt.Errorf("end: %w", err)
	}
	ev.TimeZone = item.Start.TimeZone

	for _, att := range item.Attendees {
		ev.Attendees = append(ev.Attendees, model.Attendee{
			Email:    att.Email,
			Name:     att.DisplayName,
			Status:   att.ResponseStatus,
			Optional: att.Optional,
		})
	}
	return ev, nil
}

func parseEventTime(t *calendar.EventDateTime) (time.Time, bool, error) {
	switch {
	case t.DateTime != "":
		parsed, err := time.Parse(time.RFC3339, t.DateTime)
		return parsed.UTC(), false, err
	case t.Date != "":
		parsed, err := time.Parse(dateLayout, t.Date)
		return parsed, true, err
	default:
		return time.Time{}, false, errors.New("neither dateTime nor date set")
	}
}

func fromCanonicalEvent(ev model.CanonicalEvent) *calendar.Event {
	out := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
	}
	if ev.AllDay {
		out.Start = &calendar.EventDateTime{Date: ev.Start.Format(dateLayout)}
		out.End = &calendar.EventDateTime{Date: ev.End.Format(dateLayout)}
	} else {
		out.Start = &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: ev.TimeZone}
		out.End = &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: ev.TimeZone}
	}
	for _, att := range ev.Attendees {
		out.Attendees = append(out.Attendees, &calendar.EventAttendee{
			Email:       att.Email,
			DisplayName: att.Name,
			Optional:    att.Optional,
		})
	}
	return out
}
