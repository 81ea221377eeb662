package model

import "time"

// Attendee is a participant of a calendar event.
type Attendee struct {
	Email    string
	Name     string
	Status   string
	Optional bool
}

// CanonicalEvent is the provider-neutral shape of a calendar event.
type CanonicalEvent struct {
	ExternalID  string
	ETag        string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	TimeZone    string
	AllDay      bool
	Location    string
	Attendees   []Attendee
	Organizer   string
	Cancelled   bool
	UpdatedAt   time.Time
}

// CanonicalMessage is the provider-neutral shape of a mailbox message.
type CanonicalMessage struct {
	ExternalID string
	ThreadID   string
	Subject    string
	From       string
	To         []string
	Cc         []string
	Bcc        []string
	SentAt     time.Time
	BodyText   string
	BodyHTML   string
	IsRead     bool
	IsStarred  bool
	Folder     string
	Deleted    bool
}

// RemoteObject is a single fetched provider object of either kind.
type RemoteObject struct {
	Kind    RecordKind
	Event   *CanonicalEvent
	Message *CanonicalMessage
}

// TimeWindow bounds an event listing.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// WindowAround returns the symmetric window [now-span, now+span].
func WindowAround(now time.Time, span time.Duration) TimeWindow {
	return TimeWindow{Start: now.Add(-span), End: now.Add(span)}
}
