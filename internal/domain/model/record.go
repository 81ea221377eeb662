package model

import "time"

// Appointment is the CRM-side calendar record.
type Appointment struct {
	ID           string
	OwnerID      string
	CredentialID int64
	Title        string
	Description  string
	StartAt      time.Time
	EndAt        time.Time
	TimeZone     string
	AllDay       bool
	Location     string
	Attendees    []Attendee
	Cancelled    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ApplyEvent copies the remote event's fields onto the appointment,
// keeping identity and ownership.
func (a *Appointment) ApplyEvent(ev CanonicalEvent) {
	a.Title = ev.Title
	a.Description = ev.Description
	a.StartAt = ev.Start
	a.EndAt = ev.End
	a.TimeZone = ev.TimeZone
	a.AllDay = ev.AllDay
	a.Location = ev.Location
	a.Attendees = ev.Attendees
	a.Cancelled = ev.Cancelled
}

// Event renders the appointment in canonical form for export.
func (a Appointment) Event() CanonicalEvent {
	return CanonicalEvent{
		Title:       a.Title,
		Description: a.Description,
		Start:       a.StartAt,
		End:         a.EndAt,
		TimeZone:    a.TimeZone,
		AllDay:      a.AllDay,
		Location:    a.Location,
		Attendees:   a.Attendees,
	}
}

// Message is the CRM-side email record.
type Message struct {
	ID           string
	OwnerID      string
	CredentialID int64
	Subject      string
	From         string
	To           []string
	Cc           []string
	Bcc          []string
	SentAt       time.Time
	BodyText     string
	BodyHTML     string
	IsRead       bool
	IsStarred    bool
	Folder       string
	ThreadID     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ApplyMessage copies the remote message's fields onto the record.
func (m *Message) ApplyMessage(cm CanonicalMessage) {
	m.Subject = cm.Subject
	m.From = cm.From
	m.To = cm.To
	m.Cc = cm.Cc
	m.Bcc = cm.Bcc
	m.SentAt = cm.SentAt
	m.BodyText = cm.BodyText
	m.BodyHTML = cm.BodyHTML
	m.IsRead = cm.IsRead
	m.IsStarred = cm.IsStarred
	m.Folder = cm.Folder
	m.ThreadID = cm.ThreadID
}

// Canonical renders the message for export.
func (m Message) Canonical() CanonicalMessage {
	return CanonicalMessage{
		Subject:  m.Subject,
		From:     m.From,
		To:       m.To,
		Cc:       m.Cc,
		Bcc:      m.Bcc,
		BodyText: m.BodyText,
		BodyHTML: m.BodyHTML,
		ThreadID: m.ThreadID,
	}
}
