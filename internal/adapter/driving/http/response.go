package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the JSON body of the liveness endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// ConnectAccountRequest connects an account either with tokens obtained by
// an outer OAuth handshake or with an authorization code to exchange.
type ConnectAccountRequest struct {
	OwnerID      string   `json:"owner_id"`
	Provider     string   `json:"provider"`
	Email        string   `json:"email"`
	AccountID    string   `json:"account_id"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    string   `json:"expires_at"`
	Scopes       []string `json:"scopes"`
	Code         string   `json:"code"`
	RedirectURL  string   `json:"redirect_url"`
}

// AccountResponse is a connected account. It never carries token material.
type AccountResponse struct {
	ID        int64    `json:"id"`
	OwnerID   string   `json:"owner_id"`
	Provider  string   `json:"provider"`
	Email     string   `json:"email"`
	AccountID string   `json:"account_id"`
	Status    string   `json:"status"`
	Scopes    []string `json:"scopes"`
	ExpiresAt string   `json:"expires_at"`
}

// AccountHealthResponse is an account with its user-visible sync condition.
type AccountHealthResponse struct {
	ID         int64            `json:"id"`
	Provider   string           `json:"provider"`
	Email      string           `json:"email"`
	State      string           `json:"state"`
	Message    string           `json:"message"`
	Reasons    []string         `json:"reasons"`
	LastSyncAt string           `json:"last_sync_at,omitempty"`
	LastRun    *SyncRunResponse `json:"last_run,omitempty"`
}

// SyncRequest is the optional body of a manual sync trigger.
type SyncRequest struct {
	Direction string `json:"direction"`
}

// SyncRunResponse is the JSON representation of one sync pass.
type SyncRunResponse struct {
	ID           string   `json:"id"`
	CredentialID int64    `json:"credential_id"`
	Provider     string   `json:"provider"`
	Direction    string   `json:"direction"`
	Trigger      string   `json:"trigger"`
	Status       string   `json:"status"`
	Imported     int      `json:"imported"`
	Updated      int      `json:"updated"`
	Deleted      int      `json:"deleted"`
	Exported     int      `json:"exported"`
	Errors       int      `json:"errors"`
	ErrorDetails []string `json:"error_details"`
	StartedAt    string   `json:"started_at"`
	CompletedAt  string   `json:"completed_at,omitempty"`
}

// AttendeeJSON is an event attendee in requests and responses.
type AttendeeJSON struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Status   string `json:"status,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// CreateAppointmentRequest is the body of POST /api/v1/appointments.
type CreateAppointmentRequest struct {
	CredentialID int64          `json:"credential_id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	StartAt      string         `json:"start_at"`
	EndAt        string         `json:"end_at"`
	TimeZone     string         `json:"time_zone"`
	AllDay       bool           `json:"all_day"`
	Location     string         `json:"location"`
	Attendees    []AttendeeJSON `json:"attendees"`
}

// AppointmentResponse is the JSON representation of an appointment.
type AppointmentResponse struct {
	ID           string         `json:"id"`
	CredentialID int64          `json:"credential_id"`
	OwnerID      string         `json:"owner_id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	StartAt      string         `json:"start_at"`
	EndAt        string         `json:"end_at"`
	TimeZone     string         `json:"time_zone"`
	AllDay       bool           `json:"all_day"`
	Location     string         `json:"location"`
	Attendees    []AttendeeJSON `json:"attendees"`
	Cancelled    bool           `json:"cancelled"`
}

// CreateMessageRequest is the body of POST /api/v1/messages.
type CreateMessageRequest struct {
	CredentialID int64    `json:"credential_id"`
	Subject      string   `json:"subject"`
	To           []string `json:"to"`
	Cc           []string `json:"cc"`
	Bcc          []string `json:"bcc"`
	BodyText     string   `json:"body_text"`
	BodyHTML     string   `json:"body_html"`
	ThreadID     string   `json:"thread_id"`
}

// MessageResponse is the JSON representation of a message.
type MessageResponse struct {
	ID           string   `json:"id"`
	CredentialID int64    `json:"credential_id"`
	OwnerID      string   `json:"owner_id"`
	Subject      string   `json:"subject"`
	From         string   `json:"from"`
	To           []string `json:"to"`
	Cc           []string `json:"cc"`
	SentAt       string   `json:"sent_at,omitempty"`
	BodyText     string   `json:"body_text"`
	BodyHTML     string   `json:"body_html"`
	IsRead       bool     `json:"is_read"`
	IsStarred    bool     `json:"is_starred"`
	Folder       string   `json:"folder"`
	ThreadID     string   `json:"thread_id"`
}

// nonNil returns s, or an empty slice so JSON encodes [] instead of null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toAccountResponse(c model.Credential) AccountResponse {
	return AccountResponse{
		ID:        c.ID,
		OwnerID:   c.OwnerID,
		Provider:  string(c.Provider),
		Email:     c.Email,
		AccountID: c.AccountID,
		Status:    string(c.Status),
		Scopes:    nonNil(c.Scopes),
		ExpiresAt: formatTime(c.Expiry),
	}
}

func toAccountHealthResponse(h model.AccountHealth) AccountHealthResponse {
	resp := AccountHealthResponse{
		ID:         h.CredentialID,
		Provider:   string(h.Provider),
		Email:      h.Email,
		State:      string(h.State),
		Message:    h.Message,
		Reasons:    nonNil(h.Reasons),
		LastSyncAt: formatTimePtr(h.LastSyncAt),
	}
	if h.LastRun != nil {
		run := toSyncRunResponse(*h.LastRun)
		resp.LastRun = &run
	}
	return resp
}

func toSyncRunResponse(r model.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:           r.ID,
		CredentialID: r.CredentialID,
		Provider:     string(r.Provider),
		Direction:    string(r.Direction),
		Trigger:      string(r.Trigger),
		Status:       string(r.Status),
		Imported:     r.Imported,
		Updated:      r.Updated,
		Deleted:      r.Deleted,
		Exported:     r.Exported,
		Errors:       r.Errors,
		ErrorDetails: nonNil(r.ErrorMessages),
		StartedAt:    formatTime(r.StartedAt),
		CompletedAt:  formatTimePtr(r.CompletedAt),
	}
}

func toAttendeesJSON(in []model.Attendee) []AttendeeJSON {
	out := make([]AttendeeJSON, 0, len(in))
	for _, a := range in {
		out = append(out, AttendeeJSON(a))
	}
	return out
}

func fromAttendeesJSON(in []AttendeeJSON) []model.Attendee {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.Attendee, 0, len(in))
	for _, a := range in {
		out = append(out, model.Attendee(a))
	}
	return out
}

func toAppointmentResponse(a model.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:           a.ID,
		CredentialID: a.CredentialID,
		OwnerID:      a.OwnerID,
		Title:        a.Title,
		Description:  a.Description,
		StartAt:      formatTime(a.StartAt),
		EndAt:        formatTime(a.EndAt),
		TimeZone:     a.TimeZone,
		AllDay:       a.AllDay,
		Location:     a.Location,
		Attendees:    toAttendeesJSON(a.Attendees),
		Cancelled:    a.Cancelled,
	}
}

func toMessageResponse(m model.Message) MessageResponse {
	return MessageResponse{
		ID:           m.ID,
		CredentialID: m.CredentialID,
		OwnerID:      m.OwnerID,
		Subject:      m.Subject,
		From:         m.From,
		To:           nonNil(m.To),
		Cc:           nonNil(m.Cc),
		SentAt:       formatTime(m.SentAt),
		BodyText:     m.BodyText,
		BodyHTML:     m.BodyHTML,
		IsRead:       m.IsRead,
		IsStarred:    m.IsStarred,
		Folder:       m.Folder,
		ThreadID:     m.ThreadID,
	}
}
