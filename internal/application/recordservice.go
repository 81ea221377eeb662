package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-message/mail"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// ErrInvalidRecord is returned when a CRM record fails validation.
var ErrInvalidRecord = errors.New("invalid record")

// RecordService manages CRM-side appointments and messages. Records become
// visible to export on the owning account's next pass.
type RecordService struct {
	creds    driven.CredentialStore
	appts    driven.AppointmentStore
	messages driven.MessageStore
}

// NewRecordService creates a RecordService.
func NewRecordService(creds driven.CredentialStore, appts driven.AppointmentStore, messages driven.MessageStore) *RecordService {
	return &RecordService{creds: creds, appts: appts, messages: messages}
}

func (s *RecordService) owner(ctx context.Context, credentialID int64) (*model.Credential, error) {
	cred, err := s.creds.GetByID(ctx, credentialID)
	if err != nil {
		return nil, fmt.Errorf("load credential %d: %w", credentialID, err)
	}
	if cred == nil {
		return nil, fmt.Errorf("%w: id %d", driven.ErrNoCredential, credentialID)
	}
	return cred, nil
}

// CreateAppointment stores a new appointment owned by the credential's owner.
func (s *RecordService) CreateAppointment(ctx context.Context, a model.Appointment) (model.Appointment, error) {
	switch {
	case a.Title == "":
		return model.Appointment{}, fmt.Errorf("%w: title is required", ErrInvalidRecord)
	case a.StartAt.IsZero() || a.EndAt.IsZero():
		return model.Appointment{}, fmt.Errorf("%w: start and end are required", ErrInvalidRecord)
	case a.EndAt.Before(a.StartAt):
		return model.Appointment{}, fmt.Errorf("%w: end is before start", ErrInvalidRecord)
	}
	cred, err := s.owner(ctx, a.CredentialID)
	if err != nil {
		return model.Appointment{}, err
	}
	a.ID = ""
	a.OwnerID = cred.OwnerID
	a.Cancelled = false
	return s.appts.Create(ctx, a)
}

// ListAppointments returns the credential's appointments.
func (s *RecordService) ListAppointments(ctx context.Context, credentialID int64) ([]model.Appointment, error) {
	return s.appts.ListByCredential(ctx, credentialID)
}

// CreateMessage stores an outgoing message to be sent on the next pass.
func (s *RecordService) CreateMessage(ctx context.Context, m model.Message) (model.Message, error) {
	if len(m.To) == 0 {
		return model.Message{}, fmt.Errorf("%w: at least one recipient is required", ErrInvalidRecord)
	}
	if err := validateAddresses(m); err != nil {
		return model.Message{}, err
	}
	cred, err := s.owner(ctx, m.CredentialID)
	if err != nil {
		return model.Message{}, err
	}
	m.ID = ""
	m.OwnerID = cred.OwnerID
	if m.From == "" {
		m.From = cred.Email
	}
	if m.Folder == "" {
		m.Folder = "SENT"
	}
	return s.messages.Create(ctx, m)
}

// validateAddresses requires every sender and recipient to be a single
// RFC 5322 address. Anything else could smuggle extra header lines into the
// outgoing message.
func validateAddresses(m model.Message) error {
	check := func(field string, entries ...string) error {
		for _, e := range entries {
			if _, err := mail.ParseAddress(e); err != nil {
				return fmt.Errorf("%w: %s address %q: %v", ErrInvalidRecord, field, e, err)
			}
		}
		return nil
	}
	if m.From != "" {
		if err := check("from", m.From); err != nil {
			return err
		}
	}
	return errors.Join(check("to", m.To...), check("cc", m.Cc...), check("bcc", m.Bcc...))
}

// ListMessages returns the credential's messages.
func (s *RecordService) ListMessages(ctx context.Context, credentialID int64) ([]model.Message, error) {
	return s.messages.ListByCredential(ctx, credentialID)
}
