package driven

import (
	"context"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
)

// AppointmentStore defines the driven port for CRM appointments.
type AppointmentStore interface {
	// Create assigns an ID when empty and persists the record.
	Create(ctx context.Context, a model.Appointment) (model.Appointment, error)
	Update(ctx context.Context, a model.Appointment) error
	// Get returns (nil, nil) when the appointment does not exist.
	Get(ctx context.Context, id string) (*model.Appointment, error)
	// Delete removes the record; used to discard an orphan after a lost mapping race.
	Delete(ctx context.Context, id string) error
	ListByCredential(ctx context.Context, credentialID int64) ([]model.Appointment, error)
	// ListUnmapped returns the credential's appointments that have no mapping
	// at provider and are not cancelled.
	ListUnmapped(ctx context.Context, credentialID int64, provider model.Provider) ([]model.Appointment, error)
}

// MessageStore defines the driven port for CRM messages.
type MessageStore interface {
	Create(ctx context.Context, m model.Message) (model.Message, error)
	Update(ctx context.Context, m model.Message) error
	Get(ctx context.Context, id string) (*model.Message, error)
	Delete(ctx context.Context, id string) error
	ListByCredential(ctx context.Context, credentialID int64) ([]model.Message, error)
	ListUnmapped(ctx context.Context, credentialID int64, provider model.Provider) ([]model.Message, error)
}
