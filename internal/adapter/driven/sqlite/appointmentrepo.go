package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AppointmentStore = (*AppointmentRepo)(nil)

// AppointmentRepo is the SQLite implementation of the AppointmentStore port.
// Attendees are serialized as a JSON array in a TEXT column.
type AppointmentRepo struct {
	db  *DB
	now func() time.Time
}

// NewAppointmentRepo creates a new AppointmentRepo backed by the given DB.
func NewAppointmentRepo(db *DB) *AppointmentRepo {
	return &AppointmentRepo{db: db, now: time.Now}
}

const appointmentColumns = `
	a.id, a.owner_id, a.credential_id, a.title, a.description, a.start_at, a.end_at,
	a.time_zone, a.all_day, a.location, a.attendees, a.cancelled, a.created_at, a.updated_at`

// Create persists a new appointment, assigning a UUID when ID is empty.
func (r *AppointmentRepo) Create(ctx context.Context, a model.Appointment) (model.Appointment, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := r.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	attendees, err := marshalList(a.Attendees)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("marshal attendees: %w", err)
	}

	const query = `
		INSERT INTO appointments (
			id, owner_id, credential_id, title, description, start_at, end_at,
			time_zone, all_day, location, attendees, cancelled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Writer.ExecContext(ctx, query,
		a.ID, a.OwnerID, a.CredentialID, a.Title, a.Description,
		formatTime(a.StartAt), formatTime(a.EndAt), a.TimeZone, boolToInt(a.AllDay),
		a.Location, attendees, boolToInt(a.Cancelled), formatTime(now), formatTime(now),
	)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("create appointment %s: %w", a.ID, err)
	}
	return a, nil
}

// Update overwrites the mutable fields of an existing appointment.
func (r *AppointmentRepo) Update(ctx context.Context, a model.Appointment) error {
	attendees, err := marshalList(a.Attendees)
	if err != nil {
		return fmt.Errorf("marshal attendees: %w", err)
	}

	const query = `
		UPDATE appointments SET
			title = ?, description = ?, start_at = ?, end_at = ?, time_zone = ?,
			all_day = ?, location = ?, attendees = ?, cancelled = ?, updated_at = ?
		WHERE id = ?
	`
	_, err = r.db.Writer.ExecContext(ctx, query,
		a.Title, a.Description, formatTime(a.StartAt), formatTime(a.EndAt), a.TimeZone,
		boolToInt(a.AllDay), a.Location, attendees, boolToInt(a.Cancelled),
		formatTime(r.now()), a.ID,
	)
	if err != nil {
		return fmt.Errorf("update appointment %s: %w", a.ID, err)
	}
	return nil
}

// Get returns the appointment with id, or (nil, nil) if none exists.
func (r *AppointmentRepo) Get(ctx context.Context, id string) (*model.Appointment, error) {
	const query = `SELECT ` + appointmentColumns + ` FROM appointments a WHERE a.id = ?`
	a, err := scanAppointment(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment %s: %w", id, err)
	}
	return a, nil
}

// Delete removes an appointment by id.
func (r *AppointmentRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.Writer.ExecContext(ctx, `DELETE FROM appointments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete appointment %s: %w", id, err)
	}
	return nil
}

// ListByCredential returns the credential's appointments ordered by start time.
func (r *AppointmentRepo) ListByCredential(ctx context.Context, credentialID int64) ([]model.Appointment, error) {
	const query = `SELECT ` + appointmentColumns + ` FROM appointments a WHERE a.credential_id = ? ORDER BY a.start_at`
	return r.query(ctx, query, credentialID)
}

// ListUnmapped returns live appointments with no mapping at provider.
func (r *AppointmentRepo) ListUnmapped(ctx context.Context, credentialID int64, provider model.Provider) ([]model.Appointment, error) {
	const query = `
		SELECT ` + appointmentColumns + `
		FROM appointments a
		LEFT JOIN mappings m ON m.internal_id = a.id AND m.provider = ?
		WHERE a.credential_id = ? AND a.cancelled = 0 AND m.id IS NULL
		ORDER BY a.start_at
	`
	return r.query(ctx, query, string(provider), credentialID)
}

func (r *AppointmentRepo) query(ctx context.Context, query string, args ...any) ([]model.Appointment, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	var out []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointments: %w", err)
	}
	return out, nil
}

func scanAppointment(s scanner) (*model.Appointment, error) {
	var (
		a                    model.Appointment
		startAt, endAt       string
		allDay, cancelled    int
		attendees            string
		createdAt, updatedAt string
	)
	err := s.Scan(&a.ID, &a.OwnerID, &a.CredentialID, &a.Title, &a.Description, &startAt, &endAt,
		&a.TimeZone, &allDay, &a.Location, &attendees, &cancelled, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.AllDay = allDay == 1
	a.Cancelled = cancelled == 1

	if a.Attendees, err = unmarshalList[model.Attendee](attendees); err != nil {
		return nil, fmt.Errorf("unmarshal attendees: %w", err)
	}
	if a.StartAt, err = parseTime(startAt); err != nil {
		return nil, fmt.Errorf("parse start_at: %w", err)
	}
	if a.EndAt, err = parseTime(endAt); err != nil {
		return nil, fmt.Errorf("parse end_at: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &a, nil
}
