package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.MappingStore = (*MappingRepo)(nil)

// MappingRepo is the SQLite implementation of the MappingStore port. Both
// uniqueness rules are enforced by table constraints.
type MappingRepo struct {
	db  *DB
	now func() time.Time
}

// NewMappingRepo creates a new MappingRepo backed by the given DB.
func NewMappingRepo(db *DB) *MappingRepo {
	return &MappingRepo{db: db, now: time.Now}
}

const mappingColumns = `id, internal_id, kind, provider, external_id, etag, direction, status, credential_id, created_at, updated_at`

// FindByExternalID returns the mapping for a provider object, or (nil, nil).
func (r *MappingRepo) FindByExternalID(ctx context.Context, provider model.Provider, externalID string) (*model.Mapping, error) {
	const query = `SELECT ` + mappingColumns + ` FROM mappings WHERE provider = ? AND external_id = ?`
	return r.getOne(ctx, r.db.Reader, query, string(provider), externalID)
}

// FindByInternalID returns the mapping for an internal record at provider, or (nil, nil).
func (r *MappingRepo) FindByInternalID(ctx context.Context, internalID string, provider model.Provider) (*model.Mapping, error) {
	const query = `SELECT ` + mappingColumns + ` FROM mappings WHERE internal_id = ? AND provider = ?`
	return r.getOne(ctx, r.db.Reader, query, internalID, string(provider))
}

// Upsert inserts m or refreshes etag/status of the existing mapping for the
// same provider object. The returned mapping is the stored row, whose
// InternalID differs from m.InternalID when another writer won the insert.
func (r *MappingRepo) Upsert(ctx context.Context, m model.Mapping) (model.Mapping, error) {
	if m.Status == "" {
		m.Status = model.MappingStatusSynced
	}
	now := formatTime(r.now())

	const query = `
		INSERT INTO mappings (
			internal_id, kind, provider, external_id, etag, direction, status,
			credential_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, external_id) DO UPDATE SET
			etag = excluded.etag,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	_, err := r.db.Writer.ExecContext(ctx, query,
		m.InternalID, string(m.Kind), string(m.Provider), m.ExternalID, m.ETag,
		string(m.Direction), string(m.Status), m.CredentialID, now, now,
	)
	if isUniqueViolation(err) {
		return model.Mapping{}, fmt.Errorf("upsert mapping %s/%s for %s: %w",
			m.Provider, m.ExternalID, m.InternalID, driven.ErrMappingConflict)
	}
	if err != nil {
		return model.Mapping{}, fmt.Errorf("upsert mapping %s/%s: %w", m.Provider, m.ExternalID, err)
	}

	const reread = `SELECT ` + mappingColumns + ` FROM mappings WHERE provider = ? AND external_id = ?`
	stored, err := r.getOne(ctx, r.db.Writer, reread, string(m.Provider), m.ExternalID)
	if err != nil {
		return model.Mapping{}, err
	}
	if stored == nil {
		return model.Mapping{}, fmt.Errorf("upsert mapping %s/%s: row vanished", m.Provider, m.ExternalID)
	}
	return *stored, nil
}

// Delete removes a mapping by id. Deleting a missing mapping is not an error.
func (r *MappingRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.Writer.ExecContext(ctx, `DELETE FROM mappings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete mapping %d: %w", id, err)
	}
	return nil
}

// ListByCredential returns all mappings owned by the credential.
func (r *MappingRepo) ListByCredential(ctx context.Context, credentialID int64) ([]model.Mapping, error) {
	const query = `SELECT ` + mappingColumns + ` FROM mappings WHERE credential_id = ? ORDER BY id`
	rows, err := r.db.Reader.QueryContext(ctx, query, credentialID)
	if err != nil {
		return nil, fmt.Errorf("list mappings for credential %d: %w", credentialID, err)
	}
	defer rows.Close()

	var mappings []model.Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		mappings = append(mappings, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mappings: %w", err)
	}
	return mappings, nil
}

func (r *MappingRepo) getOne(ctx context.Context, db *sql.DB, query string, args ...any) (*model.Mapping, error) {
	m, err := scanMapping(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	return m, nil
}

func scanMapping(s scanner) (*model.Mapping, error) {
	var (
		m                          model.Mapping
		kind, provider, dir, state string
		createdAt, updatedAt       string
	)
	err := s.Scan(&m.ID, &m.InternalID, &kind, &provider, &m.ExternalID, &m.ETag,
		&dir, &state, &m.CredentialID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.Kind = model.RecordKind(kind)
	m.Provider = model.Provider(provider)
	m.Direction = model.MappingDirection(dir)
	m.Status = model.MappingStatus(state)

	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &m, nil
}
