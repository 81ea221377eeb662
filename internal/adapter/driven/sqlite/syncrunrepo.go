package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.SyncRunStore = (*SyncRunRepo)(nil)

// SyncRunRepo is the SQLite implementation of the SyncRunStore port.
type SyncRunRepo struct {
	db *DB
}

// NewSyncRunRepo creates a new SyncRunRepo backed by the given DB.
func NewSyncRunRepo(db *DB) *SyncRunRepo {
	return &SyncRunRepo{db: db}
}

const syncRunColumns = `
	id, credential_id, provider, direction, trigger_source, imported, exported, updated,
	deleted, errors, error_messages, status, started_at, completed_at`

// Create inserts a run in its initial state.
func (r *SyncRunRepo) Create(ctx context.Context, run model.SyncRun) error {
	const query = `
		INSERT INTO sync_runs (id, credential_id, provider, direction, trigger_source, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Writer.ExecContext(ctx, query,
		run.ID, run.CredentialID, string(run.Provider), string(run.Direction),
		string(run.Trigger), string(run.Status), formatTime(run.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("create sync run %s: %w", run.ID, err)
	}
	return nil
}

// Complete writes final counters. Completed runs are never modified again.
func (r *SyncRunRepo) Complete(ctx context.Context, run model.SyncRun) error {
	messages, err := marshalList(run.ErrorMessages)
	if err != nil {
		return fmt.Errorf("marshal error messages: %w", err)
	}

	const query = `
		UPDATE sync_runs SET
			imported = ?, exported = ?, updated = ?, deleted = ?, errors = ?,
			error_messages = ?, status = ?, completed_at = ?
		WHERE id = ? AND completed_at IS NULL
	`
	_, err = r.db.Writer.ExecContext(ctx, query,
		run.Imported, run.Exported, run.Updated, run.Deleted, run.Errors,
		messages, string(run.Status), formatTimePtr(run.CompletedAt), run.ID,
	)
	if err != nil {
		return fmt.Errorf("complete sync run %s: %w", run.ID, err)
	}
	return nil
}

// ListByCredential returns up to limit runs, newest first.
func (r *SyncRunRepo) ListByCredential(ctx context.Context, credentialID int64, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + syncRunColumns + ` FROM sync_runs WHERE credential_id = ? ORDER BY started_at DESC LIMIT ?`
	rows, err := r.db.Reader.QueryContext(ctx, query, credentialID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync runs for credential %d: %w", credentialID, err)
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync runs: %w", err)
	}
	return runs, nil
}

// Latest returns the newest run for the credential, or (nil, nil).
func (r *SyncRunRepo) Latest(ctx context.Context, credentialID int64) (*model.SyncRun, error) {
	const query = `SELECT ` + syncRunColumns + ` FROM sync_runs WHERE credential_id = ? ORDER BY started_at DESC LIMIT 1`
	run, err := scanSyncRun(r.db.Reader.QueryRowContext(ctx, query, credentialID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest sync run for credential %d: %w", credentialID, err)
	}
	return run, nil
}

func scanSyncRun(s scanner) (*model.SyncRun, error) {
	var (
		run                       model.SyncRun
		provider, direction, trig string
		status, messages, started string
		completed                 *string
	)
	err := s.Scan(&run.ID, &run.CredentialID, &provider, &direction, &trig,
		&run.Imported, &run.Exported, &run.Updated, &run.Deleted, &run.Errors,
		&messages, &status, &started, &completed)
	if err != nil {
		return nil, err
	}
	run.Provider = model.Provider(provider)
	run.Direction = model.SyncDirection(direction)
	run.Trigger = model.SyncTrigger(trig)
	run.Status = model.SyncStatus(status)

	if run.ErrorMessages, err = unmarshalList[string](messages); err != nil {
		return nil, fmt.Errorf("unmarshal error messages: %w", err)
	}
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if run.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &run, nil
}
