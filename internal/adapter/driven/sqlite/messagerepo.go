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
var _ driven.MessageStore = (*MessageRepo)(nil)

// MessageRepo is the SQLite implementation of the MessageStore port.
type MessageRepo struct {
	db  *DB
	now func() time.Time
}

// NewMessageRepo creates a new MessageRepo backed by the given DB.
func NewMessageRepo(db *DB) *MessageRepo {
	return &MessageRepo{db: db, now: time.Now}
}

const messageColumns = `
	x.id, x.owner_id, x.credential_id, x.subject, x.sender, x.recipients_to, x.recipients_cc,
	x.recipients_bcc, x.sent_at, x.body_text, x.body_html, x.is_read, x.is_starred, x.folder,
	x.thread_id, x.created_at, x.updated_at`

// Create persists a new message, assigning a UUID when ID is empty.
func (r *MessageRepo) Create(ctx context.Context, m model.Message) (model.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := r.now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	if m.SentAt.IsZero() {
		m.SentAt = now
	}

	to, cc, bcc, err := marshalRecipients(m)
	if err != nil {
		return model.Message{}, err
	}

	const query = `
		INSERT INTO messages (
			id, owner_id, credential_id, subject, sender, recipients_to, recipients_cc,
			recipients_bcc, sent_at, body_text, body_html, is_read, is_starred, folder,
			thread_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Writer.ExecContext(ctx, query,
		m.ID, m.OwnerID, m.CredentialID, m.Subject, m.From, to, cc, bcc,
		formatTime(m.SentAt), m.BodyText, m.BodyHTML, boolToInt(m.IsRead), boolToInt(m.IsStarred),
		m.Folder, m.ThreadID, formatTime(now), formatTime(now),
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("create message %s: %w", m.ID, err)
	}
	return m, nil
}

// Update overwrites the mutable fields of an existing message.
func (r *MessageRepo) Update(ctx context.Context, m model.Message) error {
	to, cc, bcc, err := marshalRecipients(m)
	if err != nil {
		return err
	}

	const query = `
		UPDATE messages SET
			subject = ?, sender = ?, recipients_to = ?, recipients_cc = ?, recipients_bcc = ?,
			sent_at = ?, body_text = ?, body_html = ?, is_read = ?, is_starred = ?,
			folder = ?, thread_id = ?, updated_at = ?
		WHERE id = ?
	`
	_, err = r.db.Writer.ExecContext(ctx, query,
		m.Subject, m.From, to, cc, bcc, formatTime(m.SentAt), m.BodyText, m.BodyHTML,
		boolToInt(m.IsRead), boolToInt(m.IsStarred), m.Folder, m.ThreadID,
		formatTime(r.now()), m.ID,
	)
	if err != nil {
		return fmt.Errorf("update message %s: %w", m.ID, err)
	}
	return nil
}

// Get returns the message with id, or (nil, nil) if none exists.
func (r *MessageRepo) Get(ctx context.Context, id string) (*model.Message, error) {
	const query = `SELECT ` + messageColumns + ` FROM messages x WHERE x.id = ?`
	m, err := scanMessage(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// Delete hard-deletes a message.
func (r *MessageRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.Writer.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}

// ListByCredential returns the credential's messages, newest first.
func (r *MessageRepo) ListByCredential(ctx context.Context, credentialID int64) ([]model.Message, error) {
	const query = `SELECT ` + messageColumns + ` FROM messages x WHERE x.credential_id = ? ORDER BY x.sent_at DESC`
	return r.query(ctx, query, credentialID)
}

// ListUnmapped returns messages with no mapping at provider, oldest first so
// they are sent in creation order.
func (r *MessageRepo) ListUnmapped(ctx context.Context, credentialID int64, provider model.Provider) ([]model.Message, error) {
	const query = `
		SELECT ` + messageColumns + `
		FROM messages x
		LEFT JOIN mappings m ON m.internal_id = x.id AND m.provider = ?
		WHERE x.credential_id = ? AND m.id IS NULL
		ORDER BY x.created_at
	`
	return r.query(ctx, query, string(provider), credentialID)
}

func (r *MessageRepo) query(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func marshalRecipients(m model.Message) (string, string, string, error) {
	to, err := marshalList(m.To)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal to: %w", err)
	}
	cc, err := marshalList(m.Cc)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal cc: %w", err)
	}
	bcc, err := marshalList(m.Bcc)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal bcc: %w", err)
	}
	return to, cc, bcc, nil
}

func scanMessage(s scanner) (*model.Message, error) {
	var (
		m                    model.Message
		to, cc, bcc          string
		sentAt               string
		isRead, isStarred    int
		createdAt, updatedAt string
	)
	err := s.Scan(&m.ID, &m.OwnerID, &m.CredentialID, &m.Subject, &m.From, &to, &cc, &bcc,
		&sentAt, &m.BodyText, &m.BodyHTML, &isRead, &isStarred, &m.Folder, &m.ThreadID,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.IsRead = isRead == 1
	m.IsStarred = isStarred == 1

	if m.To, err = unmarshalList[string](to); err != nil {
		return nil, fmt.Errorf("unmarshal to: %w", err)
	}
	if m.Cc, err = unmarshalList[string](cc); err != nil {
		return nil, fmt.Errorf("unmarshal cc: %w", err)
	}
	if m.Bcc, err = unmarshalList[string](bcc); err != nil {
		return nil, fmt.Errorf("unmarshal bcc: %w", err)
	}
	if m.SentAt, err = parseTime(sentAt); err != nil {
		return nil, fmt.Errorf("parse sent_at: %w", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &m, nil
}
