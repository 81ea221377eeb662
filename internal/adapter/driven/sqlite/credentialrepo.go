package sqlite

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*CredentialRepo)(nil)

// CredentialRepo is the SQLite implementation of the CredentialStore port.
// Access and refresh tokens are encrypted with AES-256-GCM before write and
// decrypted after read. An absent refresh token is stored as an empty string.
type CredentialRepo struct {
	db  *DB
	key []byte // 32-byte AES-256 key; nil disables token storage.
	now func() time.Time
}

// NewCredentialRepo creates a CredentialRepo. key must be 32 bytes, or nil,
// in which case every operation returns ErrEncryptionKeyNotSet.
func NewCredentialRepo(db *DB, key []byte) *CredentialRepo {
	return &CredentialRepo{db: db, key: key, now: time.Now}
}

const credentialColumns = `
	id, owner_id, provider, email, account_id, access_token, refresh_token,
	expires_at, scopes, status, last_sync_at, last_activity_at, created_at, updated_at`

// Save inserts or replaces the credential for its key. A reconnect without a
// refresh token keeps the stored one.
func (r *CredentialRepo) Save(ctx context.Context, cred model.Credential) (model.Credential, error) {
	if r.key == nil {
		return model.Credential{}, driven.ErrEncryptionKeyNotSet
	}
	if cred.AccountID == "" {
		cred.AccountID = cred.Email
	}

	access, err := r.encrypt(cred.AccessToken)
	if err != nil {
		return model.Credential{}, err
	}
	refresh, err := r.encryptOptional(cred.RefreshToken)
	if err != nil {
		return model.Credential{}, err
	}
	scopes, err := marshalList(cred.Scopes)
	if err != nil {
		return model.Credential{}, fmt.Errorf("marshal scopes: %w", err)
	}

	now := formatTime(r.now())
	const query = `
		INSERT INTO credentials (
			owner_id, provider, email, account_id, access_token, refresh_token,
			expires_at, scopes, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, provider, email) DO UPDATE SET
			account_id = excluded.account_id,
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token = '' THEN credentials.refresh_token ELSE excluded.refresh_token END,
			expires_at = excluded.expires_at,
			scopes = excluded.scopes,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	_, err = r.db.Writer.ExecContext(ctx, query,
		cred.OwnerID, string(cred.Provider), cred.Email, cred.AccountID, access, refresh,
		formatTime(cred.Expiry), scopes, string(model.CredentialStatusActive), now, now,
	)
	if err != nil {
		return model.Credential{}, fmt.Errorf("save credential %s: %w", cred.Key(), err)
	}

	stored, err := r.getFrom(ctx, r.db.Writer, `WHERE owner_id = ? AND provider = ? AND email = ?`,
		cred.OwnerID, string(cred.Provider), cred.Email)
	if err != nil {
		return model.Credential{}, err
	}
	if stored == nil {
		return model.Credential{}, fmt.Errorf("save credential %s: row vanished", cred.Key())
	}
	return *stored, nil
}

// Get returns the credential for key, or (nil, nil) if none exists.
func (r *CredentialRepo) Get(ctx context.Context, key model.CredentialKey) (*model.Credential, error) {
	return r.getFrom(ctx, r.db.Reader, `WHERE owner_id = ? AND provider = ? AND email = ?`,
		key.OwnerID, string(key.Provider), key.Email)
}

// GetByID returns the credential with id, or (nil, nil) if none exists.
func (r *CredentialRepo) GetByID(ctx context.Context, id int64) (*model.Credential, error) {
	return r.getFrom(ctx, r.db.Reader, `WHERE id = ?`, id)
}

// FindByAccountID returns the credential a provider notification refers to.
func (r *CredentialRepo) FindByAccountID(ctx context.Context, provider model.Provider, accountID string) (*model.Credential, error) {
	return r.getFrom(ctx, r.db.Reader, `WHERE provider = ? AND account_id = ?`, string(provider), accountID)
}

func (r *CredentialRepo) getFrom(ctx context.Context, db *sql.DB, where string, args ...any) (*model.Credential, error) {
	if r.key == nil {
		return nil, driven.ErrEncryptionKeyNotSet
	}

	query := `SELECT ` + credentialColumns + ` FROM credentials ` + where
	cred, err := r.scanCredential(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

// UpdateTokens overwrites token material when grant.Expiry is not older than
// the stored expiry. Returns false when a newer token was already stored.
func (r *CredentialRepo) UpdateTokens(ctx context.Context, key model.CredentialKey, grant model.TokenGrant) (bool, error) {
	access, err := r.encrypt(grant.AccessToken)
	if err != nil {
		return false, err
	}
	refresh, err := r.encryptOptional(grant.RefreshToken)
	if err != nil {
		return false, err
	}

	const query = `
		UPDATE credentials SET
			access_token = ?,
			refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
			expires_at = ?,
			updated_at = ?
		WHERE owner_id = ? AND provider = ? AND email = ? AND expires_at <= ?
	`
	expiry := formatTime(grant.Expiry)
	res, err := r.db.Writer.ExecContext(ctx, query,
		access, refresh, refresh, expiry, formatTime(r.now()),
		key.OwnerID, string(key.Provider), key.Email, expiry,
	)
	if err != nil {
		return false, fmt.Errorf("update tokens %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update tokens %s: rows affected: %w", key, err)
	}
	return n > 0, nil
}

// MarkReauthRequired flips the status only; token material is left untouched.
func (r *CredentialRepo) MarkReauthRequired(ctx context.Context, key model.CredentialKey) error {
	const query = `UPDATE credentials SET status = ?, updated_at = ? WHERE owner_id = ? AND provider = ? AND email = ?`
	_, err := r.db.Writer.ExecContext(ctx, query,
		string(model.CredentialStatusReauthRequired), formatTime(r.now()),
		key.OwnerID, string(key.Provider), key.Email,
	)
	if err != nil {
		return fmt.Errorf("mark reauth required %s: %w", key, err)
	}
	return nil
}

// TouchSync records the completion of a sync pass.
func (r *CredentialRepo) TouchSync(ctx context.Context, id int64, syncedAt time.Time, activityAt *time.Time) error {
	const query = `
		UPDATE credentials SET
			last_sync_at = ?,
			last_activity_at = COALESCE(?, last_activity_at)
		WHERE id = ?
	`
	_, err := r.db.Writer.ExecContext(ctx, query, formatTime(syncedAt), formatTimePtr(activityAt), id)
	if err != nil {
		return fmt.Errorf("touch sync for credential %d: %w", id, err)
	}
	return nil
}

// List returns all credentials ordered by id.
func (r *CredentialRepo) List(ctx context.Context) ([]model.Credential, error) {
	return r.list(ctx, `ORDER BY id`)
}

// ListActive returns credentials that are not waiting for re-authorization.
func (r *CredentialRepo) ListActive(ctx context.Context) ([]model.Credential, error) {
	return r.list(ctx, `WHERE status = ? ORDER BY id`, string(model.CredentialStatusActive))
}

func (r *CredentialRepo) list(ctx context.Context, clause string, args ...any) ([]model.Credential, error) {
	if r.key == nil {
		return nil, driven.ErrEncryptionKeyNotSet
	}

	rows, err := r.db.Reader.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []model.Credential
	for rows.Next() {
		cred, err := r.scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, *cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return creds, nil
}

func (r *CredentialRepo) scanCredential(s scanner) (*model.Credential, error) {
	var (
		cred                 model.Credential
		provider, status     string
		access, refresh      string
		expiresAt, scopes    string
		lastSync, lastAct    *string
		createdAt, updatedAt string
	)
	err := s.Scan(&cred.ID, &cred.OwnerID, &provider, &cred.Email, &cred.AccountID, &access, &refresh,
		&expiresAt, &scopes, &status, &lastSync, &lastAct, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	cred.Provider = model.Provider(provider)
	cred.Status = model.CredentialStatus(status)

	if cred.AccessToken, err = r.decrypt(access); err != nil {
		return nil, fmt.Errorf("decrypt access token for credential %d: %w", cred.ID, err)
	}
	if refresh != "" {
		if cred.RefreshToken, err = r.decrypt(refresh); err != nil {
			return nil, fmt.Errorf("decrypt refresh token for credential %d: %w", cred.ID, err)
		}
	}
	if cred.Scopes, err = unmarshalList[string](scopes); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}
	if cred.Expiry, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if cred.LastSyncAt, err = parseTimePtr(lastSync); err != nil {
		return nil, fmt.Errorf("parse last_sync_at: %w", err)
	}
	if cred.LastActivityAt, err = parseTimePtr(lastAct); err != nil {
		return nil, fmt.Errorf("parse last_activity_at: %w", err)
	}
	if cred.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if cred.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &cred, nil
}

func (r *CredentialRepo) encryptOptional(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return r.encrypt(plaintext)
}

// encrypt encrypts plaintext using AES-256-GCM and returns a base64-encoded string
// containing the nonce (12 bytes) prepended to the ciphertext.
func (r *CredentialRepo) encrypt(plaintext string) (string, error) {
	if r.key == nil {
		return "", driven.ErrEncryptionKeyNotSet
	}

	gcm, err := r.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	// Seal appends to nonce, producing: nonce || ciphertext || tag.
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (r *CredentialRepo) decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	gcm, err := r.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("gcm.Open: %w", err)
	}
	return string(plaintext), nil
}

func (r *CredentialRepo) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(r.key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return gcm, nil
}
