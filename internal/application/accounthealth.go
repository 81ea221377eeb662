package application

import (
	"context"
	"fmt"
	"time"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// AccountHealthService turns stored credential state and sync history into
// the user-visible account condition. It depends only on port interfaces.
type AccountHealthService struct {
	creds driven.CredentialStore
	runs  driven.SyncRunStore
	now   func() time.Time
}

// NewAccountHealthService creates a new AccountHealthService.
func NewAccountHealthService(creds driven.CredentialStore, runs driven.SyncRunStore) *AccountHealthService {
	return &AccountHealthService{creds: creds, runs: runs, now: time.Now}
}

// Summaries returns the health of every connected account.
func (s *AccountHealthService) Summaries(ctx context.Context) ([]model.AccountHealth, error) {
	creds, err := s.creds.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.AccountHealth, 0, len(creds))
	for _, cred := range creds {
		last, err := s.runs.Latest(ctx, cred.ID)
		if err != nil {
			return nil, fmt.Errorf("latest run for credential %d: %w", cred.ID, err)
		}
		out = append(out, computeAccountHealth(cred, last, s.now()))
	}
	return out, nil
}

// Summary returns the health of one account, or (nil, nil) when it does not exist.
func (s *AccountHealthService) Summary(ctx context.Context, credentialID int64) (*model.AccountHealth, error) {
	cred, err := s.creds.GetByID(ctx, credentialID)
	if err != nil || cred == nil {
		return nil, err
	}
	last, err := s.runs.Latest(ctx, cred.ID)
	if err != nil {
		return nil, fmt.Errorf("latest run for credential %d: %w", cred.ID, err)
	}
	h := computeAccountHealth(*cred, last, s.now())
	return &h, nil
}

// computeAccountHealth combines credential status and the latest run.
// Priority: reconnect_required > failing > degraded > healthy > unknown.
func computeAccountHealth(cred model.Credential, last *model.SyncRun, now time.Time) model.AccountHealth {
	h := model.AccountHealth{
		CredentialID: cred.ID,
		Provider:     cred.Provider,
		Email:        cred.Email,
		LastSyncAt:   cred.LastSyncAt,
		LastRun:      last,
	}

	switch {
	case cred.Status == model.CredentialStatusReauthRequired:
		h.State = model.AccountReconnectRequired
		h.Message = "reconnect required"
	case !cred.CanRefresh() && !cred.Expiry.After(now):
		h.State = model.AccountReconnectRequired
		h.Message = "reconnect required: access expired and no refresh token"
	case last == nil:
		h.State = model.AccountUnknown
		h.Message = "never synced"
	case last.Status == model.SyncStatusFailed:
		h.State = model.AccountFailing
		h.Message = "last sync failed"
		h.Reasons = last.ErrorMessages
	case last.Status == model.SyncStatusPartial:
		h.State = model.AccountDegraded
		h.Message = fmt.Sprintf("sync partially failed, %d errors", last.Errors)
		h.Reasons = last.ErrorMessages
	case last.Status == model.SyncStatusSuccess:
		h.State = model.AccountHealthy
		h.Message = "ok"
	default:
		h.State = model.AccountUnknown
		h.Message = "sync in progress"
	}
	return h
}
