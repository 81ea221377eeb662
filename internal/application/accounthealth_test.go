package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
)

func TestComputeAccountHealth(t *testing.T) {
	now := time.Now()
	active := model.Credential{
		ID:           1,
		Provider:     model.ProviderGoogle,
		Email:        "rep@example.com",
		Status:       model.CredentialStatusActive,
		RefreshToken: "refresh",
		Expiry:       now.Add(time.Hour),
	}
	expiredNoRefresh := active
	expiredNoRefresh.RefreshToken = ""
	expiredNoRefresh.Expiry = now.Add(-time.Minute)
	expiredWithRefresh := active
	expiredWithRefresh.Expiry = now.Add(-time.Minute)
	reauth := active
	reauth.Status = model.CredentialStatusReauthRequired

	failed := &model.SyncRun{Status: model.SyncStatusFailed, Errors: 1, ErrorMessages: []string{"token rejected"}}
	partial := &model.SyncRun{Status: model.SyncStatusPartial, Errors: 2, ErrorMessages: []string{"a", "b"}}
	success := &model.SyncRun{Status: model.SyncStatusSuccess}
	running := &model.SyncRun{Status: model.SyncStatusRunning}

	tests := []struct {
		name    string
		cred    model.Credential
		last    *model.SyncRun
		want    model.AccountHealthState
		message string
	}{
		{"reauth status wins over success", reauth, success, model.AccountReconnectRequired, "reconnect required"},
		{"expired without refresh token", expiredNoRefresh, success, model.AccountReconnectRequired, "reconnect required: access expired and no refresh token"},
		{"expired with refresh token is fine", expiredWithRefresh, success, model.AccountHealthy, "ok"},
		{"never synced", active, nil, model.AccountUnknown, "never synced"},
		{"last run failed", active, failed, model.AccountFailing, "last sync failed"},
		{"last run partial", active, partial, model.AccountDegraded, "sync partially failed, 2 errors"},
		{"last run succeeded", active, success, model.AccountHealthy, "ok"},
		{"run in progress", active, running, model.AccountUnknown, "sync in progress"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeAccountHealth(tt.cred, tt.last, now)
			assert.Equal(t, tt.want, got.State)
			assert.Equal(t, tt.message, got.Message)
			assert.Equal(t, tt.cred.ID, got.CredentialID)
			assert.Same(t, tt.last, got.LastRun)
		})
	}
}

func TestComputeAccountHealth_ReasonsCarryRunErrors(t *testing.T) {
	cred := model.Credential{ID: 3, RefreshToken: "r", Status: model.CredentialStatusActive}
	last := &model.SyncRun{Status: model.SyncStatusPartial, Errors: 1, ErrorMessages: []string{"normalize google object \"x\": bad"}}

	got := computeAccountHealth(cred, last, time.Now())
	assert.Equal(t, last.ErrorMessages, got.Reasons)
}

func TestAccountHealthService_Summaries(t *testing.T) {
	f := newFixture()
	svc := NewAccountHealthService(f.creds, f.runs)
	ctx := context.Background()

	summaries, err := svc.Summaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, model.AccountUnknown, summaries[0].State)

	_, err = f.sync.RunSync(ctx, f.cred.ID, model.SyncImport, model.TriggerManual)
	require.NoError(t, err)

	h, err := svc.Summary(ctx, f.cred.ID)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, model.AccountHealthy, h.State)
	assert.Equal(t, "rep@example.com", h.Email)
	require.NotNil(t, h.LastSyncAt)
}

func TestAccountHealthService_SummaryUnknownAccount(t *testing.T) {
	f := newFixture()
	svc := NewAccountHealthService(f.creds, f.runs)

	h, err := svc.Summary(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestAccountHealthService_ReauthAfterRejectedRefresh(t *testing.T) {
	f := newFixture()
	svc := NewAccountHealthService(f.creds, f.runs)
	require.NoError(t, f.creds.MarkReauthRequired(context.Background(), f.cred.Key()))

	h, err := svc.Summary(context.Background(), f.cred.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccountReconnectRequired, h.State)
}
