package httphandler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httphandler "github.com/ericfisherdev/crmsync/internal/adapter/driving/http"
	"github.com/ericfisherdev/crmsync/internal/application"
	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// --- Mock implementations ---

type mockAccounts struct {
	connected model.Credential
	exchanged struct {
		ownerID  string
		provider model.Provider
		code     string
	}
	err error
}

func (m *mockAccounts) Connect(_ context.Context, cred model.Credential) (model.Credential, error) {
	m.connected = cred
	if m.err != nil {
		return model.Credential{}, m.err
	}
	cred.ID = 1
	cred.Status = model.CredentialStatusActive
	return cred, nil
}

func (m *mockAccounts) ExchangeCode(_ context.Context, ownerID string, provider model.Provider, code, _ string) (model.Credential, error) {
	m.exchanged.ownerID, m.exchanged.provider, m.exchanged.code = ownerID, provider, code
	if m.err != nil {
		return model.Credential{}, m.err
	}
	return model.Credential{
		ID: 2, OwnerID: ownerID, Provider: provider, Email: "grant@example.com",
		AccessToken: "secret-access", RefreshToken: "secret-refresh", Status: model.CredentialStatusActive,
	}, nil
}

type mockHealth struct {
	summaries []model.AccountHealth
	err       error
}

func (m *mockHealth) Summaries(context.Context) ([]model.AccountHealth, error) {
	return m.summaries, m.err
}

type mockSyncs struct {
	direction model.SyncDirection
	run       *model.SyncRun
	err       error
}

func (m *mockSyncs) Trigger(_ context.Context, _ int64, direction model.SyncDirection) (*model.SyncRun, error) {
	m.direction = direction
	return m.run, m.err
}

type mockRuns struct {
	limit int
	runs  []model.SyncRun
}

func (m *mockRuns) ListRuns(_ context.Context, _ int64, limit int) ([]model.SyncRun, error) {
	m.limit = limit
	return m.runs, nil
}

type mockRecords struct {
	appts []model.Appointment
	msgs  []model.Message
	err   error
}

func (m *mockRecords) CreateAppointment(_ context.Context, a model.Appointment) (model.Appointment, error) {
	if m.err != nil {
		return model.Appointment{}, m.err
	}
	a.ID = "appt-1"
	a.OwnerID = "owner-1"
	m.appts = append(m.appts, a)
	return a, nil
}

func (m *mockRecords) ListAppointments(context.Context, int64) ([]model.Appointment, error) {
	return m.appts, m.err
}

func (m *mockRecords) CreateMessage(_ context.Context, msg model.Message) (model.Message, error) {
	if m.err != nil {
		return model.Message{}, m.err
	}
	msg.ID = "msg-1"
	m.msgs = append(m.msgs, msg)
	return msg, nil
}

func (m *mockRecords) ListMessages(context.Context, int64) ([]model.Message, error) {
	return m.msgs, m.err
}

type mockWebhooks struct {
	challenge string
	summary   model.DeltaSummary
	err       error
	body      []byte
	calls     int
}

func (m *mockWebhooks) Challenge(provider model.Provider, query url.Values) (string, bool, error) {
	if !provider.Valid() {
		return "", false, fmt.Errorf("%w: %q", driven.ErrUnsupportedProvider, provider)
	}
	v := query.Get("validationToken")
	return v, v != "", nil
}

func (m *mockWebhooks) HandleDelta(_ context.Context, _ model.Provider, _ http.Header, _ url.Values, body []byte) (model.DeltaSummary, error) {
	m.calls++
	m.body = body
	return m.summary, m.err
}

type deps struct {
	accounts *mockAccounts
	health   *mockHealth
	syncs    *mockSyncs
	runs     *mockRuns
	records  *mockRecords
	webhooks *mockWebhooks
}

func newDeps() *deps {
	return &deps{
		accounts: &mockAccounts{},
		health:   &mockHealth{},
		syncs:    &mockSyncs{},
		runs:     &mockRuns{},
		records:  &mockRecords{},
		webhooks: &mockWebhooks{},
	}
}

func (d *deps) mux() http.Handler {
	h := httphandler.NewHandler(d.accounts, d.health, d.syncs, d.runs, d.records, d.webhooks, slog.Default())
	return httphandler.NewServeMux(h, slog.Default())
}

func serve(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	err := json.NewDecoder(rec.Body).Decode(v)
	require.NoError(t, err)
}

// --- Tests ---

func TestHealth(t *testing.T) {
	rec := serve(newDeps().mux(), http.MethodGet, "/api/v1/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp httphandler.HealthResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.Time)
}

func TestMetricsEndpoint(t *testing.T) {
	mux := newDeps().mux()
	serve(mux, http.MethodGet, "/api/v1/health", "")

	rec := serve(mux, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `crmsync_http_requests_total{method="GET",path="GET /api/v1/health",status="200"}`)
}

func TestListAccounts(t *testing.T) {
	synced := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := newDeps()
	d.health.summaries = []model.AccountHealth{
		{CredentialID: 1, Provider: model.ProviderGoogle, Email: "a@example.com", State: model.AccountHealthy, Message: "ok", LastSyncAt: &synced},
		{
			CredentialID: 2, Provider: model.ProviderNylas, Email: "b@example.com", State: model.AccountDegraded,
			Message: "sync partially failed, 1 errors", Reasons: []string{"boom"},
			LastRun: &model.SyncRun{ID: "run-1", Status: model.SyncStatusPartial, Errors: 1, ErrorMessages: []string{"boom"}},
		},
	}

	rec := serve(d.mux(), http.MethodGet, "/api/v1/accounts", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []httphandler.AccountHealthResponse
	decodeJSON(t, rec, &resp)
	require.Len(t, resp, 2)
	assert.Equal(t, "healthy", resp[0].State)
	assert.Equal(t, "2026-03-01T12:00:00Z", resp[0].LastSyncAt)
	assert.Empty(t, resp[0].Reasons)
	assert.Equal(t, "degraded", resp[1].State)
	require.NotNil(t, resp[1].LastRun)
	assert.Equal(t, "run-1", resp[1].LastRun.ID)
}

func TestListAccounts_StoreError(t *testing.T) {
	d := newDeps()
	d.health.err = errors.New("db down")

	rec := serve(d.mux(), http.MethodGet, "/api/v1/accounts", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestConnectAccount_WithTokens(t *testing.T) {
	d := newDeps()
	body := `{"owner_id":"owner-1","provider":"Google","email":"rep@example.com","access_token":"at","refresh_token":"rt","expires_at":"2026-05-01T10:00:00Z","scopes":["calendar"]}`

	rec := serve(d.mux(), http.MethodPost, "/api/v1/accounts", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, model.ProviderGoogle, d.accounts.connected.Provider)
	assert.Equal(t, "rt", d.accounts.connected.RefreshToken)
	assert.Equal(t, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), d.accounts.connected.Expiry.UTC())

	assert.NotContains(t, rec.Body.String(), "access_token")
	var resp httphandler.AccountResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, int64(1), resp.ID)
	assert.Equal(t, "active", resp.Status)
	assert.Equal(t, []string{"calendar"}, resp.Scopes)
}

func TestConnectAccount_WithCode(t *testing.T) {
	d := newDeps()
	body := `{"owner_id":"owner-1","provider":"nylas","code":"abc","redirect_url":"https://app/callback"}`

	rec := serve(d.mux(), http.MethodPost, "/api/v1/accounts", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "abc", d.accounts.exchanged.code)
	assert.Equal(t, model.ProviderNylas, d.accounts.exchanged.provider)
	assert.NotContains(t, rec.Body.String(), "secret-")
}

func TestConnectAccount_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"malformed json", `{`, nil, http.StatusBadRequest},
		{"missing owner", `{"provider":"google","access_token":"x"}`, nil, http.StatusBadRequest},
		{"unknown provider", `{"owner_id":"o","provider":"yahoo","access_token":"x"}`, nil, http.StatusBadRequest},
		{"no token or code", `{"owner_id":"o","provider":"google"}`, nil, http.StatusBadRequest},
		{"bad expiry", `{"owner_id":"o","provider":"google","access_token":"x","expires_at":"tomorrow"}`, nil, http.StatusBadRequest},
		{"provider disabled", `{"owner_id":"o","provider":"microsoft","access_token":"x"}`, driven.ErrUnsupportedProvider, http.StatusBadRequest},
		{"code rejected", `{"owner_id":"o","provider":"google","code":"c"}`, &driven.TokenGrantError{Provider: model.ProviderGoogle, Status: 400, Code: "invalid_grant"}, http.StatusBadRequest},
		{"identity lookup failed", `{"owner_id":"o","provider":"google","access_token":"x"}`, &driven.ProviderAPIError{Provider: model.ProviderGoogle, Op: "userinfo", Status: 500}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDeps()
			d.accounts.err = tt.err
			rec := serve(d.mux(), http.MethodPost, "/api/v1/accounts", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestTriggerSync(t *testing.T) {
	completed := time.Now()
	d := newDeps()
	d.syncs.run = &model.SyncRun{ID: "run-9", Status: model.SyncStatusSuccess, Imported: 4, CompletedAt: &completed}

	rec := serve(d.mux(), http.MethodPost, "/api/v1/accounts/3/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.SyncBidirectional, d.syncs.direction)

	var resp httphandler.SyncRunResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "run-9", resp.ID)
	assert.Equal(t, 4, resp.Imported)
	assert.NotEmpty(t, resp.CompletedAt)

	rec = serve(d.mux(), http.MethodPost, "/api/v1/accounts/3/sync", `{"direction":"export"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.SyncExport, d.syncs.direction)
}

func TestTriggerSync_Errors(t *testing.T) {
	failed := &model.SyncRun{ID: "run-1", Status: model.SyncStatusFailed}
	tests := []struct {
		name   string
		path   string
		body   string
		run    *model.SyncRun
		err    error
		want   int
		errMsg string
	}{
		{"bad id", "/api/v1/accounts/abc/sync", "", nil, nil, http.StatusBadRequest, "invalid account id"},
		{"bad direction", "/api/v1/accounts/1/sync", `{"direction":"sideways"}`, nil, nil, http.StatusBadRequest, ""},
		{"in progress", "/api/v1/accounts/1/sync", "", nil, driven.ErrSyncInProgress, http.StatusConflict, "sync already in progress"},
		{"unknown account", "/api/v1/accounts/1/sync", "", nil, driven.ErrNoCredential, http.StatusNotFound, "account not found"},
		{"reauth", "/api/v1/accounts/1/sync", "", failed, fmt.Errorf("%w: %w", driven.ErrReauthRequired, driven.ErrProviderRefreshFailed), http.StatusConflict, "reconnect_required"},
		{"transient refresh failure", "/api/v1/accounts/1/sync", "", failed, fmt.Errorf("refresh google token: %w", driven.ErrProviderRefreshFailed), http.StatusBadGateway, "provider refresh failed"},
		{"internal", "/api/v1/accounts/1/sync", "", nil, errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDeps()
			d.syncs.run, d.syncs.err = tt.run, tt.err
			rec := serve(d.mux(), http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code)
			if tt.errMsg != "" {
				var resp map[string]string
				decodeJSON(t, rec, &resp)
				assert.Equal(t, tt.errMsg, resp["error"])
			}
		})
	}
}

func TestListRuns(t *testing.T) {
	d := newDeps()
	d.runs.runs = []model.SyncRun{{ID: "b"}, {ID: "a"}}

	rec := serve(d.mux(), http.MethodGet, "/api/v1/accounts/1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20, d.runs.limit)
	var resp []httphandler.SyncRunResponse
	decodeJSON(t, rec, &resp)
	assert.Len(t, resp, 2)

	serve(d.mux(), http.MethodGet, "/api/v1/accounts/1/runs?limit=5000", "")
	assert.Equal(t, 200, d.runs.limit)

	rec = serve(d.mux(), http.MethodGet, "/api/v1/accounts/1/runs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAppointment(t *testing.T) {
	d := newDeps()
	body := `{"credential_id":1,"title":" Demo ","start_at":"2026-04-01T09:00:00+02:00","end_at":"2026-04-01T10:00:00+02:00","attendees":[{"email":"c@example.com"}]}`

	rec := serve(d.mux(), http.MethodPost, "/api/v1/appointments", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp httphandler.AppointmentResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "appt-1", resp.ID)
	assert.Equal(t, "Demo", resp.Title)
	assert.Equal(t, "2026-04-01T07:00:00Z", resp.StartAt)
	require.Len(t, resp.Attendees, 1)
	assert.Equal(t, "c@example.com", resp.Attendees[0].Email)
}

func TestCreateAppointment_Errors(t *testing.T) {
	valid := `{"credential_id":1,"title":"Demo","start_at":"2026-04-01T09:00:00Z","end_at":"2026-04-01T10:00:00Z"}`
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"bad start", `{"credential_id":1,"title":"Demo","start_at":"soon","end_at":"2026-04-01T10:00:00Z"}`, nil, http.StatusBadRequest},
		{"invalid record", valid, fmt.Errorf("%w: end is before start", application.ErrInvalidRecord), http.StatusBadRequest},
		{"unknown account", valid, driven.ErrNoCredential, http.StatusNotFound},
		{"store failure", valid, errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDeps()
			d.records.err = tt.err
			rec := serve(d.mux(), http.MethodPost, "/api/v1/appointments", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestListAppointments_RequiresCredential(t *testing.T) {
	rec := serve(newDeps().mux(), http.MethodGet, "/api/v1/appointments", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(newDeps().mux(), http.MethodGet, "/api/v1/appointments?credential_id=1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCreateAndListMessages(t *testing.T) {
	d := newDeps()
	mux := d.mux()

	rec := serve(mux, http.MethodPost, "/api/v1/messages", `{"credential_id":1,"subject":"Quote","to":["c@example.com"],"body_text":"hi"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = serve(mux, http.MethodGet, "/api/v1/messages?credential_id=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp []httphandler.MessageResponse
	decodeJSON(t, rec, &resp)
	require.Len(t, resp, 1)
	assert.Equal(t, "Quote", resp[0].Subject)
	assert.Equal(t, []string{}, resp[0].Cc)
}

func TestWebhookChallenge(t *testing.T) {
	mux := newDeps().mux()

	rec := serve(mux, http.MethodGet, "/webhooks/microsoft?validationToken=tok%20123", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "tok 123", rec.Body.String())

	rec = serve(mux, http.MethodGet, "/webhooks/microsoft", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(mux, http.MethodGet, "/webhooks/yahoo?validationToken=x", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReceiveWebhook_ValidationTokenOnPost(t *testing.T) {
	d := newDeps()
	rec := serve(d.mux(), http.MethodPost, "/webhooks/microsoft?validationToken=abc", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", rec.Body.String())
	assert.Equal(t, 0, d.webhooks.calls)
}

func TestReceiveWebhook(t *testing.T) {
	d := newDeps()
	d.webhooks.summary = model.DeltaSummary{Received: 3, Applied: 1, Skipped: 1, Failed: 1}

	rec := serve(d.mux(), http.MethodPost, "/webhooks/nylas", `{"type":"event.updated"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":3,"applied":1,"skipped":1,"failed":1}`, rec.Body.String())
	assert.Equal(t, `{"type":"event.updated"}`, string(d.webhooks.body))
}

func TestReceiveWebhook_Errors(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		err      error
		want     int
	}{
		{"unknown provider", "yahoo", nil, http.StatusNotFound},
		{"bad signature", "nylas", driven.ErrInvalidSignature, http.StatusUnauthorized},
		{"invalid payload", "nylas", fmt.Errorf("%w: missing type", driven.ErrInvalidPayload), http.StatusBadRequest},
		{"unexpected", "nylas", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDeps()
			d.webhooks.err = tt.err
			rec := serve(d.mux(), http.MethodPost, "/webhooks/"+tt.provider, `{}`)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestReceiveWebhook_PayloadTooLarge(t *testing.T) {
	d := newDeps()
	rec := serve(d.mux(), http.MethodPost, "/webhooks/nylas", strings.Repeat("x", 2<<20))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, 0, d.webhooks.calls)
}

type panicHealth struct{}

func (panicHealth) Summaries(context.Context) ([]model.AccountHealth, error) { panic("boom") }

func TestRecoveryMiddleware(t *testing.T) {
	d := newDeps()
	h := httphandler.NewHandler(d.accounts, panicHealth{}, d.syncs, d.runs, d.records, d.webhooks, slog.Default())
	mux := httphandler.NewServeMux(h, slog.Default())

	rec := serve(mux, http.MethodGet, "/api/v1/accounts", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp map[string]string
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "internal server error", resp["error"])
}
