package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ericfisherdev/crmsync/internal/application"
	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 200
)

// AccountConnector stores newly connected accounts.
type AccountConnector interface {
	Connect(ctx context.Context, cred model.Credential) (model.Credential, error)
	ExchangeCode(ctx context.Context, ownerID string, provider model.Provider, code, redirectURL string) (model.Credential, error)
}

// HealthReporter summarizes account health.
type HealthReporter interface {
	Summaries(ctx context.Context) ([]model.AccountHealth, error)
}

// SyncTrigger runs a manual sync pass.
type SyncTrigger interface {
	Trigger(ctx context.Context, credentialID int64, direction model.SyncDirection) (*model.SyncRun, error)
}

// RunLister lists sync history.
type RunLister interface {
	ListRuns(ctx context.Context, credentialID int64, limit int) ([]model.SyncRun, error)
}

// RecordManager creates and lists CRM-side records.
type RecordManager interface {
	CreateAppointment(ctx context.Context, a model.Appointment) (model.Appointment, error)
	ListAppointments(ctx context.Context, credentialID int64) ([]model.Appointment, error)
	CreateMessage(ctx context.Context, m model.Message) (model.Message, error)
	ListMessages(ctx context.Context, credentialID int64) ([]model.Message, error)
}

// Handler is the HTTP driving adapter that serves the REST API and the
// provider webhook endpoints.
type Handler struct {
	accounts AccountConnector
	health   HealthReporter
	syncs    SyncTrigger
	runs     RunLister
	records  RecordManager
	webhooks WebhookProcessor
	logger   *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	accounts AccountConnector,
	health HealthReporter,
	syncs SyncTrigger,
	runs RunLister,
	records RecordManager,
	webhooks WebhookProcessor,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		accounts: accounts,
		health:   health,
		syncs:    syncs,
		runs:     runs,
		records:  records,
		webhooks: webhooks,
		logger:   logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging, metrics and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/accounts", h.ListAccounts)
	mux.HandleFunc("POST /api/v1/accounts", h.ConnectAccount)
	mux.HandleFunc("POST /api/v1/accounts/{id}/sync", h.TriggerSync)
	mux.HandleFunc("GET /api/v1/accounts/{id}/runs", h.ListRuns)

	mux.HandleFunc("POST /api/v1/appointments", h.CreateAppointment)
	mux.HandleFunc("GET /api/v1/appointments", h.ListAppointments)
	mux.HandleFunc("POST /api/v1/messages", h.CreateMessage)
	mux.HandleFunc("GET /api/v1/messages", h.ListMessages)

	mux.HandleFunc("GET /webhooks/{provider}", h.WebhookChallenge)
	mux.HandleFunc("POST /webhooks/{provider}", h.ReceiveWebhook)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = metricsMiddleware(wrapped)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListAccounts returns every connected account with its health summary.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.health.Summaries(r.Context())
	if err != nil {
		h.logger.Error("failed to list accounts", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]AccountHealthResponse, 0, len(summaries))
	for _, s := range summaries {
		resp = append(resp, toAccountHealthResponse(s))
	}

	writeJSON(w, http.StatusOK, resp)
}

// ConnectAccount stores a credential from tokens or an authorization code.
func (h *Handler) ConnectAccount(w http.ResponseWriter, r *http.Request) {
	var req ConnectAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	provider := model.Provider(strings.ToLower(strings.TrimSpace(req.Provider)))
	ownerID := strings.TrimSpace(req.OwnerID)
	switch {
	case ownerID == "":
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	case !provider.Valid():
		writeError(w, http.StatusBadRequest, "unknown provider")
		return
	case req.Code == "" && req.AccessToken == "":
		writeError(w, http.StatusBadRequest, "access_token or code is required")
		return
	}

	var (
		cred model.Credential
		err  error
	)
	if req.Code != "" {
		cred, err = h.accounts.ExchangeCode(r.Context(), ownerID, provider, req.Code, req.RedirectURL)
	} else {
		var expiry time.Time
		if req.ExpiresAt != "" {
			expiry, err = time.Parse(time.RFC3339, req.ExpiresAt)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid expires_at: expected RFC3339")
				return
			}
		}
		cred, err = h.accounts.Connect(r.Context(), model.Credential{
			OwnerID:      ownerID,
			Provider:     provider,
			Email:        strings.TrimSpace(req.Email),
			AccountID:    strings.TrimSpace(req.AccountID),
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			Expiry:       expiry,
			Scopes:       req.Scopes,
		})
	}
	if err != nil {
		h.writeConnectError(w, provider, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAccountResponse(cred))
}

func (h *Handler) writeConnectError(w http.ResponseWriter, provider model.Provider, err error) {
	var grantErr *driven.TokenGrantError
	var apiErr *driven.ProviderAPIError
	switch {
	case errors.Is(err, driven.ErrUnsupportedProvider):
		writeError(w, http.StatusBadRequest, "provider is not enabled")
	case errors.As(err, &grantErr):
		writeError(w, http.StatusBadRequest, "authorization rejected by provider")
	case errors.As(err, &apiErr):
		h.logger.Warn("provider call failed during connect", "provider", provider, "error", err)
		writeError(w, http.StatusBadGateway, "provider request failed")
	default:
		h.logger.Error("failed to connect account", "provider", provider, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// TriggerSync runs a manual sync pass for one account and returns its run.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	direction := model.SyncBidirectional
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Direction != "" {
		direction = model.SyncDirection(req.Direction)
		if !direction.Valid() {
			writeError(w, http.StatusBadRequest, "invalid direction: expected import, export or bidirectional")
			return
		}
	}

	run, err := h.syncs.Trigger(r.Context(), id, direction)
	switch {
	case errors.Is(err, driven.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "sync already in progress")
		return
	case errors.Is(err, driven.ErrNoCredential) && run == nil:
		writeError(w, http.StatusNotFound, "account not found")
		return
	case driven.IsCredentialError(err):
		writeError(w, http.StatusConflict, "reconnect_required")
		return
	case errors.Is(err, driven.ErrProviderRefreshFailed):
		h.logger.Warn("manual sync token refresh failed", "credential_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "provider refresh failed")
		return
	case errors.Is(err, driven.ErrUnsupportedProvider):
		writeError(w, http.StatusConflict, "provider is not enabled")
		return
	case err != nil:
		h.logger.Error("manual sync failed", "credential_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, toSyncRunResponse(*run))
}

// ListRuns returns the newest sync runs for an account.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := h.runs.ListRuns(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("failed to list runs", "credential_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]SyncRunResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, toSyncRunResponse(run))
	}

	writeJSON(w, http.StatusOK, resp)
}

// CreateAppointment stores a CRM-side appointment for export.
func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start, err := time.Parse(time.RFC3339, req.StartAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start_at: expected RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end_at: expected RFC3339")
		return
	}

	appt, err := h.records.CreateAppointment(r.Context(), model.Appointment{
		CredentialID: req.CredentialID,
		Title:        strings.TrimSpace(req.Title),
		Description:  req.Description,
		StartAt:      start.UTC(),
		EndAt:        end.UTC(),
		TimeZone:     req.TimeZone,
		AllDay:       req.AllDay,
		Location:     req.Location,
		Attendees:    fromAttendeesJSON(req.Attendees),
	})
	if err != nil {
		h.writeRecordError(w, "appointment", err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

// ListAppointments returns the appointments of one account.
func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	id, ok := queryCredentialID(w, r)
	if !ok {
		return
	}

	appts, err := h.records.ListAppointments(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list appointments", "credential_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]AppointmentResponse, 0, len(appts))
	for _, a := range appts {
		resp = append(resp, toAppointmentResponse(a))
	}

	writeJSON(w, http.StatusOK, resp)
}

// CreateMessage stores an outgoing CRM-side message for sending.
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.records.CreateMessage(r.Context(), model.Message{
		CredentialID: req.CredentialID,
		Subject:      req.Subject,
		To:           req.To,
		Cc:           req.Cc,
		Bcc:          req.Bcc,
		BodyText:     req.BodyText,
		BodyHTML:     req.BodyHTML,
		ThreadID:     req.ThreadID,
	})
	if err != nil {
		h.writeRecordError(w, "message", err)
		return
	}

	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

// ListMessages returns the messages of one account.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := queryCredentialID(w, r)
	if !ok {
		return
	}

	msgs, err := h.records.ListMessages(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list messages", "credential_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, toMessageResponse(m))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeRecordError(w http.ResponseWriter, kind string, err error) {
	switch {
	case errors.Is(err, application.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, driven.ErrNoCredential):
		writeError(w, http.StatusNotFound, "account not found")
	default:
		h.logger.Error("failed to create record", "kind", kind, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// pathID parses the {id} path value, writing a 400 when it is invalid.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return 0, false
	}
	return id, true
}

func queryCredentialID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("credential_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "credential_id query parameter is required")
		return 0, false
	}
	return id, true
}
