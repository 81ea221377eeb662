package httphandler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// maxWebhookBody bounds the size of a notification payload.
const maxWebhookBody = 1 << 20

// WebhookProcessor verifies and applies provider change notifications.
type WebhookProcessor interface {
	Challenge(provider model.Provider, query url.Values) (string, bool, error)
	HandleDelta(ctx context.Context, provider model.Provider, header http.Header, query url.Values, body []byte) (model.DeltaSummary, error)
}

// WebhookChallenge answers a provider's subscription validation request by
// echoing its challenge as plain text.
func (h *Handler) WebhookChallenge(w http.ResponseWriter, r *http.Request) {
	provider := model.Provider(r.PathValue("provider"))
	if h.writeChallenge(w, r, provider) {
		return
	}
	writeError(w, http.StatusBadRequest, "missing challenge")
}

// ReceiveWebhook processes a notification batch. Microsoft Graph validates
// subscriptions with a POST carrying validationToken, which is echoed.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	provider := model.Provider(r.PathValue("provider"))
	if h.writeChallenge(w, r, provider) {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	summary, err := h.webhooks.HandleDelta(r.Context(), provider, r.Header, r.URL.Query(), body)
	switch {
	case errors.Is(err, driven.ErrUnsupportedProvider):
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	case errors.Is(err, driven.ErrInvalidSignature):
		h.logger.Warn("webhook signature rejected", "provider", provider)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	case errors.Is(err, driven.ErrInvalidPayload):
		h.logger.Warn("webhook payload rejected", "provider", provider, "error", err)
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	case err != nil:
		h.logger.Error("webhook processing failed", "provider", provider, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// writeChallenge echoes a validation challenge and reports whether it did.
// An unknown provider is answered with 404.
func (h *Handler) writeChallenge(w http.ResponseWriter, r *http.Request, provider model.Provider) bool {
	challenge, ok, err := h.webhooks.Challenge(provider, r.URL.Query())
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown provider")
		return true
	}
	if !ok {
		return false
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
	return true
}
