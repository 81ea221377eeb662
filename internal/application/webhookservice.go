package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/cenkalti/backoff/v4"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

const fetchAttempts = 3

// ResyncTrigger queues a full pass for an account.
type ResyncTrigger interface {
	TriggerAsync(credentialID int64) bool
}

// WebhookService applies provider change notifications one delta at a time.
// A failing delta is logged and counted; it never rejects the batch.
type WebhookService struct {
	registry   *ProviderRegistry
	creds      driven.CredentialStore
	tokens     *TokenManager
	reconciler *Reconciler
	resync     ResyncTrigger
	secret     string

	newBackOff func() backoff.BackOff
}

// NewWebhookService creates a WebhookService. An empty secret disables
// signature verification.
func NewWebhookService(
	registry *ProviderRegistry,
	creds driven.CredentialStore,
	tokens *TokenManager,
	reconciler *Reconciler,
	resync ResyncTrigger,
	secret string,
) *WebhookService {
	return &WebhookService{
		registry:   registry,
		creds:      creds,
		tokens:     tokens,
		reconciler: reconciler,
		resync:     resync,
		secret:     secret,
		newBackOff: defaultBackOff,
	}
}

// Challenge returns the subscription validation echo for provider, if the
// query carries one.
func (s *WebhookService) Challenge(provider model.Provider, query url.Values) (string, bool, error) {
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return "", false, err
	}
	body, ok := adapter.Challenge(query)
	return body, ok, nil
}

// HandleDelta verifies and parses a notification, then applies each delta.
// Verification and parse failures reject the whole payload.
func (s *WebhookService) HandleDelta(ctx context.Context, provider model.Provider, header http.Header, query url.Values, body []byte) (model.DeltaSummary, error) {
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return model.DeltaSummary{}, err
	}
	if err := adapter.VerifyWebhook(header, query, body, s.secret); err != nil {
		webhookDeltasTotal.WithLabelValues(string(provider), "rejected").Inc()
		return model.DeltaSummary{}, err
	}
	deltas, err := adapter.ParseDeltas(header, body)
	if err != nil {
		webhookDeltasTotal.WithLabelValues(string(provider), "invalid").Inc()
		return model.DeltaSummary{}, err
	}

	var summary model.DeltaSummary
	for _, d := range deltas {
		summary.Received++
		outcome, err := s.applyDelta(ctx, adapter, d)
		result := "applied"
		switch {
		case err != nil:
			summary.Failed++
			result = "failed"
			slog.Error("webhook delta failed",
				"provider", d.Provider, "account", d.AccountID, "kind", d.Kind,
				"change", d.Change, "external_id", d.ExternalID, "error", err)
		case outcome == OutcomeSkipped:
			summary.Skipped++
			result = "skipped"
		default:
			summary.Applied++
		}
		webhookDeltasTotal.WithLabelValues(string(provider), result).Inc()
	}

	slog.Info("webhook processed",
		"provider", provider,
		"received", summary.Received,
		"applied", summary.Applied,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)
	return summary, nil
}

func (s *WebhookService) applyDelta(ctx context.Context, adapter driven.ProviderAdapter, d model.Delta) (Outcome, error) {
	cred, err := s.creds.FindByAccountID(ctx, d.Provider, d.AccountID)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("resolve account %s: %w", d.AccountID, err)
	}
	if cred == nil {
		slog.Warn("webhook for unknown account", "provider", d.Provider, "account", d.AccountID)
		return OutcomeSkipped, nil
	}
	if cred.Status == model.CredentialStatusReauthRequired {
		slog.Debug("webhook for account awaiting reconnect", "credential_id", cred.ID)
		return OutcomeSkipped, nil
	}

	switch d.Change {
	case model.DeltaResync:
		if !s.resync.TriggerAsync(cred.ID) {
			return OutcomeSkipped, nil
		}
		return OutcomeUpdated, nil
	case model.DeltaDelete:
		return s.reconciler.ApplyDeletion(ctx, *cred, d.Kind, d.ExternalID)
	case model.DeltaUpsert:
		return s.applyUpsert(ctx, adapter, *cred, d)
	default:
		return OutcomeSkipped, fmt.Errorf("unknown delta change %q", d.Change)
	}
}

func (s *WebhookService) applyUpsert(ctx context.Context, adapter driven.ProviderAdapter, cred model.Credential, d model.Delta) (Outcome, error) {
	token, err := s.tokens.GetValidAccessToken(ctx, cred.Key())
	if err != nil {
		return OutcomeSkipped, err
	}

	var obj model.RemoteObject
	op := func() error {
		o, err := adapter.FetchObject(ctx, cred, token, d.Kind, d.ExternalID)
		if err != nil {
			if driven.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		obj = o
		return nil
	}
	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), fetchAttempts-1), ctx))
	switch {
	case errors.Is(err, driven.ErrRemoteNotFound):
		return s.reconciler.ApplyDeletion(ctx, cred, d.Kind, d.ExternalID)
	case err != nil:
		return OutcomeSkipped, fmt.Errorf("fetch %s %s: %w", d.Kind, d.ExternalID, err)
	}

	switch {
	case obj.Event != nil:
		return s.reconciler.ApplyEvent(ctx, cred, *obj.Event)
	case obj.Message != nil:
		return s.reconciler.ApplyMessage(ctx, cred, *obj.Message)
	default:
		return OutcomeSkipped, fmt.Errorf("fetch %s %s: empty object", d.Kind, d.ExternalID)
	}
}
