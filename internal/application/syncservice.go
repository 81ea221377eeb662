package application

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// errRunBudget is recorded when a pass is cut short by its time budget.
var errRunBudget = errors.New("sync run budget exceeded")

const listAttempts = 3

// SyncOptions bounds one sync pass.
type SyncOptions struct {
	// Window is the span either side of now used for event listing.
	Window       time.Duration
	RunTimeout   time.Duration
	MessageLimit int
}

// SyncService runs reconciliation passes for one account at a time.
type SyncService struct {
	creds      driven.CredentialStore
	runs       driven.SyncRunStore
	appts      driven.AppointmentStore
	messages   driven.MessageStore
	registry   *ProviderRegistry
	tokens     *TokenManager
	reconciler *Reconciler
	opts       SyncOptions

	mu       sync.Mutex
	inFlight map[int64]struct{}

	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// NewSyncService creates a SyncService with all required dependencies.
func NewSyncService(
	creds driven.CredentialStore,
	runs driven.SyncRunStore,
	appts driven.AppointmentStore,
	messages driven.MessageStore,
	registry *ProviderRegistry,
	tokens *TokenManager,
	reconciler *Reconciler,
	opts SyncOptions,
) *SyncService {
	return &SyncService{
		creds:      creds,
		runs:       runs,
		appts:      appts,
		messages:   messages,
		registry:   registry,
		tokens:     tokens,
		reconciler: reconciler,
		opts:       opts,
		inFlight:   make(map[int64]struct{}),
		now:        time.Now,
		newBackOff: defaultBackOff,
	}
}

// ListRuns returns the newest runs for a credential.
func (s *SyncService) ListRuns(ctx context.Context, credentialID int64, limit int) ([]model.SyncRun, error) {
	return s.runs.ListByCredential(ctx, credentialID, limit)
}

func (s *SyncService) acquire(credentialID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[credentialID]; busy {
		return false
	}
	s.inFlight[credentialID] = struct{}{}
	return true
}

func (s *SyncService) release(credentialID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, credentialID)
}

// RunSync performs one pass for the credential. The returned run is
// non-nil whenever a run was recorded; a credential-level failure returns
// both the failed run and the error.
func (s *SyncService) RunSync(ctx context.Context, credentialID int64, direction model.SyncDirection, trigger model.SyncTrigger) (*model.SyncRun, error) {
	if !direction.Valid() {
		return nil, fmt.Errorf("invalid sync direction %q", direction)
	}
	if !s.acquire(credentialID) {
		return nil, fmt.Errorf("%w: credential %d", driven.ErrSyncInProgress, credentialID)
	}
	defer s.release(credentialID)

	cred, err := s.creds.GetByID(ctx, credentialID)
	if err != nil {
		return nil, fmt.Errorf("load credential %d: %w", credentialID, err)
	}
	if cred == nil {
		return nil, fmt.Errorf("%w: id %d", driven.ErrNoCredential, credentialID)
	}
	adapter, err := s.registry.Get(cred.Provider)
	if err != nil {
		return nil, err
	}

	run := &model.SyncRun{
		ID:           uuid.NewString(),
		CredentialID: cred.ID,
		Provider:     cred.Provider,
		Direction:    direction,
		Trigger:      trigger,
		Status:       model.SyncStatusRunning,
		StartedAt:    s.now().UTC(),
	}
	if err := s.runs.Create(ctx, *run); err != nil {
		return nil, fmt.Errorf("record sync run: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
	defer cancel()

	token, err := s.tokens.GetValidAccessToken(runCtx, cred.Key())
	if err != nil {
		run.Fail(s.now().UTC(), err)
		s.complete(ctx, *cred, run)
		return run, err
	}

	if direction.Imports() {
		s.importEvents(runCtx, *cred, adapter, token, run)
		s.importMessages(runCtx, *cred, adapter, token, run)
	}
	if direction.Exports() {
		s.exportAppointments(runCtx, *cred, adapter, token, run)
		s.exportMessages(runCtx, *cred, adapter, token, run)
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		run.RecordError(errRunBudget)
	}
	run.Finish(s.now().UTC())
	s.complete(ctx, *cred, run)
	return run, nil
}

// complete persists the final run state even if the caller's context is gone.
func (s *SyncService) complete(ctx context.Context, cred model.Credential, run *model.SyncRun) {
	ctx = context.WithoutCancel(ctx)
	if err := s.runs.Complete(ctx, *run); err != nil {
		slog.Error("complete sync run failed", "run", run.ID, "error", err)
	}

	if run.Status != model.SyncStatusFailed {
		var activity *time.Time
		if run.Changed() {
			activity = run.CompletedAt
		}
		if err := s.creds.TouchSync(ctx, cred.ID, *run.CompletedAt, activity); err != nil {
			slog.Error("touch credential sync time failed", "credential_id", cred.ID, "error", err)
		}
	}

	syncRunDuration.WithLabelValues(string(run.Provider), string(run.Status)).
		Observe(run.CompletedAt.Sub(run.StartedAt).Seconds())
	slog.Info("sync run complete",
		"run", run.ID,
		"credential_id", cred.ID,
		"provider", run.Provider,
		"direction", run.Direction,
		"trigger", run.Trigger,
		"status", run.Status,
		"imported", run.Imported,
		"updated", run.Updated,
		"deleted", run.Deleted,
		"exported", run.Exported,
		"errors", run.Errors,
		"duration", run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond),
	)
}

func (s *SyncService) importEvents(ctx context.Context, cred model.Credential, adapter driven.ProviderAdapter, token string, run *model.SyncRun) {
	window := model.WindowAround(s.now(), s.opts.Window)
	drainSeq(ctx, s, run, model.KindAppointment,
		func() iter.Seq2[model.CanonicalEvent, error] {
			return adapter.ListEvents(ctx, cred, token, window)
		},
		func(ev model.CanonicalEvent) (Outcome, error) {
			return s.reconciler.ApplyEvent(ctx, cred, ev)
		})
}

func (s *SyncService) importMessages(ctx context.Context, cred model.Credential, adapter driven.ProviderAdapter, token string, run *model.SyncRun) {
	drainSeq(ctx, s, run, model.KindMessage,
		func() iter.Seq2[model.CanonicalMessage, error] {
			return adapter.ListMessages(ctx, cred, token, s.opts.MessageLimit)
		},
		func(msg model.CanonicalMessage) (Outcome, error) {
			return s.reconciler.ApplyMessage(ctx, cred, msg)
		})
}

// drainSeq walks a listing and applies each object. A retryable failure
// before the first object restarts the listing; any later listing failure
// counts one error and ends it.
func drainSeq[T any](ctx context.Context, s *SyncService, run *model.SyncRun, kind model.RecordKind,
	list func() iter.Seq2[T, error], apply func(T) (Outcome, error)) {
	op := func() error {
		started := false
		for item, err := range list() {
			if err != nil {
				var normErr *driven.NormalizeError
				if errors.As(err, &normErr) {
					started = true
					tally(run, kind, OutcomeSkipped, err)
					continue
				}
				if !started && driven.IsRetryable(err) {
					return err
				}
				return backoff.Permanent(err)
			}
			started = true
			outcome, err := apply(item)
			tally(run, kind, outcome, err)
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), listAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		run.RecordError(fmt.Errorf("list %ss: %w", kind, err))
		syncObjectsTotal.WithLabelValues(string(run.Provider), string(kind), "list_error").Inc()
	}
}

func (s *SyncService) exportAppointments(ctx context.Context, cred model.Credential, adapter driven.ProviderAdapter, token string, run *model.SyncRun) {
	pending, err := s.appts.ListUnmapped(ctx, cred.ID, cred.Provider)
	if err != nil {
		run.RecordError(fmt.Errorf("list unmapped appointments: %w", err))
		return
	}
	for _, a := range pending {
		if ctx.Err() != nil {
			return
		}
		outcome, err := s.reconciler.ExportAppointment(ctx, cred, adapter, token, a)
		tally(run, model.KindAppointment, outcome, err)
	}
}

func (s *SyncService) exportMessages(ctx context.Context, cred model.Credential, adapter driven.ProviderAdapter, token string, run *model.SyncRun) {
	pending, err := s.messages.ListUnmapped(ctx, cred.ID, cred.Provider)
	if err != nil {
		run.RecordError(fmt.Errorf("list unmapped messages: %w", err))
		return
	}
	for _, m := range pending {
		if ctx.Err() != nil {
			return
		}
		outcome, err := s.reconciler.ExportMessage(ctx, cred, adapter, token, m)
		tally(run, model.KindMessage, outcome, err)
	}
}
