// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// asyncQueueSize bounds pending webhook-triggered resyncs.
const asyncQueueSize = 64

// SyncRunner runs one sync pass for an account.
type SyncRunner interface {
	RunSync(ctx context.Context, credentialID int64, direction model.SyncDirection, trigger model.SyncTrigger) (*model.SyncRun, error)
}

// Scheduler drives periodic sync passes for every active account, spacing
// each account by its activity tier.
type Scheduler struct {
	creds       driven.CredentialStore
	runner      SyncRunner
	interval    time.Duration
	concurrency int

	mu        sync.Mutex
	schedules map[int64]*accountSchedule

	asyncCh chan int64
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler. interval is the tick on which due
// accounts are checked; concurrency bounds parallel passes per tick.
func NewScheduler(creds driven.CredentialStore, runner SyncRunner, interval time.Duration, concurrency int) *Scheduler {
	return &Scheduler{
		creds:       creds,
		runner:      runner,
		interval:    interval,
		concurrency: max(concurrency, 1),
		schedules:   make(map[int64]*accountSchedule),
		asyncCh:     make(chan int64, asyncQueueSize),
	}
}

// Start runs an immediate pass over due accounts, then checks on every
// tick. It also drains asynchronous triggers. Start blocks until the
// context is canceled and in-flight triggered passes have returned.
func (s *Scheduler) Start(ctx context.Context) {
	if err := s.syncDue(ctx); err != nil {
		slog.Error("initial sync cycle failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.syncDue(ctx); err != nil {
				slog.Error("sync cycle failed", "error", err)
			}
		case id := <-s.asyncCh:
			s.wg.Go(func() {
				s.runOne(ctx, id, model.TriggerWebhook)
			})
		}
	}
}

// Trigger runs a manual pass for one account and blocks until it finishes.
func (s *Scheduler) Trigger(ctx context.Context, credentialID int64, direction model.SyncDirection) (*model.SyncRun, error) {
	run, err := s.runner.RunSync(ctx, credentialID, direction, model.TriggerManual)
	if run != nil {
		s.record(credentialID, run)
	}
	return run, err
}

// TriggerAsync queues a pass for the account without waiting. It returns
// false when the queue is full; the next tick covers the account anyway.
func (s *Scheduler) TriggerAsync(credentialID int64) bool {
	select {
	case s.asyncCh <- credentialID:
		return true
	default:
		slog.Warn("async sync queue full, deferring to schedule", "credential_id", credentialID)
		return false
	}
}

// Schedules returns a snapshot of every tracked account's schedule.
func (s *Scheduler) Schedules() map[int64]ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]ScheduleInfo, len(s.schedules))
	for id, sched := range s.schedules {
		out[id] = ScheduleInfo{Tier: sched.tier, NextSyncAt: sched.nextSyncAt, LastSynced: sched.lastSynced}
	}
	return out
}

// syncDue runs every active account whose next sync time has passed.
func (s *Scheduler) syncDue(ctx context.Context) error {
	start := time.Now()

	creds, err := s.creds.ListActive(ctx)
	if err != nil {
		return err
	}

	var due []model.Credential
	for _, cred := range creds {
		if s.isDue(cred, start) {
			due = append(due, cred)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	var mu sync.Mutex
	var failures int
	for _, cred := range due {
		g.Go(func() error {
			if !s.runOne(gctx, cred.ID, model.TriggerSchedule) {
				mu.Lock()
				failures++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("sync cycle complete",
		"accounts", len(creds),
		"due", len(due),
		"failures", failures,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return ctx.Err()
}

// runOne runs a bidirectional pass and reports whether it did not fail.
func (s *Scheduler) runOne(ctx context.Context, credentialID int64, trigger model.SyncTrigger) bool {
	run, err := s.runner.RunSync(ctx, credentialID, model.SyncBidirectional, trigger)
	if run != nil {
		s.record(credentialID, run)
	}
	switch {
	case errors.Is(err, driven.ErrSyncInProgress):
		slog.Debug("sync skipped, already running", "credential_id", credentialID, "trigger", trigger)
		return true
	case err != nil:
		slog.Error("account sync failed", "credential_id", credentialID, "trigger", trigger, "error", err)
		return false
	}
	return run.Status != model.SyncStatusFailed
}

func (s *Scheduler) isDue(cred model.Credential, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[cred.ID]
	if !ok {
		sched = newAccountSchedule(cred, now)
		s.schedules[cred.ID] = sched
	}
	return sched.due(now)
}

// record reclassifies the account after a pass.
func (s *Scheduler) record(credentialID int64, run *model.SyncRun) {
	finished := run.StartedAt
	if run.CompletedAt != nil {
		finished = *run.CompletedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[credentialID]
	if !ok {
		sched = &accountSchedule{tier: TierStale}
		s.schedules[credentialID] = sched
	}
	sched.reschedule(finished, run.Changed())
}
