package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// Outcome is the result of reconciling one object.
type Outcome string

const (
	OutcomeImported Outcome = "imported"
	OutcomeUpdated  Outcome = "updated"
	OutcomeDeleted  Outcome = "deleted"
	OutcomeExported Outcome = "exported"
	OutcomeSkipped  Outcome = "skipped"
)

// maxConflictAttempts bounds ResolveConflict before falling back.
const maxConflictAttempts = 3

type applyState int

const (
	stateLookup applyState = iota
	stateCreate
	stateResolveConflict
	stateFallback
)

// recordOps binds the apply state machine to one record kind.
type recordOps struct {
	kind model.RecordKind
	// create persists a new internal record and returns its id.
	create func(ctx context.Context) (string, error)
	// update applies the remote fields; false means the record is gone.
	update func(ctx context.Context, internalID string) (bool, error)
	// discard removes an orphan left by a lost race.
	discard func(ctx context.Context, internalID string) error
	// retire applies a confirmed remote deletion.
	retire func(ctx context.Context, internalID string) error
}

// remoteRef identifies the remote side of one apply.
type remoteRef struct {
	id   string
	etag string
	gone bool
}

// Reconciler holds the single-object logic shared by sync passes and
// webhook deltas. Check-then-write on a mapping happens under a per-key
// lock; the store's unique constraints catch writers in other processes.
type Reconciler struct {
	mappings driven.MappingStore
	appts    driven.AppointmentStore
	messages driven.MessageStore
	locks    *keyedMutex
}

// NewReconciler creates a Reconciler.
func NewReconciler(mappings driven.MappingStore, appts driven.AppointmentStore, messages driven.MessageStore) *Reconciler {
	return &Reconciler{
		mappings: mappings,
		appts:    appts,
		messages: messages,
		locks:    newKeyedMutex(),
	}
}

func externalKey(provider model.Provider, externalID string) string {
	return "ext|" + string(provider) + "|" + externalID
}

func internalKey(provider model.Provider, internalID string) string {
	return "int|" + string(provider) + "|" + internalID
}

// ApplyEvent imports or updates the appointment mirrored from ev.
func (r *Reconciler) ApplyEvent(ctx context.Context, cred model.Credential, ev model.CanonicalEvent) (Outcome, error) {
	ref := remoteRef{id: ev.ExternalID, etag: ev.ETag, gone: ev.Cancelled}
	return r.apply(ctx, cred, ref, r.appointmentOps(cred, &ev))
}

// ApplyMessage imports or updates the message mirrored from msg.
func (r *Reconciler) ApplyMessage(ctx context.Context, cred model.Credential, msg model.CanonicalMessage) (Outcome, error) {
	ref := remoteRef{id: msg.ExternalID, gone: msg.Deleted}
	return r.apply(ctx, cred, ref, r.messageOps(cred, &msg))
}

// ApplyDeletion retires the internal record mapped to externalID. Unknown
// ids are a no-op.
func (r *Reconciler) ApplyDeletion(ctx context.Context, cred model.Credential, kind model.RecordKind, externalID string) (Outcome, error) {
	ref := remoteRef{id: externalID, gone: true}
	switch kind {
	case model.KindAppointment:
		return r.apply(ctx, cred, ref, r.appointmentOps(cred, nil))
	case model.KindMessage:
		return r.apply(ctx, cred, ref, r.messageOps(cred, nil))
	default:
		return OutcomeSkipped, fmt.Errorf("apply deletion: unknown kind %q", kind)
	}
}

func (r *Reconciler) apply(ctx context.Context, cred model.Credential, ref remoteRef, ops recordOps) (Outcome, error) {
	if ref.id == "" {
		return OutcomeSkipped, errors.New("remote object has no id")
	}
	unlock := r.locks.Lock(externalKey(cred.Provider, ref.id))
	defer unlock()

	state := stateLookup
	var orphan string
	conflicts := 0
	for {
		switch state {
		case stateLookup:
			m, err := r.mappings.FindByExternalID(ctx, cred.Provider, ref.id)
			if err != nil {
				return OutcomeSkipped, fmt.Errorf("look up mapping %s/%s: %w", cred.Provider, ref.id, err)
			}
			if m == nil {
				if ref.gone {
					return OutcomeSkipped, nil
				}
				state = stateCreate
				continue
			}
			if ref.gone {
				return r.retire(ctx, *m, ops)
			}
			found, err := ops.update(ctx, m.InternalID)
			if err != nil {
				return OutcomeSkipped, fmt.Errorf("update %s %s: %w", ops.kind, m.InternalID, err)
			}
			if !found {
				// The internal record was removed locally; import it afresh.
				if err := r.mappings.Delete(ctx, m.ID); err != nil {
					return OutcomeSkipped, fmt.Errorf("drop stale mapping %d: %w", m.ID, err)
				}
				state = stateCreate
				continue
			}
			m.ETag = ref.etag
			m.Status = model.MappingStatusSynced
			if _, err := r.mappings.Upsert(ctx, *m); err != nil {
				return OutcomeSkipped, fmt.Errorf("touch mapping %d: %w", m.ID, err)
			}
			return OutcomeUpdated, nil

		case stateCreate:
			id, err := ops.create(ctx)
			if err != nil {
				return OutcomeSkipped, fmt.Errorf("create %s: %w", ops.kind, err)
			}
			stored, err := r.mappings.Upsert(ctx, model.Mapping{
				InternalID:   id,
				Kind:         ops.kind,
				Provider:     cred.Provider,
				ExternalID:   ref.id,
				ETag:         ref.etag,
				Direction:    model.MappingInbound,
				Status:       model.MappingStatusSynced,
				CredentialID: cred.ID,
			})
			switch {
			case errors.Is(err, driven.ErrMappingConflict), err == nil && stored.InternalID != id:
				orphan = id
				state = stateResolveConflict
			case err != nil:
				if dErr := ops.discard(ctx, id); dErr != nil {
					slog.Error("discard unmapped record failed", "kind", ops.kind, "id", id, "error", dErr)
				}
				return OutcomeSkipped, fmt.Errorf("create mapping %s/%s: %w", cred.Provider, ref.id, err)
			default:
				return OutcomeImported, nil
			}

		case stateResolveConflict:
			conflicts++
			slog.Debug("mapping conflict, converging", "provider", cred.Provider, "external_id", ref.id, "attempt", conflicts)
			if err := ops.discard(ctx, orphan); err != nil {
				slog.Error("discard orphan record failed", "kind", ops.kind, "id", orphan, "error", err)
			}
			if conflicts >= maxConflictAttempts {
				state = stateFallback
			} else {
				state = stateLookup
			}

		case stateFallback:
			return OutcomeSkipped, fmt.Errorf("%w: %s %s/%s unresolved after %d attempts",
				driven.ErrMappingConflict, ops.kind, cred.Provider, ref.id, conflicts)
		}
	}
}

func (r *Reconciler) retire(ctx context.Context, m model.Mapping, ops recordOps) (Outcome, error) {
	if err := ops.retire(ctx, m.InternalID); err != nil {
		return OutcomeSkipped, fmt.Errorf("retire %s %s: %w", ops.kind, m.InternalID, err)
	}
	if err := r.mappings.Delete(ctx, m.ID); err != nil {
		return OutcomeSkipped, fmt.Errorf("delete mapping %d: %w", m.ID, err)
	}
	return OutcomeDeleted, nil
}

// appointmentOps soft-deletes: a retired appointment stays, cancelled.
func (r *Reconciler) appointmentOps(cred model.Credential, ev *model.CanonicalEvent) recordOps {
	return recordOps{
		kind: model.KindAppointment,
		create: func(ctx context.Context) (string, error) {
			a := model.Appointment{OwnerID: cred.OwnerID, CredentialID: cred.ID}
			a.ApplyEvent(*ev)
			created, err := r.appts.Create(ctx, a)
			return created.ID, err
		},
		update: func(ctx context.Context, id string) (bool, error) {
			a, err := r.appts.Get(ctx, id)
			if err != nil || a == nil {
				return false, err
			}
			a.ApplyEvent(*ev)
			return true, r.appts.Update(ctx, *a)
		},
		discard: func(ctx context.Context, id string) error {
			return r.appts.Delete(ctx, id)
		},
		retire: func(ctx context.Context, id string) error {
			a, err := r.appts.Get(ctx, id)
			if err != nil || a == nil || a.Cancelled {
				return err
			}
			a.Cancelled = true
			return r.appts.Update(ctx, *a)
		},
	}
}

// messageOps hard-deletes retired messages.
func (r *Reconciler) messageOps(cred model.Credential, msg *model.CanonicalMessage) recordOps {
	return recordOps{
		kind: model.KindMessage,
		create: func(ctx context.Context) (string, error) {
			m := model.Message{OwnerID: cred.OwnerID, CredentialID: cred.ID}
			m.ApplyMessage(*msg)
			created, err := r.messages.Create(ctx, m)
			return created.ID, err
		},
		update: func(ctx context.Context, id string) (bool, error) {
			m, err := r.messages.Get(ctx, id)
			if err != nil || m == nil {
				return false, err
			}
			m.ApplyMessage(*msg)
			return true, r.messages.Update(ctx, *m)
		},
		discard: func(ctx context.Context, id string) error {
			return r.messages.Delete(ctx, id)
		},
		retire: func(ctx context.Context, id string) error {
			return r.messages.Delete(ctx, id)
		},
	}
}

// ExportAppointment creates the appointment at the credential's provider
// unless it is already mapped there.
func (r *Reconciler) ExportAppointment(ctx context.Context, cred model.Credential, adapter driven.ProviderAdapter, accessToken string, a model.Appointment) (Outcome, error) {
	return r.export(ctx, cred, r.appointmentOps(cred, nil), a.ID, func() (string, string, error) {
		return adapter.CreateEvent(ctx, cred, accessToken, a.Event())
	})
}

// ExportMessage sends the message through the credential's provider unless
// it was already sent there.
func (r *Reconciler) ExportMessage(ctx context.Context, cred model.Credential, adapter driven.ProviderAdapter, accessToken string, m model.Message) (Outcome, error) {
	return r.export(ctx, cred, r.messageOps(cred, nil), m.ID, func() (string, string, error) {
		id, err := adapter.SendMessage(ctx, cred, accessToken, m.Canonical())
		return id, "", err
	})
}

func (r *Reconciler) export(ctx context.Context, cred model.Credential, ops recordOps, internalID string, push func() (string, string, error)) (Outcome, error) {
	kind := ops.kind
	unlock := r.locks.Lock(internalKey(cred.Provider, internalID))
	defer unlock()

	existing, err := r.mappings.FindByInternalID(ctx, internalID, cred.Provider)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("look up mapping for %s %s: %w", kind, internalID, err)
	}
	if existing != nil {
		return OutcomeSkipped, nil
	}

	pushedAt := time.Now()
	externalID, etag, err := push()
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("export %s %s: %w", kind, internalID, err)
	}

	unlockExt := r.locks.Lock(externalKey(cred.Provider, externalID))
	defer unlockExt()

	// A webhook or overlapping pass may have imported the new object while
	// the push was in flight. That copy is a duplicate of internalID.
	if err := r.reclaimExport(ctx, cred, ops, internalID, externalID, pushedAt); err != nil {
		return OutcomeSkipped, err
	}

	stored, err := r.mappings.Upsert(ctx, model.Mapping{
		InternalID:   internalID,
		Kind:         kind,
		Provider:     cred.Provider,
		ExternalID:   externalID,
		ETag:         etag,
		Direction:    model.MappingOutbound,
		Status:       model.MappingStatusSynced,
		CredentialID: cred.ID,
	})
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("record export of %s %s as %s: %w", kind, internalID, externalID, err)
	}
	if stored.InternalID != internalID {
		return OutcomeSkipped, fmt.Errorf("%w: %s/%s already mirrors %s", driven.ErrMappingConflict, cred.Provider, externalID, stored.InternalID)
	}
	return OutcomeExported, nil
}

// reclaimExport drops an inbound mapping created for externalID after
// pushedAt, together with the record it imported, so the mapping can point
// at the exported record. Older or outbound mappings are left alone.
func (r *Reconciler) reclaimExport(ctx context.Context, cred model.Credential, ops recordOps, internalID, externalID string, pushedAt time.Time) error {
	m, err := r.mappings.FindByExternalID(ctx, cred.Provider, externalID)
	if err != nil {
		return fmt.Errorf("look up mapping %s/%s: %w", cred.Provider, externalID, err)
	}
	if m == nil || m.InternalID == internalID {
		return nil
	}
	if m.Direction != model.MappingInbound || m.CreatedAt.Before(pushedAt) {
		return fmt.Errorf("%w: %s/%s already mirrors %s", driven.ErrMappingConflict, cred.Provider, externalID, m.InternalID)
	}

	slog.Debug("export raced an import, keeping exported record",
		"kind", ops.kind, "external_id", externalID, "kept", internalID, "dropped", m.InternalID)
	if err := ops.discard(ctx, m.InternalID); err != nil {
		return fmt.Errorf("discard duplicate %s %s: %w", ops.kind, m.InternalID, err)
	}
	if err := r.mappings.Delete(ctx, m.ID); err != nil {
		return fmt.Errorf("drop duplicate mapping %d: %w", m.ID, err)
	}
	return nil
}

// tally folds an outcome into a run's counters.
func tally(run *model.SyncRun, kind model.RecordKind, outcome Outcome, err error) {
	label := string(outcome)
	if err != nil {
		run.RecordError(err)
		label = "error"
	}
	syncObjectsTotal.WithLabelValues(string(run.Provider), string(kind), label).Inc()
	if err != nil {
		return
	}
	switch outcome {
	case OutcomeImported:
		run.Imported++
	case OutcomeUpdated:
		run.Updated++
	case OutcomeDeleted:
		run.Deleted++
	case OutcomeExported:
		run.Exported++
	}
}
