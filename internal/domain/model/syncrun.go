package model

import "time"

// MaxRunErrors bounds the number of error messages retained on a SyncRun.
const MaxRunErrors = 20

// maxRunErrorLen truncates each retained error message.
const maxRunErrorLen = 500

// SyncRun is the diagnostic record of one orchestrator pass. It is
// immutable once CompletedAt is set.
type SyncRun struct {
	ID            string
	CredentialID  int64
	Provider      Provider
	Direction     SyncDirection
	Trigger       SyncTrigger
	Imported      int
	Exported      int
	Updated       int
	Deleted       int
	Errors        int
	ErrorMessages []string
	Status        SyncStatus
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// RecordError counts err and retains its message while under MaxRunErrors.
func (r *SyncRun) RecordError(err error) {
	r.Errors++
	if len(r.ErrorMessages) >= MaxRunErrors {
		return
	}
	msg := err.Error()
	if len(msg) > maxRunErrorLen {
		msg = msg[:maxRunErrorLen]
	}
	r.ErrorMessages = append(r.ErrorMessages, msg)
}

// Finish seals the run. A run with any per-object error is partial.
func (r *SyncRun) Finish(now time.Time) {
	if r.Errors == 0 {
		r.Status = SyncStatusSuccess
	} else {
		r.Status = SyncStatusPartial
	}
	r.CompletedAt = &now
}

// Fail seals the run as failed after a credential-level or fatal error.
func (r *SyncRun) Fail(now time.Time, err error) {
	r.RecordError(err)
	r.Status = SyncStatusFailed
	r.CompletedAt = &now
}

// Changed reports whether the pass created, updated or removed anything.
func (r *SyncRun) Changed() bool {
	return r.Imported+r.Exported+r.Updated+r.Deleted > 0
}
