package application

import (
	"time"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
)

// ActivityTier buckets an account by how long ago a pass last imported,
// updated, deleted, or exported something. Busier accounts sync more often.
type ActivityTier int

const (
	TierHot ActivityTier = iota
	TierActive
	TierWarm
	TierStale
)

const (
	intervalHot    = 2 * time.Minute
	intervalActive = 5 * time.Minute
	intervalWarm   = 15 * time.Minute
	intervalStale  = 30 * time.Minute
)

// tierRules is ordered from busiest to quietest; an account takes the first
// tier whose quiet period it has not yet exceeded.
var tierRules = []struct {
	tier     ActivityTier
	name     string
	quietFor time.Duration
	interval time.Duration
}{
	{TierHot, "hot", time.Hour, intervalHot},
	{TierActive, "active", 24 * time.Hour, intervalActive},
	{TierWarm, "warm", 7 * 24 * time.Hour, intervalWarm},
	{TierStale, "stale", 0, intervalStale},
}

func (t ActivityTier) String() string {
	for _, r := range tierRules {
		if r.tier == t {
			return r.name
		}
	}
	return "unknown"
}

// tierInterval is the wait between passes for an account in tier.
func tierInterval(tier ActivityTier) time.Duration {
	for _, r := range tierRules {
		if r.tier == tier {
			return r.interval
		}
	}
	return intervalActive
}

// classifyActivity places an account that was last active at lastActive,
// seen from now. Accounts that never changed anything are stale.
func classifyActivity(lastActive, now time.Time) ActivityTier {
	if lastActive.IsZero() {
		return TierStale
	}
	quiet := now.Sub(lastActive)
	for _, r := range tierRules {
		if r.quietFor > 0 && quiet < r.quietFor {
			return r.tier
		}
	}
	return TierStale
}

// accountSchedule is the scheduler's bookkeeping for one credential.
type accountSchedule struct {
	tier       ActivityTier
	nextSyncAt time.Time
	lastSynced time.Time
	lastActive time.Time
}

// newAccountSchedule seeds a schedule from what the credential store knows.
// An account that has never synced is due immediately.
func newAccountSchedule(cred model.Credential, now time.Time) *accountSchedule {
	sched := &accountSchedule{}
	if cred.LastActivityAt != nil {
		sched.lastActive = *cred.LastActivityAt
	}
	sched.tier = classifyActivity(sched.lastActive, now)
	if cred.LastSyncAt != nil {
		sched.lastSynced = *cred.LastSyncAt
		sched.nextSyncAt = sched.lastSynced.Add(tierInterval(sched.tier))
	}
	return sched
}

// reschedule books the next pass after one that finished at finished.
// A pass that changed nothing keeps the tier earned by earlier activity.
func (s *accountSchedule) reschedule(finished time.Time, changed bool) {
	if changed {
		s.lastActive = finished
	}
	s.tier = classifyActivity(s.lastActive, finished)
	s.lastSynced = finished
	s.nextSyncAt = finished.Add(tierInterval(s.tier))
}

func (s *accountSchedule) due(now time.Time) bool {
	return !now.Before(s.nextSyncAt)
}

// ScheduleInfo is a read-only copy of an account's schedule.
type ScheduleInfo struct {
	Tier       ActivityTier
	NextSyncAt time.Time
	LastSynced time.Time
}
