package model

import "time"

// AccountHealthState is the user-visible condition of a connected account.
type AccountHealthState string

const (
	AccountReconnectRequired AccountHealthState = "reconnect_required"
	AccountFailing           AccountHealthState = "failing"
	AccountDegraded          AccountHealthState = "degraded"
	AccountHealthy           AccountHealthState = "healthy"
	AccountUnknown           AccountHealthState = "unknown"
)

// AccountHealth summarizes a credential and its most recent sync run.
type AccountHealth struct {
	CredentialID int64
	Provider     Provider
	Email        string
	State        AccountHealthState
	Message      string
	Reasons      []string
	LastSyncAt   *time.Time
	LastRun      *SyncRun
}
