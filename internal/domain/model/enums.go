package model

// Provider identifies an external calendar/email provider.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderNylas     Provider = "nylas"
)

// Valid reports whether p is a provider this service knows how to talk to.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft, ProviderNylas:
		return true
	}
	return false
}

// RecordKind distinguishes the two object families that are synchronized.
type RecordKind string

const (
	KindAppointment RecordKind = "appointment"
	KindMessage     RecordKind = "message"
)

// CredentialStatus represents whether a credential can still be used.
type CredentialStatus string

const (
	CredentialStatusActive         CredentialStatus = "active"
	CredentialStatusReauthRequired CredentialStatus = "reauth_required"
)

// MappingDirection records which side originated a correlated pair.
type MappingDirection string

const (
	MappingInbound  MappingDirection = "inbound"  // External record imported.
	MappingOutbound MappingDirection = "outbound" // Internal record exported.
)

// MappingStatus is the last known reconciliation state of a mapping.
type MappingStatus string

const (
	MappingStatusSynced MappingStatus = "synced"
	MappingStatusError  MappingStatus = "error"
)

// SyncDirection selects which halves of a sync pass run.
type SyncDirection string

const (
	SyncImport        SyncDirection = "import"
	SyncExport        SyncDirection = "export"
	SyncBidirectional SyncDirection = "bidirectional"
)

// Valid reports whether d is a known direction.
func (d SyncDirection) Valid() bool {
	switch d {
	case SyncImport, SyncExport, SyncBidirectional:
		return true
	}
	return false
}

// Imports reports whether the import half runs for d.
func (d SyncDirection) Imports() bool { return d == SyncImport || d == SyncBidirectional }

// Exports reports whether the export half runs for d.
func (d SyncDirection) Exports() bool { return d == SyncExport || d == SyncBidirectional }

// SyncStatus is the outcome of a sync pass.
type SyncStatus string

const (
	SyncStatusRunning SyncStatus = "running"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncTrigger records what started a sync pass.
type SyncTrigger string

const (
	TriggerSchedule SyncTrigger = "schedule"
	TriggerManual   SyncTrigger = "manual"
	TriggerWebhook  SyncTrigger = "webhook"
)
