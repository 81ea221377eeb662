package model

import "time"

// Mapping correlates one internal record with one provider-side object.
// A mapping is unique on (Provider, ExternalID) and on (InternalID, Provider).
type Mapping struct {
	ID           int64
	InternalID   string
	Kind         RecordKind
	Provider     Provider
	ExternalID   string
	ETag         string
	Direction    MappingDirection
	Status       MappingStatus
	CredentialID int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
