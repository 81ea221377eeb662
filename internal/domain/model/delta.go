package model

// DeltaChange is the kind of change a provider notification announces.
type DeltaChange string

const (
	DeltaUpsert DeltaChange = "upsert"
	DeltaDelete DeltaChange = "delete"
	// DeltaResync names an account but no object; the account is re-synced.
	DeltaResync DeltaChange = "resync"
)

// Delta is one change notification parsed from a webhook payload.
type Delta struct {
	Provider   Provider
	AccountID  string
	Kind       RecordKind
	Change     DeltaChange
	ExternalID string
}

// DeltaSummary reports how a webhook batch was handled.
type DeltaSummary struct {
	Received int `json:"received"`
	Applied  int `json:"applied"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}
