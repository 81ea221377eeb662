package model

import (
	"fmt"
	"time"
)

// CredentialKey uniquely identifies a connected account.
type CredentialKey struct {
	OwnerID  string
	Provider Provider
	Email    string
}

// String renders the key for logs and single-flight grouping. It carries no token material.
func (k CredentialKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.OwnerID, k.Provider, k.Email)
}

// Credential holds the OAuth material for one user's account at one provider.
// AccountID is the identifier the provider uses in webhook notifications
// (grant id, mailbox address); it defaults to Email.
type Credential struct {
	ID             int64
	OwnerID        string
	Provider       Provider
	Email          string
	AccountID      string
	AccessToken    string
	RefreshToken   string
	Expiry         time.Time
	Scopes         []string
	Status         CredentialStatus
	LastSyncAt     *time.Time
	LastActivityAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Key returns the credential's unique key.
func (c Credential) Key() CredentialKey {
	return CredentialKey{OwnerID: c.OwnerID, Provider: c.Provider, Email: c.Email}
}

// CanRefresh reports whether the credential can self-heal past expiry.
func (c Credential) CanRefresh() bool {
	return c.RefreshToken != ""
}

// TokenGrant is the result of a token endpoint call. RefreshToken is empty
// when the provider did not rotate it. AccountID and Email are set only when
// the token response identifies the account (Nylas grants).
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
	AccountID    string
	Email        string
}

// AccountIdentity names the owner of a token at a provider.
type AccountIdentity struct {
	Email     string
	AccountID string
}
