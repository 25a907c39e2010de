package model

import "time"

// Credential is a bearer credential issued by the cloud API. Token is the
// secret bearer value and must never be logged; use Info for anything that
// leaves the process.
type Credential struct {
	ID             string
	Token          string
	Scope          Scope
	ExpiresAt      time.Time // Zero when the credential does not expire.
	OwnerAccountID string
}

// HasExpiry reports whether the credential carries an expiry timestamp.
func (c Credential) HasExpiry() bool {
	return !c.ExpiresAt.IsZero()
}

// ExpiredAt reports whether the credential is no longer usable at now.
// Credentials without an expiry never expire.
func (c Credential) ExpiredAt(now time.Time) bool {
	return c.HasExpiry() && !now.Before(c.ExpiresAt)
}

// Info returns the non-secret metadata of the credential.
func (c Credential) Info() CredentialInfo {
	info := CredentialInfo{
		ID:             c.ID,
		Scope:          c.Scope,
		OwnerAccountID: c.OwnerAccountID,
	}
	if c.HasExpiry() {
		expiresAt := c.ExpiresAt
		info.ExpiresAt = &expiresAt
	}
	return info
}

// CredentialInfo is the displayable part of a Credential.
type CredentialInfo struct {
	ID             string
	Scope          Scope
	ExpiresAt      *time.Time
	OwnerAccountID string
}

// SlotChange describes a set of slot writes and removals that must be applied
// together. A slot listed in both Set and Clear is cleared.
type SlotChange struct {
	Set   map[Slot]Credential
	Clear []Slot
}
