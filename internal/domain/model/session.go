package model

import "time"

// SessionState is a read-only snapshot of the delegated-access session.
// It carries credential metadata only, never bearer values.
type SessionState struct {
	SessionID        string
	Phase            Phase
	Active           *CredentialInfo
	Reserve          *CredentialInfo
	TargetAccountID  string
	RemainingSeconds int
	LastError        error
	RedirectToLogout bool
	UpdatedAt        time.Time
	// Version increases with every change so subscribers can drop
	// snapshots that arrive out of order.
	Version uint64
}

// MinutesSeconds splits RemainingSeconds into a countdown display pair.
func (s SessionState) MinutesSeconds() (int, int) {
	if s.RemainingSeconds <= 0 {
		return 0, 0
	}
	return s.RemainingSeconds / 60, s.RemainingSeconds % 60
}
