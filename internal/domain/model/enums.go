package model

// Scope is the capability tag of a credential.
type Scope string

const (
	ScopeParent Scope = "parent" // Full access to the account that logged in.
	ScopeProxy  Scope = "proxy"  // Delegated access to a child account.
)

// Slot is the durable storage key of a credential.
type Slot string

const (
	SlotActive Slot = "auth/activeCredential"
	SlotParent Slot = "auth/parentCredential"
	SlotProxy  Slot = "auth/proxyCredential"
)

// SlotForScope returns the storage slot holding credentials of the given scope.
func SlotForScope(scope Scope) (Slot, bool) {
	switch scope {
	case ScopeParent:
		return SlotParent, true
	case ScopeProxy:
		return SlotProxy, true
	default:
		return "", false
	}
}

// Phase is the state of a delegated-access session.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseDelegated     Phase = "delegated"
	PhaseWarningShown  Phase = "warning_shown"
	PhaseTransitioning Phase = "transitioning"
	PhaseExpired       Phase = "expired"
)

// IsDelegated reports whether a proxy credential is (or was until expiry) in use.
func (p Phase) IsDelegated() bool {
	switch p {
	case PhaseDelegated, PhaseWarningShown, PhaseTransitioning, PhaseExpired:
		return true
	default:
		return false
	}
}

// SessionEvent is an input to the session state machine.
type SessionEvent string

const (
	EventBeginDelegation SessionEvent = "begin_delegation"
	EventContinueWorking SessionEvent = "continue_working"
	EventEndDelegation   SessionEvent = "end_delegation"
	EventIssued          SessionEvent = "issued"           // New proxy credential stored and active.
	EventBeginFailed     SessionEvent = "begin_failed"     // Issuance from Idle failed.
	EventRotationFailed  SessionEvent = "rotation_failed"  // Issuance while delegated failed, old credential still valid.
	EventEnded           SessionEvent = "ended"            // Reserve credential restored.
	EventWarn            SessionEvent = "warn"             // Remaining time crossed the warning threshold.
	EventExpired         SessionEvent = "expired"          // Proxy credential passed its expiry.
	EventForceLogout     SessionEvent = "force_logout"     // Local state cleared without the broker.
	EventRestored        SessionEvent = "restored"         // Delegated session reloaded from storage.
)
