package model

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrentTransition is returned when a session transition is
	// requested while another one is still in flight. It is never shown to
	// the user and never recorded as the session's last error.
	ErrConcurrentTransition = errors.New("session transition already in progress")

	// ErrInvalidTransition is returned when the requested operation is not
	// allowed in the current phase.
	ErrInvalidTransition = errors.New("operation not allowed in current session phase")

	// ErrNotDelegated is returned by operations that need a delegated session.
	ErrNotDelegated = errors.New("no delegated session is active")

	// ErrNoParentCredential is returned when no parent credential is stored.
	ErrNoParentCredential = errors.New("no parent credential available")

	// ErrParentSessionExpired is returned when the parent credential held in
	// reserve has expired. The user has to log in again.
	ErrParentSessionExpired = errors.New("parent session has expired, log in again")

	// ErrClockSkew marks a remaining-time computation that cannot be right
	// (too far in the future for a proxy credential). The credential is
	// treated as already expired.
	ErrClockSkew = errors.New("credential expiry is inconsistent with the local clock")

	// ErrTransitionAborted is returned when a forced logout reset the
	// session while a transition was waiting on the remote API.
	ErrTransitionAborted = errors.New("session was reset while the transition was in flight")
)

// IssuanceError reports that the remote API refused or failed to grant a
// proxy credential. Reason is safe to display.
type IssuanceError struct {
	Reason string
	Err    error
}

func (e *IssuanceError) Error() string {
	return fmt.Sprintf("unable to continue session: %s", e.Reason)
}

func (e *IssuanceError) Unwrap() error {
	return e.Err
}

// RevocationError reports that a credential could not be revoked remotely.
// It is never fatal to a session transition. Reason is safe to display.
type RevocationError struct {
	CredentialID string
	Reason       string
	Err          error
}

func (e *RevocationError) Error() string {
	return fmt.Sprintf("unable to revoke credential %s: %s", e.CredentialID, e.Reason)
}

func (e *RevocationError) Unwrap() error {
	return e.Err
}
