package account

import "github.com/google/uuid"

// ID uniquely identifies an account within the process.
type ID string

// NewID mints a fresh account id. IDs are assigned once at sign-in and never
// reused, even if the same username signs in again later.
func NewID() ID {
	return ID(uuid.NewString())
}

// String returns the id as a plain string for logging and map keys.
func (id ID) String() string {
	return string(id)
}

// State describes where an account is in its lifecycle.
type State int

const (
	// StateProcessing means the account is mid-workflow: second factor,
	// two-pass login, or address setup is still pending.
	StateProcessing State = iota

	// StateReady means the account is fully set up and usable for requests.
	StateReady

	// StateDisabled means the account has been logged out or invalidated.
	// Its credentials are cleared and requests on its behalf are refused.
	StateDisabled

	// StateStepNeeded means the account requires an explicit user step
	// before it can become ready.
	StateStepNeeded
)

func (s State) String() string {
	switch s {
	case StateProcessing:
		return "processing"
	case StateReady:
		return "ready"
	case StateDisabled:
		return "disabled"
	case StateStepNeeded:
		return "step_needed"
	default:
		return "unknown"
	}
}

// SessionState describes the authentication state of an account's session.
type SessionState int

const (
	// SessionAuthenticated means the account holds valid credentials.
	SessionAuthenticated SessionState = iota

	// SessionSecondFactorNeeded means login succeeded but a second factor
	// is still outstanding.
	SessionSecondFactorNeeded

	// SessionForceLogout means the server invalidated the session; local
	// credentials must be locked immediately.
	SessionForceLogout

	// SessionLoggedOut means the account has no live session.
	SessionLoggedOut
)

func (s SessionState) String() string {
	switch s {
	case SessionAuthenticated:
		return "authenticated"
	case SessionSecondFactorNeeded:
		return "second_factor_needed"
	case SessionForceLogout:
		return "force_logout"
	case SessionLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Account is one user identity known to the process.
// Created on successful login, mutated only by the account state manager in
// response to session events, and removed on explicit account removal.
type Account struct {
	ID       ID
	Username string
	State    State
	Session  SessionState
}
