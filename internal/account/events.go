package account

// EventKind classifies account events consumed by the state manager.
type EventKind int

const (
	// EventStateChanged signals a lifecycle state transition.
	EventStateChanged EventKind = iota

	// EventSessionChanged signals a session state transition, e.g. a
	// forced logout reported by the server.
	EventSessionChanged

	// EventRemoved signals that the account was removed entirely.
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventSessionChanged:
		return "session_changed"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is a snapshot of an account transition. Events are values; consumers
// never share mutable state with the producer.
//
// Events for the same account may re-fire (the producer does not deduplicate),
// so all handlers must be idempotent.
type Event struct {
	AccountID ID
	Kind      EventKind
	State     State
	Session   SessionState
}
