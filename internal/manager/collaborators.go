package manager

import (
	"context"

	"github.com/teemow/mailsession/internal/account"
)

// JobQueue is the background work queue serving one or more accounts.
type JobQueue interface {
	// Stop halts processing for the account.
	Stop(id account.ID)
	// Clear drops the account's queued jobs.
	Clear(id account.ID)
	// CancelAll aborts everything, across all accounts.
	CancelAll()
}

// EventStream manages the per-account event-stream cursors used for
// incremental sync.
type EventStream interface {
	ClearState(id account.ID) error
	ClearAll() error
}

// PushUnregistrar removes an account's push-notification registration.
type PushUnregistrar interface {
	Unregister(ctx context.Context, id account.ID) error
}

// Cache holds an account's fetched user data.
type Cache interface {
	Clear(id account.ID) error
	ClearAll() error
}

// Bootstrapper performs the initial data fetch after a successful login.
type Bootstrapper interface {
	FetchInitialData(ctx context.Context, id account.ID) error
}
