package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/teemow/mailsession/internal/account"
	"github.com/teemow/mailsession/internal/logging"
)

var (
	// ErrUnknownAccount is returned for operations on ids the registry has
	// never seen or has already removed.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrAlreadySignedIn is returned when signing in an id that is already
	// in the logged-in set.
	ErrAlreadySignedIn = errors.New("account already signed in")
)

// Registry is the ordered index of accounts known to the process.
type Registry struct {
	mu       sync.RWMutex
	accounts map[account.ID]*account.Account
	loggedIn []account.ID // login order preserved; first is primary
	saved    []account.ID // logged out but retained

	primaryWatchers []chan account.ID
	logger          *slog.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		accounts: make(map[account.ID]*account.Account),
		logger:   slog.Default(),
	}
}

// SetLogger sets a custom logger for the registry.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// SignIn adds the account to the logged-in set. If the id was saved, it is
// removed from the saved set first so the two sets stay disjoint.
func (r *Registry) SignIn(acct account.Account) error {
	r.mu.Lock()

	if containsID(r.loggedIn, acct.ID) {
		r.mu.Unlock()
		return ErrAlreadySignedIn
	}
	r.saved = removeID(r.saved, acct.ID)

	stored := acct
	r.accounts[acct.ID] = &stored
	r.loggedIn = append(r.loggedIn, acct.ID)
	primaryChanged := len(r.loggedIn) == 1
	primary := r.loggedIn[0]

	r.logger.Info("account signed in",
		logging.AccountID(acct.ID.String()),
		logging.UserHash(acct.Username))
	r.mu.Unlock()

	if primaryChanged {
		r.notifyPrimary(primary)
	}
	return nil
}

// SignOut moves the account from the logged-in set to the saved set.
// The account itself is retained so it can sign back in without re-entry of
// its identity.
func (r *Registry) SignOut(id account.ID) error {
	r.mu.Lock()

	if !containsID(r.loggedIn, id) {
		r.mu.Unlock()
		return ErrUnknownAccount
	}
	wasPrimary := len(r.loggedIn) > 0 && r.loggedIn[0] == id
	r.loggedIn = removeID(r.loggedIn, id)
	if !containsID(r.saved, id) {
		r.saved = append(r.saved, id)
	}

	var newPrimary account.ID
	notify := wasPrimary && len(r.loggedIn) > 0
	if notify {
		newPrimary = r.loggedIn[0]
	}

	r.logger.Info("account signed out", logging.AccountID(id.String()))
	r.mu.Unlock()

	if notify {
		r.notifyPrimary(newPrimary)
	}
	return nil
}

// Remove drops the account from both sets and forgets it entirely.
func (r *Registry) Remove(id account.ID) error {
	r.mu.Lock()

	if _, known := r.accounts[id]; !known {
		r.mu.Unlock()
		return ErrUnknownAccount
	}
	wasPrimary := len(r.loggedIn) > 0 && r.loggedIn[0] == id
	r.loggedIn = removeID(r.loggedIn, id)
	r.saved = removeID(r.saved, id)
	delete(r.accounts, id)

	var newPrimary account.ID
	notify := wasPrimary && len(r.loggedIn) > 0
	if notify {
		newPrimary = r.loggedIn[0]
	}

	r.logger.Info("account removed", logging.AccountID(id.String()))
	r.mu.Unlock()

	if notify {
		r.notifyPrimary(newPrimary)
	}
	return nil
}

// Switch makes the given logged-in account the primary by moving it to the
// front of the login order.
func (r *Registry) Switch(id account.ID) error {
	r.mu.Lock()

	if !containsID(r.loggedIn, id) {
		r.mu.Unlock()
		return ErrUnknownAccount
	}
	if r.loggedIn[0] == id {
		r.mu.Unlock()
		return nil
	}
	r.loggedIn = removeID(r.loggedIn, id)
	r.loggedIn = append([]account.ID{id}, r.loggedIn...)

	r.logger.Info("primary account switched", logging.AccountID(id.String()))
	r.mu.Unlock()

	r.notifyPrimary(id)
	return nil
}

// SetState updates the lifecycle and session state of a known account.
func (r *Registry) SetState(id account.ID, state account.State, session account.SessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acct, known := r.accounts[id]
	if !known {
		return ErrUnknownAccount
	}
	acct.State = state
	acct.Session = session
	return nil
}

// Get returns a copy of the account, if known.
func (r *Registry) Get(id account.ID) (account.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acct, known := r.accounts[id]
	if !known {
		return account.Account{}, false
	}
	return *acct, true
}

// Primary returns the id of the primary account: the first logged-in one.
func (r *Registry) Primary() (account.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.loggedIn) == 0 {
		return "", false
	}
	return r.loggedIn[0], true
}

// LoggedIn returns the logged-in account ids in login order.
func (r *Registry) LoggedIn() []account.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]account.ID(nil), r.loggedIn...)
}

// Saved returns the saved (logged-out-but-retained) account ids.
func (r *Registry) Saved() []account.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]account.ID(nil), r.saved...)
}

// Accounts returns copies of all known accounts, logged-in first in login
// order, then saved.
func (r *Registry) Accounts() []account.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]account.Account, 0, len(r.accounts))
	for _, id := range r.loggedIn {
		if acct, known := r.accounts[id]; known {
			out = append(out, *acct)
		}
	}
	for _, id := range r.saved {
		if acct, known := r.accounts[id]; known {
			out = append(out, *acct)
		}
	}
	return out
}

// Snapshot returns the current set sizes.
func (r *Registry) Snapshot() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"logged_in": len(r.loggedIn),
		"saved":     len(r.saved),
		"known":     len(r.accounts),
	}
}

// WatchPrimary returns a channel that receives the primary account id each
// time it changes, plus a cancel function that releases the watcher.
// Slow consumers drop intermediate updates; the channel never blocks writers.
func (r *Registry) WatchPrimary() (<-chan account.ID, func()) {
	ch := make(chan account.ID, 1)

	r.mu.Lock()
	r.primaryWatchers = append(r.primaryWatchers, ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, w := range r.primaryWatchers {
			if w == ch {
				r.primaryWatchers = append(r.primaryWatchers[:i], r.primaryWatchers[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

func (r *Registry) notifyPrimary(id account.ID) {
	r.mu.RLock()
	watchers := append([]chan account.ID(nil), r.primaryWatchers...)
	r.mu.RUnlock()

	for _, w := range watchers {
		select {
		case w <- id:
		default:
			// Drop the stale update and replace it with the latest.
			select {
			case <-w:
			default:
			}
			select {
			case w <- id:
			default:
			}
		}
	}
}

func containsID(ids []account.ID, id account.ID) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

func removeID(ids []account.ID, id account.ID) []account.ID {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
