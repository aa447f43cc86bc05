package credentials

import (
	"log/slog"
	"sync"

	"golang.org/x/oauth2"

	"github.com/teemow/mailsession/internal/account"
	"github.com/teemow/mailsession/internal/logging"
)

// Set is the credential material for one account: the API uid plus the
// access/refresh token pair and granted scope.
//
// A Set is immutable once stored. Refreshing credentials produces a new Set
// that replaces the old one atomically; the old value is discarded.
type Set struct {
	UID   string
	Token oauth2.Token
	Scope string
}

// AccessToken returns the current access token, or "" if the set is nil.
func (s *Set) AccessToken() string {
	if s == nil {
		return ""
	}
	return s.Token.AccessToken
}

// RefreshToken returns the current refresh token, or "" if the set is nil.
func (s *Set) RefreshToken() string {
	if s == nil {
		return ""
	}
	return s.Token.RefreshToken
}

// Store manages credential sets in memory, keyed by account id.
// There is exactly one live Set per known account id.
type Store struct {
	mu         sync.RWMutex
	sets       map[account.ID]*Set
	refreshing map[account.ID]struct{} // in-flight refresh markers
	locked     map[account.ID]struct{} // accounts refused until re-auth
	logger     *slog.Logger
}

// NewStore creates an empty credential store.
func NewStore() *Store {
	return &Store{
		sets:       make(map[account.ID]*Set),
		refreshing: make(map[account.ID]struct{}),
		locked:     make(map[account.ID]struct{}),
		logger:     slog.Default(),
	}
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Get returns the live credential set for the account, if any.
// Locked accounts report no credentials so that request stamping refuses them
// until re-authentication replaces the set.
func (s *Store) Get(id account.ID) (*Set, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, isLocked := s.locked[id]; isLocked {
		return nil, false
	}
	set, ok := s.sets[id]
	if !ok || set == nil {
		return nil, false
	}
	return set, true
}

// Replace atomically swaps in a new credential set for the account.
// It also invalidates any in-flight refresh marker and unlocks the account:
// fresh credentials mean re-authentication has happened.
func (s *Store) Replace(id account.ID, set *Set) {
	if set == nil {
		s.Clear(id)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sets[id] = set
	delete(s.refreshing, id)
	delete(s.locked, id)
	s.logger.Debug("replaced credential set",
		logging.AccountID(id.String()),
		slog.String("access_token", logging.SanitizeToken(set.Token.AccessToken)))
}

// Clear removes the account's credential set and any refresh marker.
func (s *Store) Clear(id account.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sets, id)
	delete(s.refreshing, id)
	delete(s.locked, id)
	s.logger.Debug("cleared credential set", logging.AccountID(id.String()))
}

// Lock marks the account's credentials as unusable without removing them.
// Subsequent Get calls report no credentials until Replace installs a new set.
// Used on forced-logout signals so in-flight requests stop authenticating
// immediately.
func (s *Store) Lock(id account.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.locked[id] = struct{}{}
	s.logger.Info("locked credentials", logging.AccountID(id.String()))
}

// Locked reports whether the account's credentials are currently locked.
func (s *Store) Locked(id account.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.locked[id]
	return ok
}

// BeginRefresh marks the account as having an in-flight refresh.
// Returns false if a refresh is already marked in flight.
func (s *Store) BeginRefresh(id account.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, inFlight := s.refreshing[id]; inFlight {
		return false
	}
	s.refreshing[id] = struct{}{}
	return true
}

// EndRefresh clears the in-flight refresh marker without touching credentials.
// Replace and Clear also drop the marker.
func (s *Store) EndRefresh(id account.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refreshing, id)
}

// Refreshing reports whether a refresh is marked in flight for the account.
func (s *Store) Refreshing(id account.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.refreshing[id]
	return ok
}

// Stats returns statistics about the store.
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]int{
		"credential_sets":     len(s.sets),
		"in_flight_refreshes": len(s.refreshing),
		"locked_accounts":     len(s.locked),
	}
}
