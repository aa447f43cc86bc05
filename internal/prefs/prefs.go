// Package prefs implements the per-account key-value preference store used by
// the session subsystem: idempotence flags, push-token state, and other small
// durable markers.
//
// Preferences are persisted as one JSON file per account under the store's
// directory, mirroring how the application keeps other per-account state on
// disk. A store created with an empty directory is memory-only, which the
// tests use.
package prefs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/teemow/mailsession/internal/account"
	"github.com/teemow/mailsession/internal/logging"
)

// Store is a per-account key-value preference store.
type Store struct {
	mu     sync.Mutex
	dir    string // empty means memory-only
	cache  map[account.ID]map[string]string
	logger *slog.Logger
}

// NewStore creates a preference store rooted at dir. If dir is empty the
// store is memory-only and nothing is persisted.
func NewStore(dir string) *Store {
	return &Store{
		dir:    dir,
		cache:  make(map[account.ID]map[string]string),
		logger: slog.Default(),
	}
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Get returns the value for key in the account's preferences.
func (s *Store) Get(id account.ID, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefs, err := s.load(id)
	if err != nil {
		s.logger.Warn("failed to load preferences",
			logging.AccountID(id.String()), logging.Err(err))
		return "", false
	}
	value, ok := prefs[key]
	return value, ok
}

// Put stores the value for key in the account's preferences.
func (s *Store) Put(id account.ID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefs, err := s.load(id)
	if err != nil {
		return err
	}
	prefs[key] = value
	return s.persist(id, prefs)
}

// ClearAllExcept removes every preference of the account except the given
// keys. By default nothing is retained; callers opt keys into retention
// explicitly.
func (s *Store) ClearAllExcept(id account.ID, keep ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefs, err := s.load(id)
	if err != nil {
		return err
	}

	kept := make(map[string]string, len(keep))
	for _, key := range keep {
		if value, ok := prefs[key]; ok {
			kept[key] = value
		}
	}
	s.cache[id] = kept
	return s.persist(id, kept)
}

// Delete removes the account's preference file entirely.
func (s *Store) Delete(id account.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, id)
	if s.dir == "" {
		return nil
	}
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete preferences for %s: %w", id, err)
	}
	return nil
}

// DeleteAll removes every account's preferences. Used by the global cleanup
// when no accounts remain.
func (s *Store) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[account.ID]map[string]string)
	if s.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list preference files: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to delete preference file %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// load returns the account's live preference map, reading it from disk on
// first access. Caller must hold s.mu.
func (s *Store) load(id account.ID) (map[string]string, error) {
	if prefs, ok := s.cache[id]; ok {
		return prefs, nil
	}

	prefs := make(map[string]string)
	if s.dir != "" {
		data, err := os.ReadFile(s.path(id))
		switch {
		case os.IsNotExist(err):
			// First access for this account.
		case err != nil:
			return nil, fmt.Errorf("failed to read preferences for %s: %w", id, err)
		default:
			if err := json.Unmarshal(data, &prefs); err != nil {
				return nil, fmt.Errorf("failed to parse preferences for %s: %w", id, err)
			}
		}
	}
	s.cache[id] = prefs
	return prefs, nil
}

// persist writes the account's preference map to disk. Caller must hold s.mu.
func (s *Store) persist(id account.ID, prefs map[string]string) error {
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create preference directory: %w", err)
	}
	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to encode preferences for %s: %w", id, err)
	}
	if err := os.WriteFile(s.path(id), data, 0600); err != nil {
		return fmt.Errorf("failed to write preferences for %s: %w", id, err)
	}
	return nil
}

func (s *Store) path(id account.ID) string {
	return filepath.Join(s.dir, id.String()+".json")
}
