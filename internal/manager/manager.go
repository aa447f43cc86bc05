package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teemow/mailsession/internal/account"
	"github.com/teemow/mailsession/internal/api"
	"github.com/teemow/mailsession/internal/credentials"
	"github.com/teemow/mailsession/internal/instrumentation"
	"github.com/teemow/mailsession/internal/logging"
	"github.com/teemow/mailsession/internal/prefs"
	"github.com/teemow/mailsession/internal/registry"
)

// Summary collapses all accounts' states into one process-wide answer.
type Summary int

const (
	// SummaryProcessing means at least one account is mid-workflow and
	// none is ready yet.
	SummaryProcessing Summary = iota
	// SummaryAccountNeeded means no usable account exists.
	SummaryAccountNeeded
	// SummaryPrimaryExists means at least one account is ready.
	SummaryPrimaryExists
)

func (s Summary) String() string {
	switch s {
	case SummaryProcessing:
		return "processing"
	case SummaryAccountNeeded:
		return "account_needed"
	case SummaryPrimaryExists:
		return "primary_exists"
	default:
		return "unknown"
	}
}

// Persisted per-account flags guarding the idempotent side-effect handlers.
const (
	prefInitialized   = "session.initialized"
	prefCleared       = "session.cleared"
	prefPushTokenSent = "push.token_sent"
)

// Config wires the manager's collaborators and policy.
type Config struct {
	Jobs      JobQueue
	Events    EventStream
	Push      PushUnregistrar
	Cache     Cache
	Bootstrap Bootstrapper

	// RetainedPrefKeys survive the logout scrub. Empty by default: the
	// scrub retains nothing unless a key is explicitly listed.
	RetainedPrefKeys []string
}

// Manager is the top-level state machine over the account set. All account
// and session mutations flow through it; side effects run on a single
// long-lived consumer loop so a cascade always completes before the next
// event is handled.
type Manager struct {
	registry *registry.Registry
	creds    *credentials.Store
	prefs    *prefs.Store
	fallback *api.ProxyFallback
	config   Config

	eventCh chan account.Event
	done    chan struct{}
	stopped chan struct{}

	mu              sync.Mutex
	summary         Summary
	summaryWatchers []chan Summary
	subscribers     map[account.ID][]chan account.Event

	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// New creates a manager. Call Start before emitting any lifecycle change.
func New(reg *registry.Registry, creds *credentials.Store, prefStore *prefs.Store, fallback *api.ProxyFallback, config Config) *Manager {
	return &Manager{
		registry:    reg,
		creds:       creds,
		prefs:       prefStore,
		fallback:    fallback,
		config:      config,
		eventCh:     make(chan account.Event, 64),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		summary:     SummaryAccountNeeded,
		subscribers: make(map[account.ID][]chan account.Event),
		logger:      slog.Default(),
	}
}

// SetLogger sets a custom logger.
func (m *Manager) SetLogger(logger *slog.Logger) {
	m.logger = logger
}

// SetMetrics sets the metrics recorder.
func (m *Manager) SetMetrics(metrics *instrumentation.Metrics) {
	m.metrics = metrics
}

// Start launches the event loop.
func (m *Manager) Start() {
	go m.loop()
}

// Stop shuts the loop down after the current handler finishes. Queued
// events are drained first: a logout cascade in progress runs to
// completion.
func (m *Manager) Stop() {
	close(m.done)
	<-m.stopped
}

func (m *Manager) loop() {
	defer close(m.stopped)
	for {
		select {
		case ev := <-m.eventCh:
			m.handle(ev)
		case <-m.done:
			for {
				select {
				case ev := <-m.eventCh:
					m.handle(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) emit(ev account.Event) {
	select {
	case m.eventCh <- ev:
	case <-m.done:
		m.logger.Warn("dropping account event after shutdown",
			logging.AccountID(ev.AccountID.String()))
	}
}

// SignIn registers a fresh login. The account starts in Processing; call
// Activate once any remaining login steps are done.
func (m *Manager) SignIn(ctx context.Context, username string, set *credentials.Set) (account.Account, error) {
	acct := account.Account{
		ID:       account.NewID(),
		Username: username,
		State:    account.StateProcessing,
		Session:  account.SessionAuthenticated,
	}
	if err := m.registry.SignIn(acct); err != nil {
		return account.Account{}, fmt.Errorf("registering account: %w", err)
	}
	m.creds.Replace(acct.ID, set)
	m.metrics.IncrementActiveAccounts(ctx)
	m.logger.Info("account signed in",
		logging.AccountID(acct.ID.String()),
		logging.UserHash(username))

	m.emit(account.Event{AccountID: acct.ID, Kind: account.EventStateChanged, State: acct.State, Session: acct.Session})
	return acct, nil
}

// Activate marks an account's login workflow complete.
func (m *Manager) Activate(id account.ID) error {
	if err := m.registry.SetState(id, account.StateReady, account.SessionAuthenticated); err != nil {
		return err
	}
	m.emit(account.Event{AccountID: id, Kind: account.EventStateChanged, State: account.StateReady, Session: account.SessionAuthenticated})
	return nil
}

// RequireSecondFactor parks an account until its second factor arrives.
func (m *Manager) RequireSecondFactor(id account.ID) error {
	if err := m.registry.SetState(id, account.StateStepNeeded, account.SessionSecondFactorNeeded); err != nil {
		return err
	}
	m.emit(account.Event{AccountID: id, Kind: account.EventStateChanged, State: account.StateStepNeeded, Session: account.SessionSecondFactorNeeded})
	return nil
}

// SignOut logs the account out but keeps it saved for quick re-login.
func (m *Manager) SignOut(ctx context.Context, id account.ID) error {
	if err := m.registry.SignOut(id); err != nil {
		return err
	}
	m.creds.Clear(id)
	m.metrics.DecrementActiveAccounts(ctx)
	m.registry.SetState(id, account.StateDisabled, account.SessionLoggedOut)
	m.logger.Info("account signed out", logging.AccountID(id.String()))

	m.emit(account.Event{AccountID: id, Kind: account.EventStateChanged, State: account.StateDisabled, Session: account.SessionLoggedOut})
	return nil
}

// Switch promotes the account to primary.
func (m *Manager) Switch(id account.ID) error {
	return m.registry.Switch(id)
}

// Remove deletes the account entirely, saved state included.
func (m *Manager) Remove(ctx context.Context, id account.ID) error {
	wasLoggedIn := false
	if acct, ok := m.registry.Get(id); ok {
		wasLoggedIn = acct.State != account.StateDisabled
	}
	if err := m.registry.Remove(id); err != nil {
		return err
	}
	if wasLoggedIn {
		m.metrics.DecrementActiveAccounts(ctx)
	}
	m.logger.Info("account removed", logging.AccountID(id.String()))

	m.emit(account.Event{AccountID: id, Kind: account.EventRemoved, State: account.StateDisabled, Session: account.SessionLoggedOut})
	return nil
}

// ForceLogout reacts to a session-invalid signal. Credentials are locked
// immediately so in-flight requests are refused; the cleanup cascade runs
// asynchronously on the event loop.
func (m *Manager) ForceLogout(id account.ID) {
	m.creds.Lock(id)
	if err := m.registry.SignOut(id); err != nil {
		m.logger.Warn("forced logout for unknown account",
			logging.AccountID(id.String()), logging.Err(err))
		return
	}
	m.metrics.DecrementActiveAccounts(context.Background())
	m.registry.SetState(id, account.StateDisabled, account.SessionForceLogout)
	m.logger.Warn("session invalid, account logged out", logging.AccountID(id.String()))

	m.emit(account.Event{AccountID: id, Kind: account.EventSessionChanged, State: account.StateDisabled, Session: account.SessionForceLogout})
}

// Summary returns the current process-wide account summary.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary
}

// WatchSummary returns a channel receiving summary changes. Stale values
// are dropped, the latest wins.
func (m *Manager) WatchSummary() (<-chan Summary, func()) {
	ch := make(chan Summary, 1)

	m.mu.Lock()
	m.summaryWatchers = append(m.summaryWatchers, ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, w := range m.summaryWatchers {
			if w == ch {
				m.summaryWatchers = append(m.summaryWatchers[:i], m.summaryWatchers[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

// Subscribe returns a channel receiving the given account's events. Slow
// consumers lose stale events, never block the loop.
func (m *Manager) Subscribe(id account.ID) (<-chan account.Event, func()) {
	ch := make(chan account.Event, 1)

	m.mu.Lock()
	m.subscribers[id] = append(m.subscribers[id], ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[id]
		for i, s := range subs {
			if s == ch {
				m.subscribers[id] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

func (m *Manager) handle(ev account.Event) {
	m.notifySubscribers(ev)

	switch {
	case ev.Kind == account.EventRemoved:
		m.cascade(ev.AccountID)
		m.purge(ev.AccountID)
	case ev.State == account.StateReady:
		m.initialize(ev.AccountID)
	case ev.State == account.StateDisabled:
		m.cascade(ev.AccountID)
	}

	m.updateSummary()
}

func (m *Manager) notifySubscribers(ev account.Event) {
	m.mu.Lock()
	subs := make([]chan account.Event, len(m.subscribers[ev.AccountID]))
	copy(subs, m.subscribers[ev.AccountID])
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// initialize runs the first-Ready side effects: initial data fetch and a
// reset push-token flag so registration is retried. Guarded by a persisted
// flag because state events can re-fire.
func (m *Manager) initialize(id account.ID) {
	if v, ok := m.prefs.Get(id, prefInitialized); ok && v == "true" {
		return
	}
	logger := logging.WithAccount(m.logger, id.String())

	if m.config.Bootstrap != nil {
		if err := m.config.Bootstrap.FetchInitialData(context.Background(), id); err != nil {
			logger.Warn("initial data fetch failed", logging.Err(err))
		}
	}
	if err := m.prefs.Put(id, prefPushTokenSent, "false"); err != nil {
		logger.Warn("storing push token flag failed", logging.Err(err))
	}
	if err := m.prefs.Put(id, prefCleared, "false"); err != nil {
		logger.Warn("resetting cleared flag failed", logging.Err(err))
	}
	if err := m.prefs.Put(id, prefInitialized, "true"); err != nil {
		logger.Warn("storing initialized flag failed", logging.Err(err))
	}

	m.metrics.RecordAccountTransition(context.Background(), account.StateReady.String())
	logger.Info("account initialized")
}

// cascade runs the logout side effects in order: job queue, push token,
// cached data, event-stream cursor, preference scrub. Every step is best
// effort; a failure is logged and the remaining steps still run, since the
// whole cascade is safe to re-attempt.
func (m *Manager) cascade(id account.ID) {
	if v, ok := m.prefs.Get(id, prefCleared); ok && v == "true" {
		return
	}
	logger := logging.WithAccount(m.logger, id.String())
	status := instrumentation.StatusSuccess

	// Drop the credential set. SignOut already cleared it; a forced logout
	// only locked it, and a locked set must not outlive the session.
	m.creds.Clear(id)

	if m.config.Jobs != nil {
		m.config.Jobs.Stop(id)
		m.config.Jobs.Clear(id)
	}
	if m.config.Push != nil {
		if err := m.config.Push.Unregister(context.Background(), id); err != nil {
			logger.Warn("push unregister failed", logging.Err(err))
			status = instrumentation.StatusError
		}
	}
	if m.config.Cache != nil {
		if err := m.config.Cache.Clear(id); err != nil {
			logger.Warn("cache clear failed", logging.Err(err))
			status = instrumentation.StatusError
		}
	}
	if m.config.Events != nil {
		if err := m.config.Events.ClearState(id); err != nil {
			logger.Warn("event stream clear failed", logging.Err(err))
			status = instrumentation.StatusError
		}
	}
	if err := m.prefs.ClearAllExcept(id, m.config.RetainedPrefKeys...); err != nil {
		logger.Warn("preference scrub failed", logging.Err(err))
		status = instrumentation.StatusError
	}
	if err := m.prefs.Put(id, prefCleared, "true"); err != nil {
		logger.Warn("storing cleared flag failed", logging.Err(err))
	}

	m.metrics.RecordLogoutCascade(context.Background(), status)
	logger.Info("logout cascade finished", logging.Status(status))
}

// purge drops everything that still references a removed account.
func (m *Manager) purge(id account.ID) {
	m.creds.Clear(id)
	m.fallback.Remove(id)
	if err := m.prefs.Delete(id); err != nil {
		m.logger.Warn("deleting preferences failed",
			logging.AccountID(id.String()), logging.Err(err))
	}
}

// computeSummary derives the process-wide summary from the registry.
func (m *Manager) computeSummary() Summary {
	summary := SummaryAccountNeeded
	for _, acct := range m.registry.Accounts() {
		switch acct.State {
		case account.StateReady:
			return SummaryPrimaryExists
		case account.StateProcessing, account.StateStepNeeded:
			summary = SummaryProcessing
		}
	}
	return summary
}

func (m *Manager) updateSummary() {
	next := m.computeSummary()

	m.mu.Lock()
	changed := next != m.summary
	m.summary = next
	watchers := make([]chan Summary, len(m.summaryWatchers))
	copy(watchers, m.summaryWatchers)
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info("account summary changed", logging.Status(next.String()))

	if next == SummaryAccountNeeded {
		m.globalCleanup()
	}
	for _, ch := range watchers {
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
}

// globalCleanup runs when no usable account remains: all cursors, jobs,
// and preference stores go.
func (m *Manager) globalCleanup() {
	if m.config.Jobs != nil {
		m.config.Jobs.CancelAll()
	}
	if m.config.Events != nil {
		if err := m.config.Events.ClearAll(); err != nil {
			m.logger.Warn("global event stream clear failed", logging.Err(err))
		}
	}
	if m.config.Cache != nil {
		if err := m.config.Cache.ClearAll(); err != nil {
			m.logger.Warn("global cache clear failed", logging.Err(err))
		}
	}
	if err := m.prefs.DeleteAll(); err != nil {
		m.logger.Warn("deleting preference stores failed", logging.Err(err))
	}
	m.logger.Info("global cleanup finished")
}
