package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/oauth2"

	"github.com/teemow/mailsession/internal/account"
	"github.com/teemow/mailsession/internal/api"
	"github.com/teemow/mailsession/internal/credentials"
	"github.com/teemow/mailsession/internal/instrumentation"
	"github.com/teemow/mailsession/internal/prefs"
	"github.com/teemow/mailsession/internal/registry"
)

// recorder captures collaborator calls in order.
type recorder struct {
	mu    sync.Mutex
	calls []string

	pushErr  error
	cacheErr error
}

func (r *recorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recorder) count(call string) int {
	n := 0
	for _, c := range r.recorded() {
		if c == call {
			n++
		}
	}
	return n
}

func (r *recorder) Stop(account.ID)  { r.record("jobs.stop") }
func (r *recorder) Clear(account.ID) { r.record("jobs.clear") }
func (r *recorder) CancelAll()       { r.record("jobs.cancelAll") }

func (r *recorder) ClearState(account.ID) error { r.record("events.clearState"); return nil }
func (r *recorder) ClearAll() error             { r.record("events.clearAll"); return nil }

func (r *recorder) Unregister(context.Context, account.ID) error {
	r.record("push.unregister")
	return r.pushErr
}

type fakeCache struct{ r *recorder }

func (c *fakeCache) Clear(account.ID) error { c.r.record("cache.clear"); return c.r.cacheErr }
func (c *fakeCache) ClearAll() error        { c.r.record("cache.clearAll"); return nil }

type fakeBootstrapper struct{ r *recorder }

func (b *fakeBootstrapper) FetchInitialData(context.Context, account.ID) error {
	b.r.record("bootstrap.fetch")
	return nil
}

type fixture struct {
	manager  *Manager
	registry *registry.Registry
	creds    *credentials.Store
	prefs    *prefs.Store
	recorder *recorder
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()

	rec := &recorder{}
	if config.Jobs == nil {
		config.Jobs = rec
	}
	if config.Events == nil {
		config.Events = rec
	}
	if config.Push == nil {
		config.Push = rec
	}
	if config.Cache == nil {
		config.Cache = &fakeCache{r: rec}
	}
	if config.Bootstrap == nil {
		config.Bootstrap = &fakeBootstrapper{r: rec}
	}

	reg := registry.New()
	creds := credentials.NewStore()
	prefStore := prefs.NewStore("")
	mgr := New(reg, creds, prefStore, api.NewProxyFallback(), config)
	mgr.Start()
	t.Cleanup(mgr.Stop)

	return &fixture{manager: mgr, registry: reg, creds: creds, prefs: prefStore, recorder: rec}
}

func (fx *fixture) signIn(t *testing.T, username string) account.ID {
	t.Helper()
	acct, err := fx.manager.SignIn(context.Background(), username, &credentials.Set{
		UID:   "uid-" + username,
		Token: oauth2.Token{AccessToken: "access", RefreshToken: "refresh"},
	})
	require.NoError(t, err)
	return acct.ID
}

func (fx *fixture) waitPref(t *testing.T, id account.ID, key, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, ok := fx.prefs.Get(id, key)
		return ok && v == want
	}, time.Second, 5*time.Millisecond)
}

func TestSignInAndActivate(t *testing.T) {
	fx := newFixture(t, Config{})
	id := fx.signIn(t, "alice")

	require.Eventually(t, func() bool {
		return fx.manager.Summary() == SummaryProcessing
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, fx.manager.Activate(id))
	fx.waitPref(t, id, "session.initialized", "true")

	require.Eventually(t, func() bool {
		return fx.manager.Summary() == SummaryPrimaryExists
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, fx.recorder.count("bootstrap.fetch"))

	sent, ok := fx.prefs.Get(id, "push.token_sent")
	require.True(t, ok)
	assert.Equal(t, "false", sent, "push registration must be retried after login")
}

func TestInitializationIsIdempotent(t *testing.T) {
	fx := newFixture(t, Config{})
	id := fx.signIn(t, "alice")

	require.NoError(t, fx.manager.Activate(id))
	fx.waitPref(t, id, "session.initialized", "true")

	// Ready events can re-fire; the handler must not run twice.
	require.NoError(t, fx.manager.Activate(id))
	require.Eventually(t, func() bool {
		return fx.manager.Summary() == SummaryPrimaryExists
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, fx.recorder.count("bootstrap.fetch"))
}

func TestSignOutRunsCascade(t *testing.T) {
	fx := newFixture(t, Config{})
	id := fx.signIn(t, "alice")
	require.NoError(t, fx.manager.Activate(id))
	fx.waitPref(t, id, "session.initialized", "true")
	require.NoError(t, fx.prefs.Put(id, "draft.signature", "bye"))

	require.NoError(t, fx.manager.SignOut(context.Background(), id))
	fx.waitPref(t, id, "session.cleared", "true")

	calls := fx.recorder.recorded()
	assert.Subset(t, calls, []string{"jobs.stop", "jobs.clear", "push.unregister", "cache.clear", "events.clearState"})

	_, ok := fx.prefs.Get(id, "draft.signature")
	assert.False(t, ok, "the scrub retains nothing by default")
	_, ok = fx.creds.Get(id)
	assert.False(t, ok)

	// The account stays saved for quick re-login.
	assert.Contains(t, fx.registry.Saved(), id)
	assert.NotContains(t, fx.registry.LoggedIn(), id)
}

func TestCascadeIsIdempotent(t *testing.T) {
	fx := newFixture(t, Config{})
	id := fx.signIn(t, "alice")
	require.NoError(t, fx.manager.Activate(id))
	fx.waitPref(t, id, "session.initialized", "true")

	require.NoError(t, fx.manager.SignOut(context.Background(), id))
	fx.waitPref(t, id, "session.cleared", "true")
	before := fx.recorder.count("push.unregister")

	// Re-fire the disabled event directly.
	fx.manager.emit(account.Event{AccountID: id, Kind: account.EventStateChanged, State: account.StateDisabled, Session: account.SessionLoggedOut})
	require.Eventually(t, func() bool {
		return fx.manager.Summary() == SummaryAccountNeeded
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, before, fx.recorder.count("push.unregister"))
}

func TestCascadeSurvivesCollaboratorFailure(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.recorder.pushErr = errors.New("gateway unreachable")
	fx.recorder.cacheErr = errors.New("disk full")

	id := fx.signIn(t, "alice")
	require.NoError(t, fx.manager.Activate(id))
	fx.waitPref(t, id, "session.initialized", "true")

	require.NoError(t, fx.manager.SignOut(context.Background(), id))
	fx.waitPref(t, id, "session.cleared", "true")

	assert.Equal(t, 1, fx.recorder.count("events.clearState"), "later steps still run after a failure")
}

func TestRetainedPrefKeysSurviveScrub(t *testing.T) {
	fx := newFixture(t, Config{RetainedPrefKeys: []string{"pin.state"}})
	id := fx.signIn(t, "alice")
	require.NoError(t, fx.manager.Activate(id))
	fx.waitPref(t, id, "session.initialized", "true")
	require.NoError(t, fx.prefs.Put(id, "pin.state", "set"))
	require.NoError(t, fx.prefs.Put(id, "draft.signature", "bye"))

	require.NoError(t, fx.manager.SignOut(context.Background(), id))
	fx.waitPref(t, id, "session.cleared", "true")

	v, ok := fx.prefs.Get(id, "pin.state")
	require.True(t, ok)
	assert.Equal(t, "set", v)
	_, ok = fx.prefs.Get(id, "draft.signature")
	assert.False(t, ok)
}

func TestForceLogoutLocksCredentialsImmediately(t *testing.T) {
	fx := newFixture(t, Config{})
	id := fx.signIn(t, "alice")
	require.NoError(t, fx.manager.Activate(id))
	fx.waitPref(t, id, "session.initialized", "true")

	fx.manager.ForceLogout(id)

	_, ok := fx.creds.Get(id)
	assert.False(t, ok, "credentials must be refused before the cascade runs")

	fx.waitPref(t, id, "session.cleared", "true")
	acct, found := fx.registry.Get(id)
	require.True(t, found)
	assert.Equal(t, account.StateDisabled, acct.State)
	assert.Equal(t, account.SessionForceLogout, acct.Session)
	assert.Contains(t, fx.registry.Saved(), id)

	// The cascade drops the credential set outright. The lock refuses reads
	// but the rejected token itself must not stick around.
	require.Eventually(t, func() bool {
		return fx.creds.Stats()["credential_sets"] == 0
	}, time.Second, 5*time.Millisecond)
}

func TestForceLogoutReleasesActiveAccountSlot(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	metrics, err := instrumentation.NewMetrics(meter, false)
	require.NoError(t, err)

	rec := &recorder{}
	mgr := New(registry.New(), credentials.NewStore(), prefs.NewStore(""), api.NewProxyFallback(), Config{
		Jobs:      rec,
		Events:    rec,
		Push:      rec,
		Cache:     &fakeCache{r: rec},
		Bootstrap: &fakeBootstrapper{r: rec},
	})
	mgr.SetMetrics(metrics)
	mgr.Start()
	t.Cleanup(mgr.Stop)

	acct, err := mgr.SignIn(context.Background(), "alice", &credentials.Set{
		UID:   "uid-alice",
		Token: oauth2.Token{AccessToken: "access", RefreshToken: "refresh"},
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Activate(acct.ID))
	assert.Equal(t, int64(1), activeAccountCount(t, reader))

	mgr.ForceLogout(acct.ID)

	// The gauge releases the slot just like a voluntary sign-out does.
	assert.Equal(t, int64(0), activeAccountCount(t, reader))
}

func activeAccountCount(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "active_accounts" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "active_accounts must be an int64 sum")
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatal("active_accounts was never recorded")
	return 0
}

func TestRemovePurgesAccount(t *testing.T) {
	fx := newFixture(t, Config{})
	id := fx.signIn(t, "alice")
	require.NoError(t, fx.manager.Activate(id))
	fx.waitPref(t, id, "session.initialized", "true")

	require.NoError(t, fx.manager.Remove(context.Background(), id))
	require.Eventually(t, func() bool {
		return fx.manager.Summary() == SummaryAccountNeeded
	}, time.Second, 5*time.Millisecond)

	_, ok := fx.registry.Get(id)
	assert.False(t, ok)
	_, ok = fx.creds.Get(id)
	assert.False(t, ok)
	_, ok = fx.prefs.Get(id, "session.initialized")
	assert.False(t, ok)
}

func TestLastAccountGoneTriggersGlobalCleanup(t *testing.T) {
	fx := newFixture(t, Config{})
	id := fx.signIn(t, "alice")
	require.NoError(t, fx.manager.Activate(id))
	fx.waitPref(t, id, "session.initialized", "true")

	require.NoError(t, fx.manager.SignOut(context.Background(), id))
	require.Eventually(t, func() bool {
		return fx.recorder.count("jobs.cancelAll") == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, fx.recorder.count("events.clearAll"))
	assert.Equal(t, 1, fx.recorder.count("cache.clearAll"))
	assert.Equal(t, SummaryAccountNeeded, fx.manager.Summary())
}

func TestSecondAccountKeepsPrimary(t *testing.T) {
	fx := newFixture(t, Config{})
	first := fx.signIn(t, "alice")
	require.NoError(t, fx.manager.Activate(first))
	fx.waitPref(t, first, "session.initialized", "true")

	second := fx.signIn(t, "bob")
	require.NoError(t, fx.manager.Activate(second))
	fx.waitPref(t, second, "session.initialized", "true")

	require.NoError(t, fx.manager.SignOut(context.Background(), second))
	fx.waitPref(t, second, "session.cleared", "true")

	require.Eventually(t, func() bool {
		return fx.manager.Summary() == SummaryPrimaryExists
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, fx.recorder.count("jobs.cancelAll"), "cleanup is global only when no account remains")

	primary, ok := fx.registry.Primary()
	require.True(t, ok)
	assert.Equal(t, first, primary)
}

func TestWatchSummary(t *testing.T) {
	fx := newFixture(t, Config{})
	ch, cancel := fx.manager.WatchSummary()
	defer cancel()

	id := fx.signIn(t, "alice")
	require.NoError(t, fx.manager.Activate(id))

	require.Eventually(t, func() bool {
		select {
		case s := <-ch:
			return s == SummaryProcessing || s == SummaryPrimaryExists
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeReceivesAccountEvents(t *testing.T) {
	fx := newFixture(t, Config{})
	id := fx.signIn(t, "alice")
	require.Eventually(t, func() bool {
		return fx.manager.Summary() == SummaryProcessing
	}, time.Second, 5*time.Millisecond)

	ch, cancel := fx.manager.Subscribe(id)
	defer cancel()

	require.NoError(t, fx.manager.Activate(id))

	select {
	case ev := <-ch:
		assert.Equal(t, id, ev.AccountID)
		assert.Equal(t, account.StateReady, ev.State)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestRequireSecondFactor(t *testing.T) {
	fx := newFixture(t, Config{})
	id := fx.signIn(t, "alice")

	require.NoError(t, fx.manager.RequireSecondFactor(id))
	require.Eventually(t, func() bool {
		return fx.manager.Summary() == SummaryProcessing
	}, time.Second, 5*time.Millisecond)

	acct, ok := fx.registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, account.StateStepNeeded, acct.State)
	assert.Equal(t, account.SessionSecondFactorNeeded, acct.Session)
}

func TestSwitchChangesPrimary(t *testing.T) {
	fx := newFixture(t, Config{})
	first := fx.signIn(t, "alice")
	second := fx.signIn(t, "bob")

	require.NoError(t, fx.manager.Switch(second))
	primary, ok := fx.registry.Primary()
	require.True(t, ok)
	assert.Equal(t, second, primary)
	_ = first
}
