package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/teemow/mailsession/internal/account"
	"github.com/teemow/mailsession/internal/instrumentation"
	"github.com/teemow/mailsession/internal/logging"
)

// fallbackWindow is how long a proxy deactivation sticks before the same
// account may trial the proxy route again.
const fallbackWindow = 24 * time.Hour

// proxyState tracks one account's routing decision.
type proxyState struct {
	usingDefault bool
	activeProxy  string
	lastTrial    time.Time
}

// ProxyFallback decides, per account, whether requests go through a proxy
// endpoint or fall back to the default API host. A failing proxy is
// deactivated for fallbackWindow; after the window expires the proxy is
// trialed once more.
type ProxyFallback struct {
	mu      sync.Mutex
	state   map[account.ID]*proxyState
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// NewProxyFallback creates an empty fallback tracker. Accounts start on the
// default API until a proxy is configured for them.
func NewProxyFallback() *ProxyFallback {
	return &ProxyFallback{
		state:  make(map[account.ID]*proxyState),
		logger: slog.Default(),
		now:    time.Now,
	}
}

// SetLogger sets a custom logger.
func (p *ProxyFallback) SetLogger(logger *slog.Logger) {
	p.logger = logger
}

// SetMetrics sets the metrics recorder.
func (p *ProxyFallback) SetMetrics(metrics *instrumentation.Metrics) {
	p.metrics = metrics
}

func (p *ProxyFallback) get(id account.ID) *proxyState {
	st, ok := p.state[id]
	if !ok {
		st = &proxyState{usingDefault: true}
		p.state[id] = st
	}
	return st
}

// UseProxy routes the account's requests through the given proxy endpoint.
// A fresh proxy assignment resets any earlier fallback.
func (p *ProxyFallback) UseProxy(id account.ID, endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.get(id)
	st.usingDefault = false
	st.activeProxy = endpoint
	st.lastTrial = p.now()
}

// MarkDefault pins the account to the default API and forgets its proxy.
func (p *ProxyFallback) MarkDefault(id account.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.get(id)
	st.usingDefault = true
	st.activeProxy = ""
}

// UsingDefaultAPI reports whether the account currently goes to the default
// host. Accounts never seen before do.
func (p *ProxyFallback) UsingDefaultAPI(id account.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.get(id).usingDefault
}

// ActiveProxy returns the proxy endpoint the account routes through, or ""
// when it uses the default API.
func (p *ProxyFallback) ActiveProxy(id account.ID) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.get(id)
	if st.usingDefault {
		return ""
	}
	return st.activeProxy
}

// Remove forgets the account entirely.
func (p *ProxyFallback) Remove(id account.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.state, id)
}

// Evaluate processes a failed proxy response for the account. It runs before
// any status classification: when the account is on a proxy route whose last
// trial is older than fallbackWindow, the proxy is deactivated and Evaluate
// reports true, telling the caller to short-circuit all further response
// handling. Deactivation is idempotent: an account already on the default
// API is left alone.
func (p *ProxyFallback) Evaluate(id account.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.get(id)
	if st.usingDefault {
		return false
	}
	if p.now().Sub(st.lastTrial) < fallbackWindow {
		return false
	}

	p.logger.Info("proxy endpoint failing, falling back to default API",
		logging.AccountID(id.String()),
		logging.Endpoint(st.activeProxy))
	st.usingDefault = true
	p.metrics.RecordProxyFallback(context.Background(), id.String())
	return true
}
