package api

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/teemow/mailsession/internal/account"
	"github.com/teemow/mailsession/internal/credentials"
	"github.com/teemow/mailsession/internal/instrumentation"
	"github.com/teemow/mailsession/internal/logging"
)

// refreshLockShards bounds how many per-account refresh locks exist.
// Distinct accounts may share a shard; that only costs parallelism, never
// correctness.
const refreshLockShards = 16

// RefreshClient exchanges a refresh token for a new credential set. A 429
// from the endpoint must surface as an *Error with RateLimited() true; any
// other rejection as an *Error with the endpoint's status.
type RefreshClient interface {
	RefreshSession(ctx context.Context, uid, refreshToken string) (*credentials.Set, error)
}

// AccountResolver supplies the process's current account for requests that
// carry no tag. This covers the login-time window where a session already
// exists but callers have not started tagging yet.
type AccountResolver func() (account.ID, bool)

// Authenticator reacts to 401-class responses. Per account it runs at most
// one network refresh at a time; concurrent losers of the lock observe the
// already-swapped token and replay without a second refresh.
type Authenticator struct {
	creds       *credentials.Store
	refresher   RefreshClient
	injector    *Injector
	resolver    AccountResolver
	refreshPath string

	// onForcedLogout is invoked outside any success path when the account's
	// session is conclusively dead. It must be safe to call repeatedly.
	onForcedLogout func(account.ID)

	locks   [refreshLockShards]sync.Mutex
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// NewAuthenticator wires a refresh authenticator. refreshPath is the URL
// path of the refresh endpoint; a 401 on that path is treated as proof of an
// invalid session rather than a trigger for another refresh.
func NewAuthenticator(creds *credentials.Store, refresher RefreshClient, injector *Injector, refreshPath string) *Authenticator {
	return &Authenticator{
		creds:       creds,
		refresher:   refresher,
		injector:    injector,
		refreshPath: refreshPath,
		logger:      slog.Default(),
	}
}

// SetLogger sets a custom logger.
func (a *Authenticator) SetLogger(logger *slog.Logger) {
	a.logger = logger
}

// SetMetrics sets the metrics recorder.
func (a *Authenticator) SetMetrics(metrics *instrumentation.Metrics) {
	a.metrics = metrics
}

// SetAccountResolver sets the fallback used for untagged requests.
func (a *Authenticator) SetAccountResolver(resolver AccountResolver) {
	a.resolver = resolver
}

// SetForcedLogoutHook sets the callback fired when refresh concludes the
// session is invalid.
func (a *Authenticator) SetForcedLogoutHook(hook func(account.ID)) {
	a.onForcedLogout = hook
}

func (a *Authenticator) lockFor(id account.ID) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &a.locks[h.Sum32()%refreshLockShards]
}

// Reauthenticate handles a response that signaled stale credentials. It
// returns a re-stamped request to replay, or nil when the original response
// must stand (rate limited, dead session, or a replay that failed again).
// A non-nil error is an unrecoverable fault from the refresh call itself and
// propagates to the caller unchanged.
func (a *Authenticator) Reauthenticate(resp *http.Response) (*http.Request, error) {
	req := resp.Request

	id, ok := RequestTag(req).AccountID()
	if !ok && a.resolver != nil {
		id, ok = a.resolver()
	}
	if !ok {
		return nil, nil
	}

	mu := a.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	set, ok := a.creds.Get(id)
	if !ok {
		return nil, nil
	}

	logger := logging.WithAccount(a.logger, id.String())

	// A concurrent caller already refreshed: the failing request carries an
	// older token than the store. Replay with the current one, no network
	// refresh.
	presented := strings.TrimPrefix(req.Header.Get(HeaderAuthorization), "Bearer ")
	if presented != set.AccessToken() {
		logger.Debug("token already refreshed by concurrent request, replaying")
		a.metrics.RecordTokenRefresh(req.Context(), instrumentation.RefreshResultShortCircuit)
		return a.replayRequest(req, id)
	}

	// The replay of a prior pass failed 401 again. Give up rather than loop.
	if isReattempt(req) {
		logger.Warn("replayed request rejected again, not retrying")
		return nil, nil
	}

	// A 401 from the refresh endpoint itself is conclusive.
	if a.refreshPath != "" && strings.HasSuffix(req.URL.Path, a.refreshPath) {
		logger.Warn("refresh endpoint rejected session, forcing logout")
		a.forceLogout(req, id)
		return nil, nil
	}

	a.creds.BeginRefresh(id)
	newSet, err := a.refresh(req.Context(), id, set)
	if err != nil {
		a.creds.EndRefresh(id)
		var apiErr *Error
		if errors.As(err, &apiErr) {
			if apiErr.RateLimited() {
				logger.Info("refresh rate limited, keeping credentials")
				a.metrics.RecordTokenRefresh(req.Context(), instrumentation.RefreshResultRateLimited)
				return nil, nil
			}
			logger.Warn("refresh rejected, forcing logout", logging.Err(err))
			a.forceLogout(req, id)
			return nil, nil
		}
		return nil, err
	}

	a.creds.Replace(id, newSet)
	logger.Info("access token refreshed")
	a.metrics.RecordTokenRefresh(req.Context(), instrumentation.RefreshResultSuccess)
	return a.replayRequest(req, id)
}

// refresh performs the network token exchange under its own span.
func (a *Authenticator) refresh(ctx context.Context, id account.ID, set *credentials.Set) (*credentials.Set, error) {
	ctx, span := instrumentation.StartRefreshSpan(ctx, id.String())
	defer span.End()

	newSet, err := a.refresher.RefreshSession(ctx, set.UID, set.RefreshToken())
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return newSet, nil
}

func (a *Authenticator) forceLogout(req *http.Request, id account.ID) {
	a.creds.Lock(id)
	a.metrics.RecordTokenRefresh(req.Context(), instrumentation.RefreshResultLoggedOut)
	if a.onForcedLogout != nil {
		a.onForcedLogout(id)
	}
}

// replayRequest builds the request to retry: body re-materialized from
// GetBody, headers re-stamped from the store, and marked so a second 401
// aborts instead of refreshing again. Tagging with the resolved id covers
// requests that entered untagged through the resolver fallback.
func (a *Authenticator) replayRequest(req *http.Request, id account.ID) (*http.Request, error) {
	clone := WithTag(req.Clone(req.Context()), TagFor(id))
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}

	stamped, err := a.injector.Stamp(markReattempt(clone))
	if err != nil {
		return nil, err
	}
	return stamped, nil
}
