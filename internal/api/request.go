package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/teemow/mailsession/internal/account"
	"github.com/teemow/mailsession/internal/credentials"
	"github.com/teemow/mailsession/internal/instrumentation"
	"github.com/teemow/mailsession/internal/logging"
)

// Header names of the mail API contract.
const (
	HeaderAuthorization = "Authorization"
	HeaderUID           = "X-Uid"
	HeaderAppVersion    = "X-App-Version"
	HeaderLocale        = "X-Locale"
)

// Tag identifies which account a request acts on behalf of. The zero value
// means "no auth": login and info endpoints that must never leak another
// account's session.
//
// A Tag is attached at request creation time and immutable downstream.
type Tag struct {
	accountID account.ID
}

// TagFor returns a tag targeting the given account.
func TagFor(id account.ID) Tag {
	return Tag{accountID: id}
}

// NoAuthTag returns the tag for unauthenticated requests.
func NoAuthTag() Tag {
	return Tag{}
}

// AccountID returns the tagged account id and whether the tag targets one.
func (t Tag) AccountID() (account.ID, bool) {
	return t.accountID, t.accountID != ""
}

type ctxKey int

const (
	tagKey ctxKey = iota
	reattemptKey
)

// WithTag returns a copy of the request carrying the tag in its context.
func WithTag(req *http.Request, tag Tag) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), tagKey, tag))
}

// RequestTag returns the tag attached to the request, or the no-auth tag.
func RequestTag(req *http.Request) Tag {
	if tag, ok := req.Context().Value(tagKey).(Tag); ok {
		return tag
	}
	return Tag{}
}

// markReattempt returns a copy of the request marked as the product of a
// prior authenticator pass. A marked request that fails with 401 again is
// never refreshed a second time.
func markReattempt(req *http.Request) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), reattemptKey, true))
}

// isReattempt reports whether the request came out of a prior authenticator
// pass.
func isReattempt(req *http.Request) bool {
	marked, ok := req.Context().Value(reattemptKey).(bool)
	return ok && marked
}

// MissingCredentialPolicy decides what the injector does with a request
// tagged for an account that has no stored credentials.
type MissingCredentialPolicy int

const (
	// AllowUnauthenticated lets the request proceed without auth headers.
	// This supports anonymous endpoints reusing the same pipeline; the
	// fallthrough is logged and counted so it never hides a caller bug
	// silently.
	AllowUnauthenticated MissingCredentialPolicy = iota

	// RejectRequest fails the request with ErrNoCredentials.
	RejectRequest
)

// InjectorConfig carries the always-stamped client identification headers
// and the missing-credential policy.
type InjectorConfig struct {
	AppVersion string
	UserAgent  string
	Locale     string
	Policy     MissingCredentialPolicy
}

// Injector stamps outgoing requests with auth, version, and locale headers.
// Inputs are never mutated: Stamp returns a new request value.
type Injector struct {
	creds   *credentials.Store
	config  InjectorConfig
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// NewInjector creates a header injector reading the given credential store.
func NewInjector(creds *credentials.Store, config InjectorConfig) *Injector {
	return &Injector{
		creds:  creds,
		config: config,
		logger: slog.Default(),
	}
}

// SetLogger sets a custom logger for the injector.
func (in *Injector) SetLogger(logger *slog.Logger) {
	in.logger = logger
}

// SetMetrics sets the metrics recorder for the injector.
func (in *Injector) SetMetrics(metrics *instrumentation.Metrics) {
	in.metrics = metrics
}

// Stamp returns a copy of the request with identification headers set and,
// for tagged requests, the account's auth headers attached.
//
// Requests tagged no-auth get any auth headers stripped so a login call can
// never carry another account's session. Tagged requests whose account has no
// stored credentials follow the configured MissingCredentialPolicy.
func (in *Injector) Stamp(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())

	out.Header.Set(HeaderAppVersion, in.config.AppVersion)
	out.Header.Set("User-Agent", in.config.UserAgent)
	out.Header.Set(HeaderLocale, in.config.Locale)

	id, tagged := RequestTag(req).AccountID()
	if !tagged {
		out.Header.Del(HeaderAuthorization)
		out.Header.Del(HeaderUID)
		return out, nil
	}

	set, ok := in.creds.Get(id)
	if !ok {
		if in.config.Policy == RejectRequest {
			return nil, &Error{Op: "stamp", Message: "no credentials for account " + id.String(), Err: ErrNoCredentials}
		}
		in.logger.Warn("request for account without credentials proceeds unauthenticated",
			logging.AccountID(id.String()),
			logging.Endpoint(req.URL.Path))
		in.metrics.RecordUnauthenticatedFallback(req.Context())
		out.Header.Del(HeaderAuthorization)
		out.Header.Del(HeaderUID)
		return out, nil
	}

	out.Header.Set(HeaderAuthorization, "Bearer "+set.AccessToken())
	out.Header.Set(HeaderUID, set.UID)
	return out, nil
}
