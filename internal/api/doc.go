// Package api implements the authenticated transport layer of the mailsession
// subsystem: request tagging and header injection, response classification,
// bounded retries for transient failures, the single-flight token refresh
// hook, and the 24-hour proxy-fallback policy.
//
// The pieces compose as an http.RoundTripper stack. A caller builds a request
// through Client, tagging it with the target account. The retry policy wraps
// each execution; the header injector stamps auth, version, and locale
// headers from the credential store; the base transport executes it; the
// validator classifies the response and evaluates proxy fallback; and a 401
// invokes the refresh authenticator, which serializes refresh per account and
// either replays the request with fresh headers or gives up.
//
// Retry and re-authentication are deliberately orthogonal: the retry policy
// knows nothing about auth (401 is not a retryable status), and the
// authenticator never loops (a replayed request carries a marker that stops a
// second refresh pass).
package api
