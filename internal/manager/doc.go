// Package manager drives the lifecycle of the full account set. It fans
// per-account state events into a single consumer loop, collapses them into
// a process-wide summary, and runs the login-complete initialization and
// logout cascade side effects.
//
// Side-effect handlers are idempotent and guarded by persisted per-account
// flags: state events can re-fire, and a cascade interrupted by process
// death must be safe to re-attempt on the next start.
package manager
