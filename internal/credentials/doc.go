// Package credentials holds per-account credential sets for the mailsession
// subsystem.
//
// The store is a pure in-memory cache: durable persistence of credentials is
// owned externally (by whatever keystore the embedding application uses).
// Credential sets are immutable values that are replaced atomically on
// refresh, never mutated field by field, so readers can never observe a
// half-updated set.
package credentials
