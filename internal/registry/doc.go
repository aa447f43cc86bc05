// Package registry maintains the ordered index of accounts known to the
// process: which are logged in, which are saved (logged out but retained),
// and which account is primary.
//
// Invariants:
//
//   - The logged-in and saved id sets are disjoint at all times.
//   - Login order is preserved for logged-in accounts; the first logged-in
//     account is the primary by default.
//
// The registry is written only by the account state manager and read by
// everyone else; all methods are safe for concurrent use.
package registry
