// Package account defines the core identity types of the mailsession subsystem:
// accounts, their lifecycle states, session states, and the typed events that
// drive the account state manager.
//
// An Account is one user identity known to the process. Its lifecycle is
// independent of whether it is currently the active/primary one: accounts can
// be logged in, logged out but retained (saved), or removed entirely.
//
// Accounts are owned exclusively by the registry package; other packages refer
// to them by ID only and never hold ownership of the Account value.
package account
