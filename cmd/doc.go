// Package cmd implements the command-line interface for mailsession.
//
// This package provides the following commands:
//   - accounts: Manage the account session set (login, logout, switch, remove, list)
//   - run: Start the session runtime with the metrics server
//   - version: Display version information
package cmd
