package cmd

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/teemow/mailsession/internal/account"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the account session set",
	}
	cmd.AddCommand(newAccountsListCmd())
	cmd.AddCommand(newAccountsLoginCmd())
	cmd.AddCommand(newAccountsLogoutCmd())
	cmd.AddCommand(newAccountsSwitchCmd())
	cmd.AddCommand(newAccountsRemoveCmd())
	return cmd
}

func newAccountsListCmd() *cobra.Command {
	var debugMode bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known accounts and their states",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), debugMode)
			if err != nil {
				return err
			}
			defer rt.shutdown(cmd.Context())

			accounts := rt.registry.Accounts()
			if len(accounts) == 0 {
				cmd.Println("no accounts")
				return nil
			}
			for _, acct := range accounts {
				cmd.Printf("%s  %s  %s/%s\n", acct.ID, acct.Username, acct.State, acct.Session)
			}
			counts := rt.registry.Snapshot()
			cmd.Printf("%d logged in, %d saved\n", counts["logged_in"], counts["saved"])
			return nil
		},
	}

	cmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	return cmd
}

func newAccountsLoginCmd() *cobra.Command {
	var (
		debugMode bool
		username  string
		password  string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log a new account in",
		Long: `Log a new account in against the mail API.

The password is read from the MAILSESSION_PASSWORD environment variable,
the --password flag, or an interactive prompt, in that order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--username is required")
			}
			if password == "" {
				password = os.Getenv("MAILSESSION_PASSWORD")
			}
			if password == "" {
				cmd.Print("Password: ")
				raw, err := term.ReadPassword(int(syscall.Stdin))
				cmd.Println()
				if err != nil {
					return fmt.Errorf("reading password: %w", err)
				}
				password = string(raw)
			}

			rt, err := newRuntime(cmd.Context(), debugMode)
			if err != nil {
				return err
			}
			defer rt.shutdown(cmd.Context())

			return login(cmd.Context(), rt, username, password, func(format string, args ...any) {
				cmd.Printf(format, args...)
			})
		},
	}

	cmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&username, "username", "", "Account username")
	cmd.Flags().StringVar(&password, "password", "", "Account password. Can also use MAILSESSION_PASSWORD env var.")
	return cmd
}

// login authenticates against the API and drives the account through the
// manager's sign-in and activation flow.
func login(ctx context.Context, rt *runtime, username, password string, printf func(string, ...any)) error {
	set, err := rt.client.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	acct, err := rt.manager.SignIn(ctx, username, set)
	if err != nil {
		return fmt.Errorf("registering account: %w", err)
	}
	if err := rt.manager.Activate(acct.ID); err != nil {
		return fmt.Errorf("activating account: %w", err)
	}

	printf("logged in as %s (%s)\n", username, acct.ID)
	return nil
}

func newAccountsLogoutCmd() *cobra.Command {
	var debugMode bool

	cmd := &cobra.Command{
		Use:   "logout <account-id>",
		Short: "Log an account out, keeping it saved for re-login",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), debugMode)
			if err != nil {
				return err
			}
			defer rt.shutdown(cmd.Context())

			if err := rt.manager.SignOut(cmd.Context(), account.ID(args[0])); err != nil {
				return fmt.Errorf("signing out: %w", err)
			}
			cmd.Printf("signed out %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	return cmd
}

func newAccountsSwitchCmd() *cobra.Command {
	var debugMode bool

	cmd := &cobra.Command{
		Use:   "switch <account-id>",
		Short: "Make an account the primary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), debugMode)
			if err != nil {
				return err
			}
			defer rt.shutdown(cmd.Context())

			if err := rt.manager.Switch(account.ID(args[0])); err != nil {
				return fmt.Errorf("switching primary: %w", err)
			}
			cmd.Printf("primary is now %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	return cmd
}

func newAccountsRemoveCmd() *cobra.Command {
	var debugMode bool

	cmd := &cobra.Command{
		Use:   "remove <account-id>",
		Short: "Remove an account entirely, saved state included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), debugMode)
			if err != nil {
				return err
			}
			defer rt.shutdown(cmd.Context())

			if err := rt.manager.Remove(cmd.Context(), account.ID(args[0])); err != nil {
				return fmt.Errorf("removing account: %w", err)
			}
			cmd.Printf("removed %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	return cmd
}
