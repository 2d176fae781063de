package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and persist the session",
	Long: `Log in against the identity backend. The secret is read from
--secret, then STOREFRONT_SECRET, then the first line of stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		identifier, _ := cmd.Flags().GetString("identifier")
		secret, _ := cmd.Flags().GetString("secret")
		if identifier == "" {
			return fmt.Errorf("--identifier is required")
		}
		if secret == "" {
			secret = os.Getenv("STOREFRONT_SECRET")
		}
		if secret == "" {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("no secret given: %w", err)
			}
			secret = strings.TrimSpace(line)
		}

		rt, err := setup(cmd, nil)
		if err != nil {
			return err
		}
		defer rt.close()

		cred, err := rt.app.Sessions.Login(cmd.Context(), identifier, secret)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s), token valid until %s\n",
			cred.User.Name, cred.User.ID, cred.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd, nil)
		if err != nil {
			return err
		}
		// close waits for the server-side logout to finish
		defer rt.close()

		rt.app.Sessions.Logout(cmd.Context())
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a valid access token, refreshing it if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd, nil)
		if err != nil {
			return err
		}
		defer rt.close()

		token, err := rt.app.Sessions.GetValidAccessToken(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored session without revealing tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd, nil)
		if err != nil {
			return err
		}
		defer rt.close()

		status := map[string]interface{}{"loggedIn": false}
		if cred := rt.app.Sessions.Current(); cred != nil {
			remaining := time.Until(cred.ExpiresAt).Truncate(time.Second)
			status = map[string]interface{}{
				"loggedIn":         true,
				"user":             cred.User,
				"expiresAt":        cred.ExpiresAt.Format(time.RFC3339),
				"expiresIn":        remaining.String(),
				"needsRefreshSoon": remaining <= rt.cfg.ExpiryMargin,
			}
		}

		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return fmt.Errorf("error marshaling status: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	loginCmd.Flags().String("identifier", "", "Account identifier (email)")
	loginCmd.Flags().String("secret", "", "Account secret")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(statusCmd)
}
