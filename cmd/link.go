package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLinkCmd() *cobra.Command {
	var (
		userID   int64
		email    string
		password string
		token    string
	)
	c := &cobra.Command{
		Use:   "link",
		Short: "Link a user's Resy account by password or existing auth token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (password == "") == (token == "") {
				return fmt.Errorf("exactly one of --password or --token is required")
			}
			a, err := newApp(cmd.Context(), appOptions{migrate: true})
			if err != nil {
				return err
			}
			defer a.close()

			if token != "" {
				err = a.vault.LinkToken(cmd.Context(), userID, email, token)
			} else {
				err = a.vault.Link(cmd.Context(), userID, email, password)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "linked %s to user %d\n", email, userID)
			return nil
		},
	}
	c.Flags().Int64Var(&userID, "user-id", 0, "user id")
	c.Flags().StringVar(&email, "email", "", "Resy account email")
	c.Flags().StringVar(&password, "password", "", "Resy account password (exchanged for a token, never stored)")
	c.Flags().StringVar(&token, "token", "", "Resy auth token captured from a browser session")
	_ = c.MarkFlagRequired("user-id")
	_ = c.MarkFlagRequired("email")
	return c
}

func newUnlinkCmd() *cobra.Command {
	var userID int64
	c := &cobra.Command{
		Use:   "unlink",
		Short: "Remove a user's linked Resy account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.vault.Unlink(cmd.Context(), userID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlinked user %d\n", userID)
			return nil
		},
	}
	c.Flags().Int64Var(&userID, "user-id", 0, "user id")
	_ = c.MarkFlagRequired("user-id")
	return c
}
