package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newAttemptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempt <request-id>",
		Short: "Run one booking attempt for a request now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid request id: %w", err)
			}
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.orch.Attempt(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "outcome=%s", res.Outcome)
			if res.Reference != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " reference=%s", res.Reference)
			}
			if !res.Slot.Start.IsZero() {
				fmt.Fprintf(cmd.OutOrStdout(), " slot=%s", res.Slot.Start.Format("2006-01-02 15:04"))
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
}
