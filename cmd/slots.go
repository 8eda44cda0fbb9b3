package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/resy-booker/internal/application/requests"
	"github.com/example/resy-booker/internal/config"
	"github.com/example/resy-booker/internal/domain/reservation"
	"github.com/example/resy-booker/internal/infrastructure/resy"
	"github.com/example/resy-booker/internal/logging"
	"github.com/example/resy-booker/internal/metrics"
)

// newSlotsCmd queries availability directly. It doubles as a provider
// connectivity check since it needs no database.
func newSlotsCmd() *cobra.Command {
	var (
		day   string
		party int
	)
	c := &cobra.Command{
		Use:   "slots <venue-id>",
		Short: "List open slots at a venue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := time.Parse(reservation.DateLayout, day)
			if err != nil {
				return fmt.Errorf("invalid --day (want YYYY-MM-DD)")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.Env)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			client := resy.New(resy.Config{
				BaseURL: cfg.ResyBaseURL,
				APIKey:  cfg.ResyAPIKey,
				Timeout: cfg.GatewayTimeout,
			}, logger, metrics.New())

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			slots, err := client.FindSlots(ctx, args[0], date, party)
			if err != nil {
				return err
			}
			if len(slots) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no open slots")
				return nil
			}
			for _, s := range slots {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s party=%d-%d  token=%s\n",
					s.Start.Format("15:04"), s.Type, s.MinParty, s.MaxParty, s.Token)
			}
			return nil
		},
	}
	c.Flags().StringVar(&day, "day", "", "date YYYY-MM-DD")
	c.Flags().IntVar(&party, "party-size", requests.DefaultPartySize, "party size")
	_ = c.MarkFlagRequired("day")
	return c
}
