package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/example/resy-booker/internal/application/requests"
	"github.com/example/resy-booker/internal/domain/reservation"
)

func newRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Manage standing reservation requests (non-UI)",
	}
	cmd.AddCommand(newRequestCreateCmd())
	cmd.AddCommand(newRequestListCmd())
	cmd.AddCommand(newRequestDeleteCmd())
	cmd.AddCommand(newRequestExpireCmd())
	return cmd
}

func newRequestCreateCmd() *cobra.Command {
	var (
		userID    int64
		in        requests.CreateInput
		times     string
		slotTypes string
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Create an active request that the scheduler will try to book",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{migrate: true})
			if err != nil {
				return err
			}
			defer a.close()

			in.Times = splitCSV(times)
			in.SlotTypes = splitCSV(slotTypes)
			r, err := a.requests.Create(cmd.Context(), userID, in)
			if err != nil {
				return err
			}
			printRequest(cmd.OutOrStdout(), r)
			return nil
		},
	}

	c.Flags().Int64Var(&userID, "user-id", 0, "user id (from DB)")
	c.Flags().StringVar(&in.VenueID, "venue-id", "", "resy venue id")
	c.Flags().IntVar(&in.PartySize, "party-size", requests.DefaultPartySize, "party size")
	c.Flags().StringVar(&in.Date, "date", "", "reservation date YYYY-MM-DD")
	c.Flags().StringVar(&times, "times", "19:00", "comma-separated desired times (HH:MM), most preferred first")
	c.Flags().StringVar(&slotTypes, "slot-types", "", "optional seating types (comma-separated)")

	_ = c.MarkFlagRequired("user-id")
	_ = c.MarkFlagRequired("venue-id")
	_ = c.MarkFlagRequired("date")
	return c
}

func newRequestListCmd() *cobra.Command {
	var (
		userID int64
		status string
	)
	c := &cobra.Command{
		Use:   "list",
		Short: "List requests for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *reservation.Status
			if status != "" {
				st, err := reservation.ParseStatus(status)
				if err != nil {
					return err
				}
				filter = &st
			}

			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			rs, err := a.requests.List(cmd.Context(), userID, filter)
			if err != nil {
				return err
			}
			for _, r := range rs {
				printRequest(cmd.OutOrStdout(), r)
			}
			return nil
		},
	}
	c.Flags().Int64Var(&userID, "user-id", 0, "user id")
	c.Flags().StringVar(&status, "status", "", "only show requests in this status (active|successful|expired)")
	_ = c.MarkFlagRequired("user-id")
	return c
}

func newRequestDeleteCmd() *cobra.Command {
	var userID int64
	c := &cobra.Command{
		Use:   "delete <request-id>",
		Short: "Delete a request",
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

			if err := a.requests.Delete(cmd.Context(), userID, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			return nil
		},
	}
	c.Flags().Int64Var(&userID, "user-id", 0, "owning user id")
	_ = c.MarkFlagRequired("user-id")
	return c
}

func newRequestExpireCmd() *cobra.Command {
	var userID int64
	c := &cobra.Command{
		Use:   "expire <request-id>",
		Short: "Stop trying to book an active request",
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

			r, err := a.requests.Expire(cmd.Context(), userID, id)
			if err != nil {
				return err
			}
			printRequest(cmd.OutOrStdout(), r)
			return nil
		},
	}
	c.Flags().Int64Var(&userID, "user-id", 0, "owning user id")
	_ = c.MarkFlagRequired("user-id")
	return c
}

func printRequest(w io.Writer, r reservation.Request) {
	fmt.Fprintf(w, "id=%s venue=%s party=%d date=%s times=%s status=%s",
		r.ID, r.VenueID, r.PartySize, r.Date.Format(reservation.DateLayout),
		strings.Join(reservation.FormatTimes(r.Times), ","), r.Status)
	if r.BookingReference != "" {
		fmt.Fprintf(w, " reference=%s", r.BookingReference)
	}
	if r.Attention != reservation.AttentionNone {
		fmt.Fprintf(w, " attention=%s", r.Attention)
	}
	if r.LastError != "" {
		fmt.Fprintf(w, " last_error=%q", r.LastError)
	}
	fmt.Fprintln(w)
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
