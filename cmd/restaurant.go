package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/resy-booker/internal/domain/restaurant"
)

func newRestaurantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restaurant",
		Short: "Manage the restaurant catalog requests may target",
	}
	cmd.AddCommand(newRestaurantAddCmd(), newRestaurantListCmd())
	return cmd
}

func newRestaurantAddCmd() *cobra.Command {
	var r restaurant.Restaurant

	c := &cobra.Command{
		Use:   "add",
		Short: "Add a restaurant, or rename one already in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{migrate: true})
			if err != nil {
				return err
			}
			defer a.close()

			saved, err := a.restaurants.Upsert(cmd.Context(), r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restaurant %q venue=%s id=%d\n", saved.Name, saved.VenueID, saved.ID)
			return nil
		},
	}

	c.Flags().StringVar(&r.VenueID, "venue-id", "", "resy venue id")
	c.Flags().StringVar(&r.Name, "name", "", "display name")
	c.Flags().StringVar(&r.ThumbnailURL, "thumbnail", "", "thumbnail image url")
	_ = c.MarkFlagRequired("venue-id")
	_ = c.MarkFlagRequired("name")
	return c
}

func newRestaurantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalog restaurants",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			list, err := a.restaurants.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "id=%d venue=%s name=%q\n", r.ID, r.VenueID, r.Name)
			}
			return nil
		},
	}
}
