package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/livebs/governor/pkg/cache"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the active store and its TTLs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			reachable := a.store.Ping(cmd.Context())
			fmt.Printf("Store:     %s\nDegraded:  %t\nReachable: %t\n",
				a.store.BackendName(), a.store.Degraded(), reachable)
			for _, c := range cache.Categories {
				fmt.Printf("TTL %-12s %s\n", c+":", a.cache.TTL(c))
			}
			return nil
		},
	}

	var category string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached entry of a category",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cache.ParseCategory(category)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), *configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			n := a.cache.Clear(cmd.Context(), c)
			fmt.Printf("Removed %d %s entries.\n", n, c)
			return nil
		},
	}
	clearCmd.Flags().StringVar(&category, "category", "", "profile, ai_response, meal_plan, workout or stats")
	_ = clearCmd.MarkFlagRequired("category")

	var userID string
	invalidateCmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Drop a user's cached profile and latest meal plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.cache.InvalidateUser(cmd.Context(), userID) {
				return fmt.Errorf("could not invalidate cache for %s", userID)
			}
			fmt.Printf("Cache for %s invalidated.\n", userID)
			return nil
		},
	}
	invalidateCmd.Flags().StringVarP(&userID, "user", "u", "", "user id")
	_ = invalidateCmd.MarkFlagRequired("user")

	cmd.AddCommand(statsCmd, clearCmd, invalidateCmd)
	return cmd
}
