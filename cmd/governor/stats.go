package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/livebs/governor/pkg/tracker"
)

func newStatsCmd(configPath *string) *cobra.Command {
	var (
		date  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show token usage across all users for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.tracker == nil {
				return errors.New("usage tracking is disabled")
			}
			if date == "" {
				date = a.budget.Today()
			}
			loc, err := a.cfg.Budget.Location()
			if err != nil {
				return err
			}
			from, to, err := tracker.DayBounds(date, loc)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			summary, err := a.tracker.Summary(ctx, from, to)
			if err != nil {
				return err
			}
			if summary.TotalRequests == 0 {
				fmt.Printf("No usage recorded on %s.\n", date)
				return nil
			}

			fmt.Printf("Date:             %s\n", date)
			fmt.Printf("Active users:     %d\n", summary.ActiveUsers)
			fmt.Printf("Requests:         %d\n", summary.TotalRequests)
			fmt.Printf("Tokens:           %d\n", summary.TotalTokens)
			fmt.Printf("Avg tokens/user:  %.1f\n", summary.AverageTokensPerUser)
			fmt.Printf("Daily limit/user: %d\n\n", a.budget.DailyLimit())

			top, err := a.tracker.TopUsers(ctx, from, to, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tREQUESTS\tTOKENS")
			for _, u := range top {
				fmt.Fprintf(w, "%s\t%d\t%d\n", u.UserID, u.RequestCount, u.TotalTokens)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "day to report, YYYY-MM-DD (default today)")
	cmd.Flags().IntVar(&limit, "top", 10, "number of top users to list")
	return cmd
}
