package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newBudgetCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect and manage daily token budgets",
	}

	var userID string

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show a user's token usage for today",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			s := a.budget.Status(cmd.Context(), userID)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tDAY\tUSED\tREMAINING\tLIMIT\tUSED %\tREQUESTS\tALERT")
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.1f\t%d\t%s\n",
				s.UserID, a.budget.Today(), s.Used, s.Remaining, s.DailyLimit, s.PercentageUsed, s.RequestsCount, s.AlertLevel)
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Println(s.StatusMessage)
			return nil
		},
	}

	var (
		tokens      int64
		requestType string
		force       bool
	)
	consumeCmd := &cobra.Command{
		Use:   "consume",
		Short: "Debit tokens from a user's budget for today",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if force {
				if !a.budget.Consume(cmd.Context(), userID, tokens, requestType) {
					return fmt.Errorf("could not record %d tokens for %s", tokens, userID)
				}
				fmt.Printf("Recorded %d tokens for %s.\n", tokens, userID)
				return nil
			}

			grant, err := a.enforcer.AuthorizeTokens(cmd.Context(), userID, tokens, requestType)
			if err != nil {
				return err
			}
			fmt.Printf("Granted %d tokens to %s, %d remaining today.\n",
				grant.Tokens, userID, grant.Usage.RemainingTokens)
			if grant.Advisory != "" {
				fmt.Println(grant.Advisory)
			}
			return nil
		},
	}
	consumeCmd.Flags().Int64Var(&tokens, "tokens", 0, "number of tokens to debit")
	consumeCmd.Flags().StringVar(&requestType, "type", "manual", "request type recorded with the debit")
	consumeCmd.Flags().BoolVar(&force, "force", false, "record the debit without checking the limit")
	_ = consumeCmd.MarkFlagRequired("tokens")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear a user's usage for today",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.budget.Reset(cmd.Context(), userID) {
				return fmt.Errorf("could not reset usage for %s", userID)
			}
			fmt.Printf("Usage for %s reset.\n", userID)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "user id")
	_ = cmd.MarkPersistentFlagRequired("user")
	cmd.AddCommand(statusCmd, consumeCmd, resetCmd)
	return cmd
}
