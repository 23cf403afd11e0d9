package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newStoreCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect the backing store",
	}

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the configured store is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.store.Degraded() {
				return fmt.Errorf("%s store unavailable, running on in-process fallback", a.cfg.Store.Driver)
			}
			if !a.store.Ping(cmd.Context()) {
				return errors.New("store ping failed")
			}
			fmt.Printf("%s: ok\n", a.store.BackendName())
			return nil
		},
	}

	cmd.AddCommand(pingCmd)
	return cmd
}
