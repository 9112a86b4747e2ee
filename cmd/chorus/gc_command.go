package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chorus/internal/daemon"
)

func newGCCommand(ctx *commandContext) *cobra.Command {
	var olderThanDays int

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove old terminal jobs from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			retention := olderThanDays
			if retention <= 0 {
				retention = cfg.Store.RetentionDays
			}

			store, err := daemon.OpenStore(cfg)
			if err != nil {
				return fmt.Errorf("open job store: %w", err)
			}
			defer store.Close()

			cutoff := time.Now().UTC().Add(-time.Duration(retention) * 24 * time.Hour)
			removed, err := store.GC(cmd.Context(), cutoff)
			if err != nil {
				return fmt.Errorf("gc: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d terminal jobs older than %d days\n", removed, retention)
			return nil
		},
	}

	cmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Override the retention window in days")
	return cmd
}
