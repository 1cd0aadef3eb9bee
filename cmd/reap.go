package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tariffdesk/rates-cli/internal/db"
)

var reapOlderThanMins int

// reapCmd fails idempotency records whose producer crashed while
// holding the processing lock, so the keys stop answering "still
// processing" forever.
var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Expire stale idempotency locks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		mins := reapOlderThanMins
		if mins == 0 {
			mins = cfg.Idempotency.ReapAfterMins
		}

		var pool db.Pool
		if cfg.Idempotency.Backend != "sqlite" {
			p, err := connectPool(ctx)
			if err != nil {
				return err
			}
			defer p.Close()
			pool = p
		}

		store, closeStore, err := idemStore(pool)
		if err != nil {
			return err
		}
		defer closeStore()

		cutoff := time.Now().Add(-time.Duration(mins) * time.Minute)
		n, err := store.ReapStale(ctx, cutoff)
		if err != nil {
			return err
		}

		zap.L().Info("stale locks reaped",
			zap.Int64("reaped", n),
			zap.Int("older_than_mins", mins),
		)
		return nil
	},
}

func init() {
	reapCmd.Flags().IntVar(&reapOlderThanMins, "older-than-mins", 0, "lock age cutoff in minutes (default from config)")
	rootCmd.AddCommand(reapCmd)
}
