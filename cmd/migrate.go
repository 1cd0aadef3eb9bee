package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tariffdesk/rates-cli/internal/ratestore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		pool, err := connectPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := ratestore.Migrate(ctx, pool); err != nil {
			return err
		}

		zap.L().Info("migrations complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
