package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/tariffdesk/rates-cli/internal/ratestore"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent import runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		pool, err := connectPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		entries, err := ratestore.NewRunLog(pool).List(ctx, runsLimit)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to list")
	rootCmd.AddCommand(runsCmd)
}
