package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/tariffdesk/rates-cli/internal/ratestore"
)

var (
	ratesDestination string
	ratesPartner     string
	ratesProduct     string
	ratesKind        string
	ratesAsOf        string
	ratesLimit       int
)

var ratesCmd = &cobra.Command{
	Use:   "rates",
	Short: "Query the rates in effect for a destination",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter := ratestore.RateFilter{
			Destination: ratesDestination,
			Partner:     ratesPartner,
			ProductKey:  ratesProduct,
			RuleKind:    ratesKind,
			Limit:       ratesLimit,
		}
		if ratesAsOf != "" {
			asOf, err := time.Parse("2006-01-02", ratesAsOf)
			if err != nil {
				return eris.Errorf("as-of must be YYYY-MM-DD, got %q", ratesAsOf)
			}
			filter.AsOf = asOf
		}

		pool, err := connectPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		rows, err := ratestore.New(pool).CurrentRates(ctx, filter)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	},
}

func init() {
	ratesCmd.Flags().StringVar(&ratesDestination, "destination", "", "destination jurisdiction code (required)")
	ratesCmd.Flags().StringVar(&ratesPartner, "partner", "", "partner jurisdiction code")
	ratesCmd.Flags().StringVar(&ratesProduct, "product", "", "product key (HS code)")
	ratesCmd.Flags().StringVar(&ratesKind, "kind", "", "rule kind (mfn, preferential, standard_vat, reduced_vat)")
	ratesCmd.Flags().StringVar(&ratesAsOf, "as-of", "", "effective date YYYY-MM-DD (default today)")
	ratesCmd.Flags().IntVar(&ratesLimit, "limit", 0, "maximum rows to return")
	_ = ratesCmd.MarkFlagRequired("destination")
	rootCmd.AddCommand(ratesCmd)
}
