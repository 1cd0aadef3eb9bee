package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tariffdesk/rates-cli/internal/importer"
	"github.com/tariffdesk/rates-cli/internal/llm"
	"github.com/tariffdesk/rates-cli/internal/model"
	"github.com/tariffdesk/rates-cli/internal/ratestore"
	"github.com/tariffdesk/rates-cli/internal/reconcile"
	"github.com/tariffdesk/rates-cli/internal/report"
)

var (
	importManifest string
	importMode     string
	importDryRun   bool
)

// docExtractor mirrors the importer's optional document extractor
// dependency so an unconfigured one stays a nil interface.
type docExtractor interface {
	Extract(ctx context.Context, document, sourceRef string) ([]model.Observation, error)
}

type conflictPublisher interface {
	Publish(ctx context.Context, r *report.RunReport) (int, error)
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Fetch, reconcile, and upsert rate sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		manifestPath := importManifest
		if manifestPath == "" {
			manifestPath = cfg.Import.Manifest
		}
		if manifestPath == "" {
			return eris.New("manifest is required (--manifest or RATES_IMPORT_MANIFEST)")
		}

		modeStr := importMode
		if modeStr == "" {
			modeStr = cfg.Reconcile.Mode
		}
		mode, err := reconcile.ParseMode(modeStr)
		if err != nil {
			return err
		}

		recOpts, err := reconcileOptions(cfg.Reconcile)
		if err != nil {
			return err
		}

		manifest, err := importer.LoadManifest(manifestPath)
		if err != nil {
			return err
		}

		pool, err := connectPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		var extract docExtractor
		if cfg.Anthropic.Key != "" {
			extract = llm.NewExtractor(llm.NewClient(cfg.Anthropic.Key),
				cfg.Anthropic.Model, int64(cfg.Anthropic.MaxTokens))
		}
		var publish conflictPublisher
		if cfg.Notion.Token != "" && cfg.Notion.ConflictDB != "" {
			publish = report.NewNotionPublisher(cfg.Notion.Token, cfg.Notion.ConflictDB)
		}

		imp := importer.New(newDispatcher(), ratestore.New(pool), ratestore.NewRunLog(pool),
			extract, publish)

		rep, err := imp.Run(ctx, manifest, importer.Options{
			Mode:      mode,
			Reconcile: recOpts,
			BatchSize: cfg.Import.BatchSize,
			DryRun:    importDryRun,
			ReportDir: cfg.Import.ReportDir,
		})
		if err != nil {
			return err
		}

		zap.L().Info("import complete",
			zap.String("run_id", rep.RunID),
			zap.Int("inserted", rep.Inserted),
			zap.Int("updated", rep.Updated),
			zap.Int("skipped_rows", rep.SkippedRows),
			zap.Int("conflicts", len(rep.Conflicts)),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importManifest, "manifest", "", "path to the source manifest YAML")
	importCmd.Flags().StringVar(&importMode, "mode", "", "reconciliation mode: strict, prefer_official, any (default from config)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "reconcile and report without writing rate rows")
	rootCmd.AddCommand(importCmd)
}
