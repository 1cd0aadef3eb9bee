package importer

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tariffdesk/rates-cli/internal/adapter"
	"github.com/tariffdesk/rates-cli/internal/fetcher"
	"github.com/tariffdesk/rates-cli/internal/model"
	"github.com/tariffdesk/rates-cli/internal/provenance"
	"github.com/tariffdesk/rates-cli/internal/ratestore"
	"github.com/tariffdesk/rates-cli/internal/reconcile"
	"github.com/tariffdesk/rates-cli/internal/report"
)

// rateStore is the persistence surface the importer writes through.
type rateStore interface {
	Upsert(ctx context.Context, rows []model.RateRecord, opts ratestore.UpsertOptions) (ratestore.UpsertResult, error)
}

// runLog records run lifecycle.
type runLog interface {
	Start(ctx context.Context, mode, leftSource, rightSource string) (string, error)
	Complete(ctx context.Context, runID string, result *ratestore.RunResult) error
	Fail(ctx context.Context, runID string, errMsg string) error
}

// extractor turns prose documents into observations.
type extractor interface {
	Extract(ctx context.Context, document, sourceRef string) ([]model.Observation, error)
}

// publisher files conflicts for operator review.
type publisher interface {
	Publish(ctx context.Context, r *report.RunReport) (int, error)
}

// Options tunes one import run.
type Options struct {
	Mode      reconcile.Mode
	Reconcile reconcile.Options
	BatchSize int
	DryRun    bool
	ReportDir string
}

// Importer wires fetch, parse, reconcile, and persist together.
type Importer struct {
	fetch     fetcher.Fetcher
	store     rateStore
	runs      runLog
	extract   extractor // optional, required only for document sources
	publish   publisher // optional
	log       *zap.Logger
}

// New creates an Importer. extract and publish may be nil.
func New(fetch fetcher.Fetcher, store rateStore, runs runLog, extract extractor, publish publisher) *Importer {
	return &Importer{
		fetch:   fetch,
		store:   store,
		runs:    runs,
		extract: extract,
		publish: publish,
		log:     zap.L().With(zap.String("component", "importer")),
	}
}

type feed struct {
	obs     []model.Observation
	hash    string
	skipped int
}

// Run executes one full import and returns its report.
func (imp *Importer) Run(ctx context.Context, m *Manifest, opts Options) (*report.RunReport, error) {
	rightRef := ""
	if m.Right != nil {
		rightRef = m.Right.Ref
	}

	runID, err := imp.runs.Start(ctx, string(opts.Mode), m.Left.Ref, rightRef)
	if err != nil {
		return nil, err
	}
	imp.log.Info("import run started",
		zap.String("run_id", runID),
		zap.String("mode", string(opts.Mode)),
		zap.Bool("dry_run", opts.DryRun),
	)

	var left, right feed
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		left, err = imp.parseSource(gctx, m.Left)
		return err
	})
	if m.Right != nil {
		g.Go(func() error {
			var err error
			right, err = imp.parseSource(gctx, *m.Right)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		imp.failRun(ctx, runID, err)
		return nil, err
	}

	result, err := reconcile.Reconcile(left.obs, right.obs, opts.Mode, opts.Reconcile)
	if err != nil {
		imp.failRun(ctx, runID, err)
		return nil, err
	}

	records := make([]model.RateRecord, 0, len(result.Decided))
	refFor := make(map[string]string, len(result.Decided))
	for _, d := range result.Decided {
		rec := d.Record()
		records = append(records, rec)
		refFor[recordKey(rec)] = d.Primary.SourceURL
	}

	upserted, err := imp.store.Upsert(ctx, records, ratestore.UpsertOptions{
		BatchSize:   opts.BatchSize,
		DryRun:      opts.DryRun,
		ImportRunID: runID,
		SourceHash:  sourceSetHash(left.hash, right.hash),
		SourceRefFor: func(r model.RateRecord) string {
			return refFor[recordKey(r)]
		},
	})
	if err != nil {
		imp.failRun(ctx, runID, err)
		return nil, err
	}

	rep := &report.RunReport{
		RunID:       runID,
		Mode:        string(opts.Mode),
		LeftSource:  m.Left.Ref,
		RightSource: rightRef,
		Inserted:    upserted.Inserted,
		Updated:     upserted.Updated,
		SkippedRows: left.skipped + right.skipped,
		Conflicts:   result.Conflicts,
	}

	reportPath := ""
	if opts.ReportDir != "" {
		reportPath, err = rep.WriteJSON(opts.ReportDir)
		if err != nil {
			imp.log.Warn("failed to write conflict report", zap.Error(err))
		}
	}
	if imp.publish != nil && len(rep.Conflicts) > 0 {
		if _, err := imp.publish.Publish(ctx, rep); err != nil {
			imp.log.Warn("failed to publish conflicts", zap.Error(err))
		}
	}

	meta := map[string]any{
		"left_hash":    left.hash,
		"skipped_rows": rep.SkippedRows,
		"dry_run":      opts.DryRun,
	}
	if right.hash != "" {
		meta["right_hash"] = right.hash
	}
	if reportPath != "" {
		meta["report_path"] = reportPath
	}
	if err := imp.runs.Complete(ctx, runID, &ratestore.RunResult{
		Inserted:  upserted.Inserted,
		Updated:   upserted.Updated,
		Conflicts: len(result.Conflicts),
		Metadata:  meta,
	}); err != nil {
		return nil, err
	}

	imp.log.Info("import run complete",
		zap.String("run_id", runID),
		zap.Int("inserted", upserted.Inserted),
		zap.Int("updated", upserted.Updated),
		zap.Int("conflicts", len(result.Conflicts)),
		zap.Int("skipped_rows", rep.SkippedRows),
	)
	return rep, nil
}

func (imp *Importer) failRun(ctx context.Context, runID string, cause error) {
	if err := imp.runs.Fail(ctx, runID, cause.Error()); err != nil {
		imp.log.Error("failed to mark run failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func (imp *Importer) parseSource(ctx context.Context, src Source) (feed, error) {
	data, hash, err := fetcher.FetchBytes(ctx, imp.fetch, src.Ref)
	if err != nil {
		return feed{}, err
	}

	var res adapter.Result
	switch src.Format {
	case "csv":
		res, err = adapter.ParseCSV(ctx, bytes.NewReader(data), src.Mapping, src.Ref)
	case "xlsx":
		res, err = adapter.ParseXLSX(bytes.NewReader(data), src.Mapping, src.Ref)
	case "json":
		res, err = adapter.ParseJSON(ctx, bytes.NewReader(data), src.Mapping, src.Ref)
	case "document":
		if imp.extract == nil {
			return feed{}, eris.Errorf("importer: source %s needs an extractor but none is configured", src.Ref)
		}
		res.Observations, err = imp.extract.Extract(ctx, string(data), src.Ref)
	default:
		return feed{}, eris.Errorf("importer: unknown format %q", src.Format)
	}
	if err != nil {
		return feed{}, err
	}

	imp.log.Info("source parsed",
		zap.String("ref", src.Ref),
		zap.String("format", src.Format),
		zap.Int("observations", len(res.Observations)),
		zap.Int("skipped", res.Skipped),
	)
	return feed{obs: res.Observations, hash: hash, skipped: res.Skipped}, nil
}

// recordKey matches the store's row normalization so provenance refs
// can be looked up after the upsert normalizes each row.
func recordKey(r model.RateRecord) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s",
		strings.ToUpper(strings.TrimSpace(r.Destination)),
		strings.ToUpper(strings.TrimSpace(r.Partner)),
		strings.TrimSpace(r.ProductKey),
		strings.ToLower(strings.TrimSpace(r.RuleKind)),
		r.EffectiveFrom.Format("2006-01-02"),
	)
}

// sourceSetHash identifies the exact document set behind a run.
func sourceSetHash(hashes ...string) string {
	nonEmpty := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if h != "" {
			nonEmpty = append(nonEmpty, h)
		}
	}
	if len(nonEmpty) == 1 {
		return nonEmpty[0]
	}
	return provenance.HashBytes([]byte(strings.Join(nonEmpty, "\n")))
}
