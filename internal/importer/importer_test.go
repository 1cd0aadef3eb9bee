package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tariffdesk/rates-cli/internal/adapter"
	"github.com/tariffdesk/rates-cli/internal/fetcher"
	"github.com/tariffdesk/rates-cli/internal/model"
	"github.com/tariffdesk/rates-cli/internal/ratestore"
	"github.com/tariffdesk/rates-cli/internal/reconcile"
	"github.com/tariffdesk/rates-cli/internal/report"
)

type fakeStore struct {
	rows []model.RateRecord
	opts ratestore.UpsertOptions
	err  error
}

func (f *fakeStore) Upsert(_ context.Context, rows []model.RateRecord, opts ratestore.UpsertOptions) (ratestore.UpsertResult, error) {
	f.rows = rows
	f.opts = opts
	if f.err != nil {
		return ratestore.UpsertResult{}, f.err
	}
	return ratestore.UpsertResult{Inserted: len(rows), DryRun: opts.DryRun}, nil
}

type fakeRuns struct {
	started   bool
	completed *ratestore.RunResult
	failed    string
}

func (f *fakeRuns) Start(context.Context, string, string, string) (string, error) {
	f.started = true
	return "run-1", nil
}

func (f *fakeRuns) Complete(_ context.Context, _ string, result *ratestore.RunResult) error {
	f.completed = result
	return nil
}

func (f *fakeRuns) Fail(_ context.Context, _ string, msg string) error {
	f.failed = msg
	return nil
}

type fakePublisher struct {
	published int
}

func (f *fakePublisher) Publish(_ context.Context, r *report.RunReport) (int, error) {
	f.published = len(r.Conflicts)
	return f.published, nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func csvSource(ref string) Source {
	return Source{
		Name:   "test feed",
		Ref:    ref,
		Format: "csv",
		Mapping: adapter.Mapping{
			Columns: adapter.ColumnMap{
				Destination:   "dest",
				Partner:       "partner",
				ProductKey:    "hs6",
				RuleKind:      "kind",
				Value:         "rate",
				Currency:      "ccy",
				EffectiveFrom: "from",
			},
		},
	}
}

const csvHeader = "dest,partner,hs6,kind,rate,ccy,from\n"

func newTestImporter(store *fakeStore, runs *fakeRuns, pub *fakePublisher) *Importer {
	d := fetcher.NewDispatcher(fetcher.HTTPOptions{RatePerSec: 1000}, fetcher.FTPOptions{})
	var p publisher
	if pub != nil {
		p = pub
	}
	return New(d, store, runs, nil, p)
}

func TestRun_TwoSourcesAgreeing(t *testing.T) {
	dir := t.TempDir()
	left := writeFile(t, dir, "left.csv", csvHeader+"NL,US,850440,mfn,3.7,EUR,2026-01-01\n")
	right := writeFile(t, dir, "right.csv", csvHeader+"NL,US,850440,mfn,3.705,EUR,2026-01-01\n")

	store := &fakeStore{}
	runs := &fakeRuns{}
	imp := newTestImporter(store, runs, nil)

	m := &Manifest{Left: csvSource(left)}
	r := csvSource(right)
	m.Right = &r

	rep, err := imp.Run(context.Background(), m, Options{Mode: reconcile.ModePreferOfficial})
	require.NoError(t, err)

	assert.True(t, runs.started)
	require.NotNil(t, runs.completed)
	assert.Equal(t, 1, runs.completed.Inserted)
	assert.Empty(t, runs.failed)

	require.Len(t, store.rows, 1)
	assert.Equal(t, "NL", store.rows[0].Destination)
	assert.Equal(t, "3.7", store.rows[0].Value)
	assert.Equal(t, "run-1", store.opts.ImportRunID)
	assert.NotEmpty(t, store.opts.SourceHash)
	assert.Equal(t, left, store.opts.SourceRefFor(store.rows[0]))

	assert.Equal(t, "run-1", rep.RunID)
	assert.Equal(t, 1, rep.Inserted)
	assert.Empty(t, rep.Conflicts)
}

func TestRun_ConflictsReportedAndPublished(t *testing.T) {
	dir := t.TempDir()
	left := writeFile(t, dir, "left.csv", csvHeader+"NL,US,850440,mfn,3.7,EUR,2026-01-01\n")
	right := writeFile(t, dir, "right.csv", csvHeader+"NL,US,850440,mfn,9.9,EUR,2026-01-01\n")

	store := &fakeStore{}
	runs := &fakeRuns{}
	pub := &fakePublisher{}
	imp := newTestImporter(store, runs, pub)

	m := &Manifest{Left: csvSource(left)}
	r := csvSource(right)
	m.Right = &r

	reportDir := filepath.Join(dir, "reports")
	rep, err := imp.Run(context.Background(), m, Options{
		Mode:      reconcile.ModeStrict,
		ReportDir: reportDir,
	})
	require.NoError(t, err)

	require.Len(t, rep.Conflicts, 1)
	assert.Empty(t, store.rows)
	assert.Equal(t, 1, pub.published)
	assert.Equal(t, 1, runs.completed.Conflicts)

	entries, err := os.ReadDir(reportDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "conflicts-run-1.json", entries[0].Name())
}

func TestRun_SingleSource(t *testing.T) {
	dir := t.TempDir()
	left := writeFile(t, dir, "left.csv", csvHeader+"DE,,850440,mfn,2.7,EUR,2026-01-01\n")

	store := &fakeStore{}
	runs := &fakeRuns{}
	imp := newTestImporter(store, runs, nil)

	rep, err := imp.Run(context.Background(), &Manifest{Left: csvSource(left)},
		Options{Mode: reconcile.ModeAny})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Inserted)
	assert.Empty(t, rep.Conflicts)
}

func TestRun_FetchFailureMarksRunFailed(t *testing.T) {
	store := &fakeStore{}
	runs := &fakeRuns{}
	imp := newTestImporter(store, runs, nil)

	m := &Manifest{Left: csvSource(filepath.Join(t.TempDir(), "missing.csv"))}
	_, err := imp.Run(context.Background(), m, Options{Mode: reconcile.ModeAny})
	require.Error(t, err)
	assert.NotEmpty(t, runs.failed)
	assert.Nil(t, runs.completed)
}

func TestRun_UpsertFailureMarksRunFailed(t *testing.T) {
	dir := t.TempDir()
	left := writeFile(t, dir, "left.csv", csvHeader+"DE,,850440,mfn,2.7,EUR,2026-01-01\n")

	store := &fakeStore{err: assert.AnError}
	runs := &fakeRuns{}
	imp := newTestImporter(store, runs, nil)

	_, err := imp.Run(context.Background(), &Manifest{Left: csvSource(left)},
		Options{Mode: reconcile.ModeAny})
	require.Error(t, err)
	assert.NotEmpty(t, runs.failed)
}

func TestRun_DryRun(t *testing.T) {
	dir := t.TempDir()
	left := writeFile(t, dir, "left.csv", csvHeader+"DE,,850440,mfn,2.7,EUR,2026-01-01\n")

	store := &fakeStore{}
	runs := &fakeRuns{}
	imp := newTestImporter(store, runs, nil)

	_, err := imp.Run(context.Background(), &Manifest{Left: csvSource(left)},
		Options{Mode: reconcile.ModeAny, DryRun: true})
	require.NoError(t, err)
	assert.True(t, store.opts.DryRun)
	assert.Equal(t, true, runs.completed.Metadata["dry_run"])
}

func TestRun_DocumentSourceWithoutExtractor(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, dir, "notice.txt", "VAT rises to 22% ...")

	imp := newTestImporter(&fakeStore{}, &fakeRuns{}, nil)
	m := &Manifest{Left: Source{Ref: doc, Format: "document"}}

	_, err := imp.Run(context.Background(), m, Options{Mode: reconcile.ModeAny})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extractor")
}

func TestSourceSetHash(t *testing.T) {
	assert.Equal(t, "abc", sourceSetHash("abc"))
	assert.Equal(t, "abc", sourceSetHash("abc", ""))
	combined := sourceSetHash("abc", "def")
	assert.NotEqual(t, "abc", combined)
	assert.Equal(t, combined, sourceSetHash("abc", "def"))
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "sources.yaml", `
left:
  name: HTS schedule
  ref: https://hts.usitc.gov/current.csv
  format: csv
  mapping:
    delimiter: ","
    columns:
      destination: dest
      value: rate
      effective_from: from
right:
  name: aggregator feed
  ref: https://feed.example.com/rates.json
  format: json
`)

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "HTS schedule", m.Left.Name)
	assert.Equal(t, "csv", m.Left.Format)
	assert.Equal(t, "dest", m.Left.Mapping.Columns.Destination)
	require.NotNil(t, m.Right)
	assert.Equal(t, "json", m.Right.Format)
}

func TestLoadManifest_Invalid(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadManifest(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := writeFile(t, dir, "bad.yaml", "left:\n  ref: x\n  format: parquet\n")
	_, err = LoadManifest(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")

	noRef := writeFile(t, dir, "noref.yaml", "left:\n  format: csv\n")
	_, err = LoadManifest(noRef)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ref")
}
