package ratestore

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tariffdesk/rates-cli/internal/db"
	"github.com/tariffdesk/rates-cli/internal/model"
	"github.com/tariffdesk/rates-cli/internal/provenance"
)

const (
	ratesTable      = "rate_data.rates"
	provenanceTable = "rate_data.rate_provenance"

	// DefaultBatchSize trades statement count against memory; batching
	// only limits write amplification, each batch is atomic on its own.
	DefaultBatchSize = 5000
)

// Store writes and reads the canonical rate table.
type Store struct {
	pool db.Pool
}

// New creates a Store backed by the given pool.
func New(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// UpsertOptions configures one Upsert call.
type UpsertOptions struct {
	BatchSize   int
	DryRun      bool
	ImportRunID string
	// SourceRefFor resolves the source reference recorded in provenance
	// for a given row. Ignored unless ImportRunID is set.
	SourceRefFor func(model.RateRecord) string
	// SourceHash is the content hash of the fetched source document,
	// recorded on every provenance entry of the run.
	SourceHash string
}

// UpsertResult reports precise write counts for an Upsert call. Rows
// skipped by the tier guard or because nothing changed count in neither
// bucket.
type UpsertResult struct {
	Inserted int  `json:"inserted"`
	Updated  int  `json:"updated"`
	DryRun   bool `json:"dry_run"`
}

// upsertSQL is the whole conflict policy in one atomic statement. The
// DO UPDATE WHERE clause enforces two rules: a non-official source never
// replaces an official row (tier guard), and byte-identical re-imports
// are skipped instead of churning updated_at and provenance. Guarded and
// unchanged rows drop out of RETURNING, so the caller's counts stay
// exact; xmax = 0 distinguishes fresh inserts from updates.
const upsertSQL = `
INSERT INTO rate_data.rates AS r
	(destination, partner, product_key, rule_kind, value, currency, effective_from, effective_to, source_tier, notes)
SELECT destination, partner, product_key, rule_kind, value, currency, effective_from, effective_to, source_tier, notes
FROM ` + tempTableName + `
ON CONFLICT (destination, partner, product_key, rule_kind, effective_from) DO UPDATE SET
	value = EXCLUDED.value,
	currency = EXCLUDED.currency,
	effective_to = EXCLUDED.effective_to,
	source_tier = EXCLUDED.source_tier,
	notes = EXCLUDED.notes,
	updated_at = now()
WHERE (r.source_tier = EXCLUDED.source_tier OR r.source_tier <> 'official')
	AND (r.value IS DISTINCT FROM EXCLUDED.value
		OR r.effective_to IS DISTINCT FROM EXCLUDED.effective_to
		OR r.currency IS DISTINCT FROM EXCLUDED.currency
		OR r.notes IS DISTINCT FROM EXCLUDED.notes
		OR r.source_tier IS DISTINCT FROM EXCLUDED.source_tier)
RETURNING r.id, r.destination, r.partner, r.product_key, r.rule_kind, r.effective_from, (xmax = 0) AS inserted`

const tempTableName = "_tmp_upsert_rates"

var upsertColumns = []string{
	"destination", "partner", "product_key", "rule_kind", "value",
	"currency", "effective_from", "effective_to", "source_tier", "notes",
}

// Upsert writes rows in batches. See UpsertStream for the pull-based
// variant; both share the same batch pipeline.
func (s *Store) Upsert(ctx context.Context, rows []model.RateRecord, opts UpsertOptions) (UpsertResult, error) {
	i := 0
	return s.upsertBatches(ctx, func() (model.RateRecord, bool) {
		if i >= len(rows) {
			return model.RateRecord{}, false
		}
		r := rows[i]
		i++
		return r, true
	}, opts)
}

// UpsertStream consumes rows from a channel until it closes, batching
// identically to Upsert.
func (s *Store) UpsertStream(ctx context.Context, rows <-chan model.RateRecord, opts UpsertOptions) (UpsertResult, error) {
	return s.upsertBatches(ctx, func() (model.RateRecord, bool) {
		select {
		case <-ctx.Done():
			return model.RateRecord{}, false
		case r, ok := <-rows:
			return r, ok
		}
	}, opts)
}

func (s *Store) upsertBatches(ctx context.Context, next func() (model.RateRecord, bool), opts UpsertOptions) (UpsertResult, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	result := UpsertResult{DryRun: opts.DryRun}
	batch := make([]model.RateRecord, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if opts.DryRun {
			// Dry runs report the volume they would have written so
			// callers can sanity-check before committing.
			result.Inserted += len(batch)
			batch = batch[:0]
			return nil
		}
		ins, upd, err := s.upsertBatch(ctx, batch, opts)
		if err != nil {
			return err
		}
		result.Inserted += ins
		result.Updated += upd
		batch = batch[:0]
		return nil
	}

	for {
		row, ok := next()
		if !ok {
			break
		}
		normalized, err := normalizeRow(row)
		if err != nil {
			return result, err
		}
		batch = append(batch, normalized)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}
	if err := flush(); err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, eris.Wrap(err, "ratestore: upsert canceled")
	}
	return result, nil
}

// writtenRow is one row RETURNING'd by the upsert statement.
type writtenRow struct {
	id       int64
	key      naturalKey
	inserted bool
}

type naturalKey struct {
	destination   string
	partner       string
	productKey    string
	ruleKind      string
	effectiveFrom string
}

func keyOf(r model.RateRecord) naturalKey {
	return naturalKey{
		destination:   r.Destination,
		partner:       r.Partner,
		productKey:    r.ProductKey,
		ruleKind:      r.RuleKind,
		effectiveFrom: r.EffectiveFrom.Format("2006-01-02"),
	}
}

// upsertBatch performs the atomic temp-table COPY + guarded upsert for
// one batch, then appends provenance best-effort after the data commit.
func (s *Store) upsertBatch(ctx context.Context, batch []model.RateRecord, opts UpsertOptions) (inserted, updated int, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, eris.Wrap(err, "ratestore: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	createSQL := "CREATE TEMP TABLE " + tempTableName +
		" (LIKE " + ratesTable + " INCLUDING DEFAULTS) ON COMMIT DROP"
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, 0, eris.Wrap(err, "ratestore: create temp table")
	}

	copyRows := make([][]any, len(batch))
	for i, r := range batch {
		var effectiveTo any
		if r.EffectiveTo != nil {
			effectiveTo = r.EffectiveTo.Format("2006-01-02")
		}
		var currency any
		if r.Currency != "" {
			currency = r.Currency
		}
		var notes any
		if r.Notes != "" {
			notes = r.Notes
		}
		copyRows[i] = []any{
			r.Destination, r.Partner, r.ProductKey, r.RuleKind, r.Value,
			currency, r.EffectiveFrom.Format("2006-01-02"), effectiveTo,
			string(r.SourceTier), notes,
		}
	}
	if _, err := tx.CopyFrom(ctx, db.TableIdent(tempTableName), upsertColumns, pgx.CopyFromRows(copyRows)); err != nil {
		return 0, 0, eris.Wrap(err, "ratestore: COPY into temp table")
	}

	rows, err := tx.Query(ctx, upsertSQL)
	if err != nil {
		return 0, 0, eris.Wrap(err, "ratestore: upsert batch")
	}

	var written []writtenRow
	for rows.Next() {
		var w writtenRow
		var effectiveFrom time.Time
		if err := rows.Scan(&w.id, &w.key.destination, &w.key.partner, &w.key.productKey, &w.key.ruleKind, &effectiveFrom, &w.inserted); err != nil {
			rows.Close()
			return 0, 0, eris.Wrap(err, "ratestore: scan upsert result")
		}
		w.key.effectiveFrom = effectiveFrom.Format("2006-01-02")
		written = append(written, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, eris.Wrap(err, "ratestore: iterate upsert result")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, eris.Wrap(err, "ratestore: commit batch")
	}

	for _, w := range written {
		if w.inserted {
			inserted++
		} else {
			updated++
		}
	}

	// Data correctness outranks audit completeness: a provenance failure
	// is logged, never propagated.
	if opts.ImportRunID != "" && len(written) > 0 {
		if err := s.appendProvenance(ctx, batch, written, opts); err != nil {
			zap.L().Warn("ratestore: provenance append failed",
				zap.String("import_run_id", opts.ImportRunID),
				zap.Int("rows", len(written)),
				zap.Error(err),
			)
		}
	}

	return inserted, updated, nil
}

func (s *Store) appendProvenance(ctx context.Context, batch []model.RateRecord, written []writtenRow, opts UpsertOptions) error {
	byKey := make(map[naturalKey]model.RateRecord, len(batch))
	for _, r := range batch {
		byKey[keyOf(r)] = r
	}

	provRows := make([][]any, 0, len(written))
	for _, w := range written {
		r, ok := byKey[w.key]
		if !ok {
			continue
		}
		var sourceRef any
		if opts.SourceRefFor != nil {
			if ref := opts.SourceRefFor(r); ref != "" {
				sourceRef = ref
			}
		}
		var sourceHash any
		if opts.SourceHash != "" {
			sourceHash = opts.SourceHash
		}
		provRows = append(provRows, []any{
			opts.ImportRunID, "rate", w.id, sourceRef, sourceHash, provenance.RowHash(r),
		})
	}

	_, err := db.CopyInto(ctx, s.pool, provenanceTable,
		[]string{"import_run_id", "resource_type", "resource_id", "source_ref", "source_hash", "row_hash"},
		provRows,
	)
	return err
}

// normalizeRow validates and canonicalizes a row before it reaches the
// wire: destination uppercased, partner empty-string sentinel (never
// NULL), product key trimmed, value in canonical decimal form.
func normalizeRow(r model.RateRecord) (model.RateRecord, error) {
	r.Destination = strings.ToUpper(strings.TrimSpace(r.Destination))
	if r.Destination == "" {
		return r, eris.New("ratestore: row missing destination")
	}
	r.Partner = strings.ToUpper(strings.TrimSpace(r.Partner))
	r.ProductKey = strings.TrimSpace(r.ProductKey)
	r.RuleKind = strings.ToLower(strings.TrimSpace(r.RuleKind))
	if r.RuleKind == "" {
		return r, eris.Errorf("ratestore: row %s/%s missing rule kind", r.Destination, r.ProductKey)
	}
	if r.EffectiveFrom.IsZero() {
		return r, eris.Errorf("ratestore: row %s/%s/%s missing effective_from", r.Destination, r.ProductKey, r.RuleKind)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(r.Value))
	if err != nil {
		return r, eris.Wrapf(err, "ratestore: row %s/%s/%s has non-decimal value %q", r.Destination, r.ProductKey, r.RuleKind, r.Value)
	}
	r.Value = d.String()
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	if r.SourceTier == "" {
		r.SourceTier = model.TierSecondary
	}
	return r, nil
}
