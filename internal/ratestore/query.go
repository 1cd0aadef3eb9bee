package ratestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/tariffdesk/rates-cli/internal/model"
)

// RateFilter selects rate rows for the effective-dated read path. AsOf
// picks the rows whose [effective_from, effective_to) window covers it;
// zero means "today".
type RateFilter struct {
	Destination string
	Partner     string
	ProductKey  string
	RuleKind    string
	AsOf        time.Time
	Limit       int
}

// CurrentRates returns the rows effective at the filter's AsOf date.
func (s *Store) CurrentRates(ctx context.Context, f RateFilter) ([]model.RateRecord, error) {
	if strings.TrimSpace(f.Destination) == "" {
		return nil, eris.New("ratestore: rate lookup requires a destination")
	}
	asOf := f.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	query := `SELECT id, destination, partner, product_key, rule_kind, value::text, currency,
		effective_from, effective_to, source_tier, notes, created_at, updated_at
		FROM rate_data.rates
		WHERE destination = $1 AND partner = $2
		AND effective_from <= $3 AND (effective_to IS NULL OR effective_to > $3)`
	args := []any{
		strings.ToUpper(strings.TrimSpace(f.Destination)),
		strings.ToUpper(strings.TrimSpace(f.Partner)),
		asOf.Format("2006-01-02"),
	}
	argIdx := 4

	if f.ProductKey != "" {
		query += fmt.Sprintf(` AND product_key = $%d`, argIdx)
		args = append(args, strings.TrimSpace(f.ProductKey))
		argIdx++
	}
	if f.RuleKind != "" {
		query += fmt.Sprintf(` AND rule_kind = $%d`, argIdx)
		args = append(args, strings.ToLower(strings.TrimSpace(f.RuleKind)))
		argIdx++
	}
	query += ` ORDER BY rule_kind, product_key, effective_from DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "ratestore: query current rates")
	}
	defer rows.Close()

	var out []model.RateRecord
	for rows.Next() {
		var r model.RateRecord
		var currency, notes *string
		var effectiveTo *time.Time
		if err := rows.Scan(&r.ID, &r.Destination, &r.Partner, &r.ProductKey, &r.RuleKind,
			&r.Value, &currency, &r.EffectiveFrom, &effectiveTo, &r.SourceTier,
			&notes, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "ratestore: scan rate row")
		}
		if currency != nil {
			r.Currency = *currency
		}
		if notes != nil {
			r.Notes = *notes
		}
		r.EffectiveTo = effectiveTo
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "ratestore: iterate rate rows")
}

// ProvenanceForRate returns the audit trail of a rate row: which runs
// wrote it, from what source, with what content hash.
func (s *Store) ProvenanceForRate(ctx context.Context, rateID int64) ([]model.ProvenanceEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, import_run_id, resource_type, resource_id, source_ref, source_hash, row_hash, created_at
		 FROM rate_data.rate_provenance
		 WHERE resource_id = $1
		 ORDER BY created_at DESC`,
		rateID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "ratestore: query provenance for rate %d", rateID)
	}
	defer rows.Close()

	var out []model.ProvenanceEntry
	for rows.Next() {
		var e model.ProvenanceEntry
		var sourceRef, sourceHash *string
		if err := rows.Scan(&e.ID, &e.ImportRunID, &e.ResourceType, &e.ResourceID,
			&sourceRef, &sourceHash, &e.RowHash, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "ratestore: scan provenance row")
		}
		if sourceRef != nil {
			e.SourceRef = *sourceRef
		}
		if sourceHash != nil {
			e.SourceHash = *sourceHash
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "ratestore: iterate provenance rows")
}
