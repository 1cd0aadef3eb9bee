package ratestore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tariffdesk/rates-cli/internal/model"
)

var (
	from2026 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return New(mock), mock
}

func rate(dest, partner, product, kind, value string, tier model.SourceTier) model.RateRecord {
	return model.RateRecord{
		Destination:   dest,
		Partner:       partner,
		ProductKey:    product,
		RuleKind:      kind,
		Value:         value,
		EffectiveFrom: from2026,
		SourceTier:    tier,
	}
}

// expectBatch wires the Begin/temp-table/COPY/upsert/Commit sequence for
// one batch, returning the given RETURNING rows.
func expectBatch(mock pgxmock.PgxPoolIface, returning *pgxmock.Rows) {
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{tempTableName}, upsertColumns).WillReturnResult(1)
	mock.ExpectQuery(`INSERT INTO rate_data.rates`).WillReturnRows(returning)
	mock.ExpectCommit()
}

func returningRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "destination", "partner", "product_key", "rule_kind", "effective_from", "inserted"})
}

func TestUpsert_InsertCounted(t *testing.T) {
	s, mock := newMockStore(t)

	expectBatch(mock, returningRows().AddRow(int64(1), "NL", "US", "850440", "mfn", from2026, true))

	res, err := s.Upsert(context.Background(), []model.RateRecord{
		rate("nl", "us", "850440", "MFN", "3.700", model.TierOfficial),
	}, UpsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 0, res.Updated)
	assert.False(t, res.DryRun)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_GuardedRowCountsAsNeither(t *testing.T) {
	s, mock := newMockStore(t)

	// A secondary-tier write against an existing official row is
	// filtered out by the DO UPDATE WHERE clause: nothing comes back.
	expectBatch(mock, returningRows())

	res, err := s.Upsert(context.Background(), []model.RateRecord{
		rate("NL", "US", "850440", "mfn", "5.000", model.TierSecondary),
	}, UpsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 0, res.Updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_UpdateCounted(t *testing.T) {
	s, mock := newMockStore(t)

	expectBatch(mock, returningRows().AddRow(int64(7), "NL", "US", "850440", "mfn", from2026, false))

	res, err := s.Upsert(context.Background(), []model.RateRecord{
		rate("NL", "US", "850440", "mfn", "4.200", model.TierOfficial),
	}, UpsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_BatchesSplitAndSum(t *testing.T) {
	s, mock := newMockStore(t)

	expectBatch(mock, returningRows().AddRow(int64(1), "NL", "", "850440", "mfn", from2026, true))
	expectBatch(mock, returningRows().AddRow(int64(2), "DE", "", "850440", "mfn", from2026, false))

	res, err := s.Upsert(context.Background(), []model.RateRecord{
		rate("NL", "", "850440", "mfn", "3.7", model.TierOfficial),
		rate("DE", "", "850440", "mfn", "2.7", model.TierOfficial),
	}, UpsertOptions{BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_DryRunIssuesNoWrites(t *testing.T) {
	s, mock := newMockStore(t)

	res, err := s.Upsert(context.Background(), []model.RateRecord{
		rate("NL", "US", "850440", "mfn", "3.7", model.TierOfficial),
		rate("DE", "", "870323", "mfn", "10.0", model.TierSecondary),
	}, UpsertOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 0, res.Updated)
	assert.NoError(t, mock.ExpectationsWereMet()) // nothing touched the pool
}

func TestUpsert_ValidationErrors(t *testing.T) {
	s, _ := newMockStore(t)

	tests := []struct {
		name string
		row  model.RateRecord
		want string
	}{
		{"missing destination", rate("", "", "850440", "mfn", "3.7", model.TierOfficial), "missing destination"},
		{"missing rule kind", rate("NL", "", "850440", "", "3.7", model.TierOfficial), "missing rule kind"},
		{"bad value", rate("NL", "", "850440", "mfn", "three point seven", model.TierOfficial), "non-decimal value"},
		{"missing effective date", model.RateRecord{Destination: "NL", RuleKind: "mfn", Value: "3.7"}, "missing effective_from"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Upsert(context.Background(), []model.RateRecord{tt.row}, UpsertOptions{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUpsert_AppendsProvenance(t *testing.T) {
	s, mock := newMockStore(t)

	expectBatch(mock, returningRows().AddRow(int64(11), "NL", "US", "850440", "mfn", from2026, true))
	mock.ExpectCopyFrom(pgx.Identifier{"rate_data", "rate_provenance"},
		[]string{"import_run_id", "resource_type", "resource_id", "source_ref", "source_hash", "row_hash"}).
		WillReturnResult(1)

	res, err := s.Upsert(context.Background(), []model.RateRecord{
		rate("NL", "US", "850440", "mfn", "3.7", model.TierOfficial),
	}, UpsertOptions{
		ImportRunID:  "run-1",
		SourceHash:   "abc123",
		SourceRefFor: func(model.RateRecord) string { return "https://hts.usitc.gov/current" },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_ProvenanceFailureIsNonFatal(t *testing.T) {
	s, mock := newMockStore(t)

	expectBatch(mock, returningRows().AddRow(int64(11), "NL", "US", "850440", "mfn", from2026, true))
	mock.ExpectCopyFrom(pgx.Identifier{"rate_data", "rate_provenance"},
		[]string{"import_run_id", "resource_type", "resource_id", "source_ref", "source_hash", "row_hash"}).
		WillReturnError(fmt.Errorf("disk full"))

	res, err := s.Upsert(context.Background(), []model.RateRecord{
		rate("NL", "US", "850440", "mfn", "3.7", model.TierOfficial),
	}, UpsertOptions{ImportRunID: "run-1"})
	require.NoError(t, err) // data write stands
	assert.Equal(t, 1, res.Inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_DataFailureAbortsBatch(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{tempTableName}, upsertColumns).WillReturnResult(1)
	mock.ExpectQuery(`INSERT INTO rate_data.rates`).WillReturnError(fmt.Errorf("deadlock detected"))
	mock.ExpectRollback()

	_, err := s.Upsert(context.Background(), []model.RateRecord{
		rate("NL", "US", "850440", "mfn", "3.7", model.TierOfficial),
	}, UpsertOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert batch")
}

func TestUpsertStream(t *testing.T) {
	s, mock := newMockStore(t)

	expectBatch(mock, returningRows().
		AddRow(int64(1), "NL", "", "850440", "mfn", from2026, true).
		AddRow(int64(2), "DE", "", "850440", "mfn", from2026, true))

	ch := make(chan model.RateRecord, 2)
	ch <- rate("NL", "", "850440", "mfn", "3.7", model.TierOfficial)
	ch <- rate("DE", "", "850440", "mfn", "2.7", model.TierOfficial)
	close(ch)

	res, err := s.UpsertStream(context.Background(), ch, UpsertOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNormalizeRow(t *testing.T) {
	r, err := normalizeRow(model.RateRecord{
		Destination:   " nl ",
		Partner:       "us",
		ProductKey:    " 850440 ",
		RuleKind:      "MFN",
		Value:         "3.700",
		Currency:      "eur",
		EffectiveFrom: from2026,
	})
	require.NoError(t, err)
	assert.Equal(t, "NL", r.Destination)
	assert.Equal(t, "US", r.Partner)
	assert.Equal(t, "850440", r.ProductKey)
	assert.Equal(t, "mfn", r.RuleKind)
	assert.Equal(t, "3.7", r.Value)
	assert.Equal(t, "EUR", r.Currency)
	assert.Equal(t, model.TierSecondary, r.SourceTier) // default tier
}
