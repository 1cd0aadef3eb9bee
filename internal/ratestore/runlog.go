package ratestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/tariffdesk/rates-cli/internal/db"
)

// RunEntry is one row of rate_data.import_runs.
type RunEntry struct {
	ID           string         `json:"id"`
	Mode         string         `json:"mode"`
	LeftSource   string         `json:"left_source,omitempty"`
	RightSource  string         `json:"right_source,omitempty"`
	Status       string         `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	RowsInserted int64          `json:"rows_inserted"`
	RowsUpdated  int64          `json:"rows_updated"`
	Conflicts    int            `json:"conflicts"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RunResult holds the outcome of an import run, passed to Complete.
type RunResult struct {
	Inserted  int            `json:"inserted"`
	Updated   int            `json:"updated"`
	Conflicts int            `json:"conflicts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RunLog provides read/write access to the import run history. Every
// provenance entry points back at one of its run ids.
type RunLog struct {
	pool db.Pool
}

// NewRunLog creates a RunLog backed by the given pool.
func NewRunLog(pool db.Pool) *RunLog {
	return &RunLog{pool: pool}
}

// Start records the beginning of an import run and returns its id.
func (l *RunLog) Start(ctx context.Context, mode, leftSource, rightSource string) (string, error) {
	id := uuid.New().String()
	_, err := l.pool.Exec(ctx,
		`INSERT INTO rate_data.import_runs (id, mode, left_source, right_source, status, started_at)
		 VALUES ($1, $2, $3, $4, 'running', now())`,
		id, mode, leftSource, rightSource,
	)
	if err != nil {
		return "", eris.Wrap(err, "runlog: start import run")
	}
	return id, nil
}

// Complete marks a run as successfully finished with its write counts.
func (l *RunLog) Complete(ctx context.Context, runID string, result *RunResult) error {
	var metaJSON []byte
	if result != nil && result.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(result.Metadata)
		if err != nil {
			return eris.Wrap(err, "runlog: marshal metadata")
		}
	}

	var inserted, updated, conflicts int
	if result != nil {
		inserted, updated, conflicts = result.Inserted, result.Updated, result.Conflicts
	}

	_, err := l.pool.Exec(ctx,
		`UPDATE rate_data.import_runs
		 SET status = 'complete', completed_at = now(),
		     rows_inserted = $1, rows_updated = $2, conflicts = $3, metadata = $4
		 WHERE id = $5`,
		inserted, updated, conflicts, metaJSON, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: complete run %s", runID)
	}
	return nil
}

// Fail marks a run as failed with an error message.
func (l *RunLog) Fail(ctx context.Context, runID string, errMsg string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE rate_data.import_runs
		 SET status = 'failed', completed_at = now(), error = $1
		 WHERE id = $2`,
		errMsg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: fail run %s", runID)
	}
	return nil
}

// List returns recent runs, most recent first.
func (l *RunLog) List(ctx context.Context, limit int) ([]RunEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx,
		`SELECT id, mode, left_source, right_source, status, started_at, completed_at,
		        rows_inserted, rows_updated, conflicts, error, metadata
		 FROM rate_data.import_runs
		 ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list runs")
	}
	defer rows.Close()

	var entries []RunEntry
	for rows.Next() {
		var e RunEntry
		var leftSource, rightSource, errStr *string
		var completedAt *time.Time
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.Mode, &leftSource, &rightSource, &e.Status,
			&e.StartedAt, &completedAt, &e.RowsInserted, &e.RowsUpdated,
			&e.Conflicts, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "runlog: scan run entry")
		}
		if leftSource != nil {
			e.LeftSource = *leftSource
		}
		if rightSource != nil {
			e.RightSource = *rightSource
		}
		e.CompletedAt = completedAt
		if errStr != nil {
			e.Error = *errStr
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
