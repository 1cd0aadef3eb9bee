// Package report renders the outcome of an import run for operator
// review: a JSON conflict report on disk and, optionally, one review
// page per conflict in a Notion database.
package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tariffdesk/rates-cli/internal/reconcile"
)

// RunReport summarizes one import run.
type RunReport struct {
	RunID       string               `json:"run_id"`
	Mode        string               `json:"mode"`
	GeneratedAt time.Time            `json:"generated_at"`
	LeftSource  string               `json:"left_source,omitempty"`
	RightSource string               `json:"right_source,omitempty"`
	Inserted    int                  `json:"inserted"`
	Updated     int                  `json:"updated"`
	SkippedRows int                  `json:"skipped_rows,omitempty"`
	Conflicts   []reconcile.Conflict `json:"conflicts"`
}

// WriteJSON writes the report to dir as conflicts-<runID>.json and
// returns the file path. The directory is created if missing.
func (r *RunReport) WriteJSON(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "report: create dir %s", dir)
	}

	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "report: encode")
	}

	path := filepath.Join(dir, "conflicts-"+r.RunID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", eris.Wrapf(err, "report: write %s", path)
	}

	zap.L().Info("conflict report written",
		zap.String("path", path),
		zap.Int("conflicts", len(r.Conflicts)),
	)
	return path, nil
}
