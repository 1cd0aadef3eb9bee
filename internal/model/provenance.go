package model

import "time"

// ProvenanceEntry links a written rate row to the import run and source
// that produced it. Created exactly once per row actually inserted or
// changed during a run; never mutated, retained indefinitely.
type ProvenanceEntry struct {
	ID           int64     `json:"id,omitempty"`
	ImportRunID  string    `json:"import_run_id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   int64     `json:"resource_id"`
	SourceRef    string    `json:"source_ref,omitempty"`
	SourceHash   string    `json:"source_hash,omitempty"`
	RowHash      string    `json:"row_hash"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}
