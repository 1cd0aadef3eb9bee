package model

import (
	"encoding/json"
	"time"
)

// IdempotencyStatus is the lifecycle state of an idempotency record.
type IdempotencyStatus string

const (
	IdemPending    IdempotencyStatus = "pending"
	IdemProcessing IdempotencyStatus = "processing"
	IdemCompleted  IdempotencyStatus = "completed"
	IdemFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord is one row of the idempotency table, unique on
// (Scope, Key). Response is present iff Status is completed.
type IdempotencyRecord struct {
	Scope       string            `json:"scope"`
	Key         string            `json:"key"`
	RequestHash string            `json:"request_hash"`
	Status      IdempotencyStatus `json:"status"`
	Response    json.RawMessage   `json:"response,omitempty"`
	LockedAt    *time.Time        `json:"locked_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
