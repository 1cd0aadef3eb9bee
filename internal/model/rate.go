// Package model defines the canonical domain types shared across the
// rate ingestion and lookup pipeline.
package model

import "time"

// SourceTier ranks how much trust a persisted rate carries.
// Writes from a lower tier must never silently replace a higher one.
type SourceTier string

const (
	TierOfficial  SourceTier = "official"
	TierSecondary SourceTier = "secondary"
	TierDerived   SourceTier = "derived"
)

// Rank returns the precedence of a tier; higher wins.
func (t SourceTier) Rank() int {
	switch t {
	case TierOfficial:
		return 3
	case TierSecondary:
		return 2
	case TierDerived:
		return 1
	default:
		return 0
	}
}

// RateRecord is a canonical, effective-dated rate fact.
//
// The natural key is (Destination, Partner, ProductKey, RuleKind,
// EffectiveFrom). Partner and ProductKey use an empty-string sentinel
// rather than NULL so the key stays unique in Postgres: "" partner means
// most-favored-nation (no partner), "" product key means a program-level
// row not tied to a classification code.
type RateRecord struct {
	ID            int64      `json:"id,omitempty"`
	Destination   string     `json:"destination"`
	Partner       string     `json:"partner"`
	ProductKey    string     `json:"product_key"`
	RuleKind      string     `json:"rule_kind"`
	Value         string     `json:"value"` // decimal string; unit depends on RuleKind
	Currency      string     `json:"currency,omitempty"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"` // exclusive; nil = open-ended
	SourceTier    SourceTier `json:"source_tier"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"created_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at,omitempty"`
}
