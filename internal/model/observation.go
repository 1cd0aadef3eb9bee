package model

import (
	"fmt"
	"strings"
	"time"
)

// Observation is a single rate reading from one source during one fetch.
// It is ephemeral: observations exist only between the adapter that
// parsed them and the reconciliation pass that consumes them.
type Observation struct {
	DestinationKey string     `json:"destination_key"`
	PartnerKey     string     `json:"partner_key"`
	ProductKey     string     `json:"product_key"`
	RuleKind       string     `json:"rule_kind"`
	Value          string     `json:"value"`
	Currency       string     `json:"currency,omitempty"`
	EffectiveFrom  time.Time  `json:"effective_from"`
	EffectiveTo    *time.Time `json:"effective_to,omitempty"`
	SourceURL      string     `json:"source_url"`
	Confidence     float64    `json:"confidence,omitempty"`
}

// ObservationKey identifies which observations are comparable: two
// observations describe the same fact iff their keys are equal.
type ObservationKey struct {
	Destination string
	Partner     string
	ProductKey  string
	RuleKind    string
}

func (k ObservationKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Destination, k.Partner, k.ProductKey, k.RuleKind)
}

// Key returns the case-normalized comparability key: destination and
// partner uppercased, product key trimmed.
func (o Observation) Key() ObservationKey {
	return ObservationKey{
		Destination: strings.ToUpper(strings.TrimSpace(o.DestinationKey)),
		Partner:     strings.ToUpper(strings.TrimSpace(o.PartnerKey)),
		ProductKey:  strings.TrimSpace(o.ProductKey),
		RuleKind:    strings.ToLower(strings.TrimSpace(o.RuleKind)),
	}
}
