// Package adapter parses raw source documents (CSV, XLSX, JSON) into
// rate observations. Adapters are tolerant: a malformed row is logged
// and skipped, never fatal, so one bad line in a 50k-row schedule does
// not sink the import.
package adapter

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/tariffdesk/rates-cli/internal/model"
)

// ColumnMap names the source columns that feed each observation field.
// Destination, Value, and EffectiveFrom are required; the rest may be
// empty when the source has no such column.
type ColumnMap struct {
	Destination   string `yaml:"destination" mapstructure:"destination"`
	Partner       string `yaml:"partner" mapstructure:"partner"`
	ProductKey    string `yaml:"product_key" mapstructure:"product_key"`
	RuleKind      string `yaml:"rule_kind" mapstructure:"rule_kind"`
	Value         string `yaml:"value" mapstructure:"value"`
	Currency      string `yaml:"currency" mapstructure:"currency"`
	EffectiveFrom string `yaml:"effective_from" mapstructure:"effective_from"`
	EffectiveTo   string `yaml:"effective_to" mapstructure:"effective_to"`
}

// Mapping describes how to read one tabular source.
type Mapping struct {
	Sheet           string    `yaml:"sheet" mapstructure:"sheet"`
	SheetIndex      int       `yaml:"sheet_index" mapstructure:"sheet_index"`
	Delimiter       string    `yaml:"delimiter" mapstructure:"delimiter"`
	Columns         ColumnMap `yaml:"columns" mapstructure:"columns"`
	DefaultRuleKind string    `yaml:"default_rule_kind" mapstructure:"default_rule_kind"`
	DefaultCurrency string    `yaml:"default_currency" mapstructure:"default_currency"`
}

// Result carries the parsed observations plus how many rows were
// dropped as malformed.
type Result struct {
	Observations []model.Observation
	Skipped      int
}

var dateLayouts = []string{"2006-01-02", time.RFC3339}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("adapter: unparseable date %q", s)
}

// buildObservation validates one raw row against the mapping defaults.
func buildObservation(fields map[string]string, m Mapping, sourceRef string) (model.Observation, error) {
	get := func(col string) string { return strings.TrimSpace(fields[col]) }

	obs := model.Observation{
		DestinationKey: get(m.Columns.Destination),
		PartnerKey:     get(m.Columns.Partner),
		ProductKey:     get(m.Columns.ProductKey),
		RuleKind:       get(m.Columns.RuleKind),
		Value:          get(m.Columns.Value),
		Currency:       strings.ToUpper(get(m.Columns.Currency)),
		SourceURL:      sourceRef,
	}
	if obs.RuleKind == "" {
		obs.RuleKind = m.DefaultRuleKind
	}
	if obs.Currency == "" {
		obs.Currency = strings.ToUpper(m.DefaultCurrency)
	}

	if obs.DestinationKey == "" {
		return model.Observation{}, eris.New("adapter: missing destination")
	}
	if obs.RuleKind == "" {
		return model.Observation{}, eris.New("adapter: missing rule kind")
	}
	if _, err := decimal.NewFromString(obs.Value); err != nil {
		return model.Observation{}, eris.Errorf("adapter: non-decimal value %q", obs.Value)
	}
	if obs.Currency != "" {
		if _, err := currency.ParseISO(obs.Currency); err != nil {
			return model.Observation{}, eris.Errorf("adapter: unknown currency %q", obs.Currency)
		}
	}

	from, err := parseDate(get(m.Columns.EffectiveFrom))
	if err != nil {
		return model.Observation{}, err
	}
	obs.EffectiveFrom = from

	if raw := get(m.Columns.EffectiveTo); raw != "" {
		to, err := parseDate(raw)
		if err != nil {
			return model.Observation{}, err
		}
		if !to.After(from) {
			return model.Observation{}, eris.Errorf("adapter: effective_to %s not after effective_from %s",
				to.Format("2006-01-02"), from.Format("2006-01-02"))
		}
		obs.EffectiveTo = &to
	}

	return obs, nil
}
