package adapter

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// jsonRow is the wire shape for JSON feeds: an array of flat objects
// with canonical field names, no column mapping needed.
type jsonRow struct {
	Destination   string `json:"destination"`
	Partner       string `json:"partner"`
	ProductKey    string `json:"product_key"`
	RuleKind      string `json:"rule_kind"`
	Value         string `json:"value"`
	Currency      string `json:"currency"`
	EffectiveFrom string `json:"effective_from"`
	EffectiveTo   string `json:"effective_to"`
}

// ParseJSON streams a JSON array of rate objects into observations.
func ParseJSON(ctx context.Context, r io.Reader, m Mapping, sourceRef string) (Result, error) {
	log := zap.L().With(zap.String("component", "adapter.json"), zap.String("source", sourceRef))

	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err == io.EOF {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, eris.Wrap(err, "adapter: read json opening token")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return Result{}, eris.New("adapter: expected a json array of rate objects")
	}

	var res Result
	index := 0
	for dec.More() {
		if ctx.Err() != nil {
			return res, eris.Wrap(ctx.Err(), "adapter: json cancelled")
		}

		var row jsonRow
		index++
		if err := dec.Decode(&row); err != nil {
			return res, eris.Wrapf(err, "adapter: decode json element %d", index)
		}

		fields := map[string]string{
			"destination":    row.Destination,
			"partner":        row.Partner,
			"product_key":    row.ProductKey,
			"rule_kind":      row.RuleKind,
			"value":          row.Value,
			"currency":       row.Currency,
			"effective_from": row.EffectiveFrom,
			"effective_to":   row.EffectiveTo,
		}
		obs, err := buildObservation(fields, jsonMapping(m), sourceRef)
		if err != nil {
			log.Warn("skipping malformed element", zap.Int("index", index), zap.Error(err))
			res.Skipped++
			continue
		}
		res.Observations = append(res.Observations, obs)
	}
	return res, nil
}

// jsonMapping pins the column map to the wire field names while keeping
// the caller's defaults.
func jsonMapping(m Mapping) Mapping {
	m.Columns = ColumnMap{
		Destination:   "destination",
		Partner:       "partner",
		ProductKey:    "product_key",
		RuleKind:      "rule_kind",
		Value:         "value",
		Currency:      "currency",
		EffectiveFrom: "effective_from",
		EffectiveTo:   "effective_to",
	}
	return m
}
