package adapter

import (
	"context"
	"encoding/csv"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ParseCSV reads a delimited source with a header row and maps each
// data row into an observation.
func ParseCSV(ctx context.Context, r io.Reader, m Mapping, sourceRef string) (Result, error) {
	log := zap.L().With(zap.String("component", "adapter.csv"), zap.String("source", sourceRef))

	reader := csv.NewReader(r)
	if m.Delimiter != "" {
		reader.Comma = rune(m.Delimiter[0])
	}
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, eris.Wrap(err, "adapter: read csv header")
	}

	var res Result
	line := 1
	for {
		if ctx.Err() != nil {
			return res, eris.Wrap(ctx.Err(), "adapter: csv cancelled")
		}

		record, err := reader.Read()
		if err == io.EOF {
			return res, nil
		}
		line++
		if err != nil {
			log.Warn("skipping unreadable row", zap.Int("line", line), zap.Error(err))
			res.Skipped++
			continue
		}

		fields := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				fields[name] = record[i]
			}
		}

		obs, err := buildObservation(fields, m, sourceRef)
		if err != nil {
			log.Warn("skipping malformed row", zap.Int("line", line), zap.Error(err))
			res.Skipped++
			continue
		}
		res.Observations = append(res.Observations, obs)
	}
}
