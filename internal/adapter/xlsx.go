package adapter

import (
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
)

// ParseXLSX reads a spreadsheet source whose first row is the header.
// The sheet is chosen by Mapping.Sheet, falling back to SheetIndex.
func ParseXLSX(r io.Reader, m Mapping, sourceRef string) (Result, error) {
	log := zap.L().With(zap.String("component", "adapter.xlsx"), zap.String("source", sourceRef))

	data, err := io.ReadAll(r)
	if err != nil {
		return Result{}, eris.Wrap(err, "adapter: read xlsx")
	}
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return Result{}, eris.Wrap(err, "adapter: open xlsx")
	}

	sheet, err := pickSheet(f, m)
	if err != nil {
		return Result{}, err
	}
	if len(sheet.Rows) == 0 {
		return Result{}, nil
	}

	header := cellStrings(sheet.Rows[0])

	var res Result
	for i, row := range sheet.Rows[1:] {
		cells := cellStrings(row)
		fields := make(map[string]string, len(header))
		for j, name := range header {
			if j < len(cells) {
				fields[name] = cells[j]
			}
		}

		obs, err := buildObservation(fields, m, sourceRef)
		if err != nil {
			log.Warn("skipping malformed row", zap.Int("row", i+2), zap.Error(err))
			res.Skipped++
			continue
		}
		res.Observations = append(res.Observations, obs)
	}
	return res, nil
}

func pickSheet(f *xlsx.File, m Mapping) (*xlsx.Sheet, error) {
	if m.Sheet != "" {
		sheet, ok := f.Sheet[m.Sheet]
		if !ok {
			return nil, eris.Errorf("adapter: sheet %q not found", m.Sheet)
		}
		return sheet, nil
	}
	if m.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("adapter: sheet index %d out of range (file has %d sheets)",
			m.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[m.SheetIndex], nil
}

func cellStrings(row *xlsx.Row) []string {
	out := make([]string, len(row.Cells))
	for i, cell := range row.Cells {
		out[i] = cell.String()
	}
	return out
}
