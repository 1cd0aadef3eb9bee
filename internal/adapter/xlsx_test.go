package adapter

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func writeSheet(t *testing.T, name string, rows [][]string) *bytes.Buffer {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(name)
	require.NoError(t, err)
	for _, row := range rows {
		r := sheet.AddRow()
		for _, cell := range row {
			r.AddCell().SetString(cell)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return &buf
}

func TestParseXLSX(t *testing.T) {
	buf := writeSheet(t, "Duties", [][]string{
		{"dest", "partner", "hs6", "kind", "rate", "ccy", "from", "to"},
		{"NL", "US", "850440", "mfn", "3.7", "EUR", "2026-01-01", ""},
		{"NL", "US", "850440", "mfn", "bad", "EUR", "2026-01-01", ""},
	})

	m := dutyMapping()
	m.Sheet = "Duties"
	res, err := ParseXLSX(buf, m, "schedule.xlsx")
	require.NoError(t, err)
	require.Len(t, res.Observations, 1)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, "850440", res.Observations[0].ProductKey)
}

func TestParseXLSX_SheetSelection(t *testing.T) {
	buf := writeSheet(t, "Sheet1", [][]string{{"dest"}})

	m := dutyMapping()
	m.Sheet = "MissingSheet"
	_, err := ParseXLSX(bytes.NewReader(buf.Bytes()), m, "src")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	m = dutyMapping()
	m.SheetIndex = 3
	_, err = ParseXLSX(bytes.NewReader(buf.Bytes()), m, "src")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestParseXLSX_EmptySheet(t *testing.T) {
	buf := writeSheet(t, "Empty", nil)
	res, err := ParseXLSX(buf, dutyMapping(), "src")
	require.NoError(t, err)
	assert.Empty(t, res.Observations)
}
