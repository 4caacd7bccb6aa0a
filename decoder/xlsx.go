package decoder

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// decodeXLSX converts every sheet into serialized rows. Per sheet: all-blank
// rows and all-blank columns are dropped, duplicate rows are dropped, the
// first remaining row is the header, and each data row becomes
// "col1: val1, col2: val2, ..." skipping empty / nan / None cells.
func decodeXLSX(data []byte) (*Document, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var out []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		out = append(out, NormalizeTable(rows)...)
	}

	return &Document{Kind: KindTabular, Rows: out}, nil
}

// NormalizeTable applies the tabular normalization to a raw cell grid and
// returns one serialized string per data row.
func NormalizeTable(rows [][]string) []string {
	rows = dropBlankRows(rows)
	if len(rows) == 0 {
		return nil
	}
	rows = dropBlankColumns(rows)
	rows = dropDuplicateRows(rows)
	if len(rows) < 2 {
		return nil
	}

	header := rows[0]
	out := make([]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if s := SerializeRow(header, row); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SerializeRow renders one data row against its header, skipping cells
// whose header or value is blank, "nan", or "None".
func SerializeRow(header, row []string) string {
	var b strings.Builder
	for i, col := range header {
		if blankCell(col) {
			continue
		}
		var val string
		if i < len(row) {
			val = strings.TrimSpace(row[i])
		}
		if blankCell(val) {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strings.TrimSpace(col))
		b.WriteString(": ")
		b.WriteString(val)
	}
	return b.String()
}

// ParseRow inverts SerializeRow for values free of the separator sequences.
func ParseRow(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ", ") {
		col, val, ok := strings.Cut(pair, ": ")
		if !ok {
			continue
		}
		out[col] = val
	}
	return out
}

func blankCell(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || strings.EqualFold(v, "nan") || v == "None"
}

func dropBlankRows(rows [][]string) [][]string {
	out := rows[:0:0]
	for _, row := range rows {
		blank := true
		for _, c := range row {
			if strings.TrimSpace(c) != "" {
				blank = false
				break
			}
		}
		if !blank {
			out = append(out, row)
		}
	}
	return out
}

func dropBlankColumns(rows [][]string) [][]string {
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}

	keep := make([]bool, width)
	for _, row := range rows {
		for i, c := range row {
			if strings.TrimSpace(c) != "" {
				keep[i] = true
			}
		}
	}

	out := make([][]string, len(rows))
	for r, row := range rows {
		var slim []string
		for i := 0; i < width; i++ {
			if !keep[i] {
				continue
			}
			if i < len(row) {
				slim = append(slim, row[i])
			} else {
				slim = append(slim, "")
			}
		}
		out[r] = slim
	}
	return out
}

func dropDuplicateRows(rows [][]string) [][]string {
	seen := make(map[string]bool, len(rows))
	out := rows[:0:0]
	for _, row := range rows {
		key := strings.Join(row, "\x1f")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, row)
	}
	return out
}
