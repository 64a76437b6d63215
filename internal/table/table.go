// Package table holds the in-process tabular representation that API records
// are flattened into before they are reshaped and written to a sink.
package table

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Table is a column-ordered set of rows. Every row has exactly len(Columns)
// cells; cell values are JSON scalars (string, json.Number, bool, nil) as
// decoded from the API, or normalized Go values (int64, time.Time) written
// by the reshape step.
type Table struct {
	Columns []string
	Rows    [][]any
}

// New creates an empty table with the given columns.
func New(columns ...string) *Table {
	return &Table{Columns: append([]string(nil), columns...)}
}

// FromRecords flattens JSON objects into a table. Nested objects become
// dotted column names ("empresa.nome"), columns appear in first-seen order,
// and keys missing from a record are nil in that row.
func FromRecords(records []map[string]any) *Table {
	t := &Table{}
	index := make(map[string]int)

	flat := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		row := make(map[string]any)
		flatten("", rec, row, func(col string) {
			if _, ok := index[col]; !ok {
				index[col] = len(t.Columns)
				t.Columns = append(t.Columns, col)
			}
		})
		flat = append(flat, row)
	}

	t.Rows = make([][]any, 0, len(flat))
	for _, row := range flat {
		out := make([]any, len(t.Columns))
		for col, v := range row {
			out[index[col]] = v
		}
		t.Rows = append(t.Rows, out)
	}
	return t
}

// flatten walks obj depth-first in a stable key order so that column order
// does not depend on map iteration.
func flatten(prefix string, obj map[string]any, out map[string]any, seen func(string)) {
	for _, k := range slices.Sorted(maps.Keys(obj)) {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if nested, ok := obj[k].(map[string]any); ok && len(nested) > 0 {
			flatten(name, nested, out, seen)
			continue
		}
		seen(name)
		out[name] = obj[k]
	}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Empty reports whether the table has no rows.
func (t *Table) Empty() bool { return t.Len() == 0 }

// Index returns the position of col, or -1.
func (t *Table) Index(col string) int {
	for i, c := range t.Columns {
		if c == col {
			return i
		}
	}
	return -1
}

// Has reports whether col is one of the table's columns.
func (t *Table) Has(col string) bool { return t.Index(col) >= 0 }

// Column returns a copy of the values in col, or nil when absent.
func (t *Table) Column(col string) []any {
	i := t.Index(col)
	if i < 0 {
		return nil
	}
	out := make([]any, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out
}

// Value returns the cell at (row, col).
func (t *Table) Value(row int, col string) (any, bool) {
	i := t.Index(col)
	if i < 0 || row < 0 || row >= len(t.Rows) {
		return nil, false
	}
	return t.Rows[row][i], true
}

// Set writes v into (row, col), appending the column if needed.
func (t *Table) Set(row int, col string, v any) {
	i := t.Index(col)
	if i < 0 {
		t.Columns = append(t.Columns, col)
		for r := range t.Rows {
			t.Rows[r] = append(t.Rows[r], nil)
		}
		i = len(t.Columns) - 1
	}
	t.Rows[row][i] = v
}

// Append adds a row. The row must match the column count.
func (t *Table) Append(row ...any) error {
	if len(row) != len(t.Columns) {
		return fmt.Errorf("Append: got %d values for %d columns", len(row), len(t.Columns))
	}
	t.Rows = append(t.Rows, append([]any(nil), row...))
	return nil
}

// Project returns a new table restricted to cols, in the order given.
// Names that are not columns of t are skipped.
func (t *Table) Project(cols []string) *Table {
	var idx []int
	out := &Table{}
	for _, c := range cols {
		if i := t.Index(c); i >= 0 && !out.Has(c) {
			idx = append(idx, i)
			out.Columns = append(out.Columns, c)
		}
	}
	out.Rows = make([][]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		r := make([]any, len(idx))
		for j, i := range idx {
			r[j] = row[i]
		}
		out.Rows = append(out.Rows, r)
	}
	return out
}

// Drop returns a new table without cols.
func (t *Table) Drop(cols []string) *Table {
	drop := make(map[string]bool, len(cols))
	for _, c := range cols {
		drop[c] = true
	}
	keep := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if !drop[c] {
			keep = append(keep, c)
		}
	}
	return t.Project(keep)
}

// Rename returns a copy of t with columns renamed through names.
// Columns without an entry keep their name.
func (t *Table) Rename(names map[string]string) *Table {
	out := t.Clone()
	for i, c := range out.Columns {
		if n, ok := names[c]; ok {
			out.Columns[i] = n
		}
	}
	return out
}

// Dedup returns a new table with exact-duplicate rows removed. The first
// occurrence of each row is kept, in input order.
func (t *Table) Dedup() *Table {
	out := &Table{Columns: append([]string(nil), t.Columns...)}
	seen := make(map[string]bool, len(t.Rows))
	for _, row := range t.Rows {
		k := rowKey(row)
		if seen[k] {
			continue
		}
		seen[k] = true
		out.Rows = append(out.Rows, append([]any(nil), row...))
	}
	if out.Rows == nil {
		out.Rows = [][]any{}
	}
	return out
}

// DedupBy keeps one row per value of the key columns. The last row seen for a
// key wins and takes the position of the first. Key columns that are absent
// are ignored; with no key column present it behaves like Dedup.
func (t *Table) DedupBy(key []string) *Table {
	idx := make([]int, 0, len(key))
	for _, k := range key {
		if i := t.Index(k); i >= 0 {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return t.Dedup()
	}

	out := &Table{Columns: append([]string(nil), t.Columns...), Rows: [][]any{}}
	pos := make(map[string]int, len(t.Rows))
	keyVals := make([]any, len(idx))
	for _, row := range t.Rows {
		for j, i := range idx {
			keyVals[j] = row[i]
		}
		k := rowKey(keyVals)
		if p, ok := pos[k]; ok {
			out.Rows[p] = append([]any(nil), row...)
			continue
		}
		pos[k] = len(out.Rows)
		out.Rows = append(out.Rows, append([]any(nil), row...))
	}
	return out
}

// Clone deep-copies the row slices; cell values are shared.
func (t *Table) Clone() *Table {
	out := &Table{
		Columns: append([]string(nil), t.Columns...),
		Rows:    make([][]any, len(t.Rows)),
	}
	for i, row := range t.Rows {
		out.Rows[i] = append([]any(nil), row...)
	}
	return out
}

// Records returns the rows as column→value maps.
func (t *Table) Records() []map[string]any {
	out := make([]map[string]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := make(map[string]any, len(t.Columns))
		for i, c := range t.Columns {
			rec[c] = row[i]
		}
		out = append(out, rec)
	}
	return out
}

// rowKey builds a comparison key for a row. Values are typed so that the
// string "1" and the number 1 stay distinct.
func rowKey(row []any) string {
	var b strings.Builder
	for _, v := range row {
		switch x := v.(type) {
		case nil:
			b.WriteString("n:")
		case string:
			b.WriteString("s:")
			b.WriteString(strconv.Quote(x))
		case json.Number:
			b.WriteString("d:")
			b.WriteString(x.String())
		default:
			enc, err := json.Marshal(x)
			if err != nil {
				fmt.Fprintf(&b, "v:%v", x)
			} else {
				fmt.Fprintf(&b, "%T:%s", x, enc)
			}
		}
		b.WriteByte(0x1f)
	}
	return b.String()
}
