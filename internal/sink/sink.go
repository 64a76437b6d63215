// Package sink defines where normalized tables are written.
package sink

import (
	"context"
	"encoding/json"

	"github.com/dvloznov/flowix-sync/internal/table"
)

// Sink upserts whole tables keyed by their primary key columns.
// Implementations must treat an empty table as a no-op.
type Sink interface {
	// Upsert writes t into the permanent table name. Rows whose key already
	// exists overwrite every non-key column. It returns the rows written.
	Upsert(ctx context.Context, name string, t *table.Table, key []string) (int64, error)

	Close() error
}

// Value converts a table cell into a driver-friendly value. Integral JSON
// numbers become int64, other numbers float64; arrays and objects are
// stored as their JSON text.
func Value(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any, map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil
		}
		return string(b)
	case int:
		return int64(x)
	}
	return v
}
