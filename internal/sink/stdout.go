package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dvloznov/flowix-sync/internal/table"
)

// Stdout writes each row as one JSON line instead of touching a database.
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a preview sink writing to w (os.Stdout when nil).
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

type line struct {
	Table string         `json:"table"`
	Key   []string       `json:"key,omitempty"`
	Row   map[string]any `json:"row"`
}

// Upsert implements Sink.
func (s *Stdout) Upsert(ctx context.Context, name string, t *table.Table, key []string) (int64, error) {
	if t.Empty() {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, rec := range t.Records() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		for k, v := range rec {
			rec[k] = Value(v)
		}
		if err := s.enc.Encode(line{Table: name, Key: key, Row: rec}); err != nil {
			return n, fmt.Errorf("Stdout.Upsert %s: %w", name, err)
		}
		n++
	}
	return n, nil
}

// Close implements Sink.
func (s *Stdout) Close() error { return nil }
