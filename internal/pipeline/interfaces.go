package pipeline

import (
	"github.com/dvloznov/flowix-sync/internal/flowix"
	"github.com/dvloznov/flowix-sync/internal/sink"
)

// Source is where raw records come from. Re-exported so callers and tests
// only need this package.
type Source = flowix.Source

// Sink is where normalized tables are written.
type Sink = sink.Sink
