package pipeline

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/flowix-sync/internal/config"
	"github.com/dvloznov/flowix-sync/internal/domain"
	"github.com/dvloznov/flowix-sync/internal/flowix"
	"github.com/dvloznov/flowix-sync/internal/logger"
	"github.com/dvloznov/flowix-sync/internal/reshape"
	"github.com/dvloznov/flowix-sync/internal/table"
)

// PipelineStep represents a single step of a fetch-reshape-upsert pipeline.
type PipelineStep interface {
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	Day       civil.Date
	CompanyID int

	Raw    *table.Table
	Tables reshape.Tables
	// Order is the write order of Tables.
	Order []domain.Entity

	Written map[domain.Entity]int64
	// Status is set by a step that ends the pipeline early (empty or
	// unavailable); the pipeline then stops without error.
	Status Status
}

// Stopped reports whether a step ended the pipeline early.
func (s *PipelineState) Stopped() bool {
	return s.Status == StatusEmpty || s.Status == StatusUnavailable
}

// Step 1 (stores): FetchStoresStep pulls the unit listing.
type FetchStoresStep struct {
	Source Source
}

func (s *FetchStoresStep) Execute(ctx context.Context, state *PipelineState) error {
	raw, err := s.Source.FetchStores(ctx)
	return handleFetch(ctx, state, raw, err)
}

// Step 1 (visits): FetchVisitsStep pulls one day of visits.
type FetchVisitsStep struct {
	Source Source
}

func (s *FetchVisitsStep) Execute(ctx context.Context, state *PipelineState) error {
	raw, err := s.Source.FetchVisits(ctx, state.Day, state.CompanyID)
	return handleFetch(ctx, state, raw, err)
}

// handleFetch turns the fetch result into state: unavailable and empty
// answers stop the pipeline, anything else unexpected fails it.
func handleFetch(ctx context.Context, state *PipelineState, raw *table.Table, err error) error {
	log := logger.FromContext(ctx)
	if errors.Is(err, flowix.ErrUnavailable) {
		log.Warn().Err(err).Msg("no data available, skipping")
		state.Status = StatusUnavailable
		return nil
	}
	if err != nil {
		return err
	}
	if raw.Empty() {
		log.Info().Msg("no records returned, skipping")
		state.Status = StatusEmpty
		return nil
	}
	log.Debug().Int("records", raw.Len()).Msg("records fetched")
	state.Raw = raw
	return nil
}

// Step 2 (stores): ReshapeStoresStep splits units into lookups and stores.
type ReshapeStoresStep struct {
	Mapping *config.Mapping
}

func (s *ReshapeStoresStep) Execute(ctx context.Context, state *PipelineState) error {
	tables, err := reshape.Stores(state.Raw, s.Mapping)
	if err != nil {
		return err
	}
	state.Tables = tables
	state.Order = domain.StoreTables
	return nil
}

// Step 2 (visits): ReshapeVisitsStep normalizes one day of visits.
type ReshapeVisitsStep struct {
	Mapping *config.Mapping
}

func (s *ReshapeVisitsStep) Execute(ctx context.Context, state *PipelineState) error {
	t, err := reshape.Visits(state.Raw, s.Mapping)
	if err != nil {
		return err
	}
	state.Tables = reshape.Tables{domain.Visits: t}
	state.Order = []domain.Entity{domain.Visits}
	return nil
}

// Step 3: UpsertTablesStep writes the tables in state.Order. The first
// failing table stops the step; tables already written stay written.
type UpsertTablesStep struct {
	Sink    Sink
	Mapping *config.Mapping
}

func (s *UpsertTablesStep) Execute(ctx context.Context, state *PipelineState) error {
	if state.Written == nil {
		state.Written = make(map[domain.Entity]int64, len(state.Order))
	}
	log := logger.FromContext(ctx)

	for _, e := range state.Order {
		t := state.Tables[e]
		n, err := s.Sink.Upsert(ctx, string(e), t, s.Mapping.PrimaryKey(e))
		if err != nil {
			return fmt.Errorf("upserting %s: %w", e, err)
		}
		state.Written[e] = n
		log.Info().Str("table", string(e)).Int64("rows", n).Msg("table upserted")
	}
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs the steps sequentially until one fails or stops the run.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
		if state.Stopped() {
			return nil
		}
	}
	return nil
}

// NewStoresPipeline creates the fetch-reshape-upsert pipeline for units.
func NewStoresPipeline(src Source, snk Sink, m *config.Mapping) *Pipeline {
	return NewPipeline(
		&FetchStoresStep{Source: src},
		&ReshapeStoresStep{Mapping: m},
		&UpsertTablesStep{Sink: snk, Mapping: m},
	)
}

// NewVisitsPipeline creates the fetch-reshape-upsert pipeline for one day
// of visits.
func NewVisitsPipeline(src Source, snk Sink, m *config.Mapping) *Pipeline {
	return NewPipeline(
		&FetchVisitsStep{Source: src},
		&ReshapeVisitsStep{Mapping: m},
		&UpsertTablesStep{Sink: snk, Mapping: m},
	)
}
