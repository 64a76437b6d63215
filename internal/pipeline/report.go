package pipeline

import (
	"cloud.google.com/go/civil"
	"github.com/dvloznov/flowix-sync/internal/domain"
	"github.com/rs/zerolog"
)

// Status is the outcome of one step of a run.
type Status string

const (
	StatusOK          Status = "ok"
	StatusEmpty       Status = "empty"
	StatusUnavailable Status = "unavailable"
	StatusFailed      Status = "failed"
)

// StepResult describes one stores or visits step.
type StepResult struct {
	Name   string
	Day    civil.Date
	Status Status
	Rows   map[domain.Entity]int64
	Err    error
}

// Report summarizes a run.
type Report struct {
	RunID string
	Steps []StepResult
}

func (r *Report) add(res StepResult) {
	r.Steps = append(r.Steps, res)
}

// Failed reports whether any step failed.
func (r *Report) Failed() bool {
	for _, s := range r.Steps {
		if s.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Rows returns the total rows written across all steps.
func (r *Report) Rows() int64 {
	var n int64
	for _, s := range r.Steps {
		for _, v := range s.Rows {
			n += v
		}
	}
	return n
}

// Log writes one summary event per step.
func (r *Report) Log(log zerolog.Logger) {
	for _, s := range r.Steps {
		ev := log.Info()
		if s.Status == StatusFailed {
			ev = log.Error().Err(s.Err)
		}
		rows := zerolog.Dict()
		for e, n := range s.Rows {
			rows.Int64(string(e), n)
		}
		ev.Str("step", s.Name).
			Str("day", s.Day.String()).
			Str("status", string(s.Status)).
			Dict("rows", rows).
			Msg("step finished")
	}
	log.Info().Int("steps", len(r.Steps)).Int64("rows", r.Rows()).Bool("failed", r.Failed()).Msg("run finished")
}
