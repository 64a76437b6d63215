package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/flowix-sync/internal/config"
	"github.com/dvloznov/flowix-sync/internal/domain"
	"github.com/dvloznov/flowix-sync/internal/logger"
)

// Runner runs the stores step followed by one visits step per day.
type Runner struct {
	Source    Source
	Sink      Sink
	Mapping   *config.Mapping
	CompanyID int
	Days      int
	RunID     string
	Now       func() time.Time
}

// Run pulls and upserts the stores, then the visits of the last Days days
// (today first). A stores failure other than "no data" aborts the run; a
// failing visits day is recorded and the remaining days still run. The
// returned error joins every failure.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: r.RunID}

	res, err := r.RunStores(ctx)
	report.add(res)
	if err != nil {
		return report, err
	}

	var errs []error
	for _, day := range r.VisitDays() {
		res, err := r.RunVisits(ctx, day)
		report.add(res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}

// VisitDays returns today and the Days-1 days before it.
func (r *Runner) VisitDays() []civil.Date {
	n := r.Days
	if n <= 0 {
		n = DefaultVisitDays
	}
	today := civil.DateOf(r.now())
	days := make([]civil.Date, n)
	for i := range days {
		days[i] = today.AddDays(-i)
	}
	return days
}

// RunStores runs the stores pipeline once.
func (r *Runner) RunStores(ctx context.Context) (StepResult, error) {
	ctx = r.stepContext(ctx, StepStores, nil)
	state := &PipelineState{Day: civil.DateOf(r.now())}

	err := NewStoresPipeline(r.Source, r.Sink, r.Mapping).Execute(ctx, state)
	return r.result(ctx, StepStores, state, err)
}

// RunVisits runs the visits pipeline for one day.
func (r *Runner) RunVisits(ctx context.Context, day civil.Date) (StepResult, error) {
	ctx = r.stepContext(ctx, StepVisits, &day)
	state := &PipelineState{Day: day, CompanyID: r.companyID()}

	err := NewVisitsPipeline(r.Source, r.Sink, r.Mapping).Execute(ctx, state)
	return r.result(ctx, StepVisits, state, err)
}

func (r *Runner) result(ctx context.Context, name string, state *PipelineState, err error) (StepResult, error) {
	res := StepResult{Name: name, Day: state.Day, Status: StatusOK, Rows: state.Written}
	if state.Stopped() {
		res.Status = state.Status
	}
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("step failed")
		return res, fmt.Errorf("%s %s: %w", name, state.Day, err)
	}
	return res, nil
}

func (r *Runner) stepContext(ctx context.Context, step string, day *civil.Date) context.Context {
	l := logger.FromContext(ctx).With().Str("step", step)
	if day != nil {
		l = l.Str("day", day.String()).Int("company_id", r.companyID())
	}
	return logger.WithContext(ctx, l.Logger())
}

func (r *Runner) companyID() int {
	if r.CompanyID == 0 {
		return domain.DefaultCompanyID
	}
	return r.CompanyID
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
