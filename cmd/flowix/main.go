package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/flowix-sync/internal/archive"
	"github.com/dvloznov/flowix-sync/internal/config"
	"github.com/dvloznov/flowix-sync/internal/flowix"
	infraBQ "github.com/dvloznov/flowix-sync/internal/infra/bigquery"
	"github.com/dvloznov/flowix-sync/internal/infra/sqldb"
	"github.com/dvloznov/flowix-sync/internal/logger"
	"github.com/dvloznov/flowix-sync/internal/pipeline"
	"github.com/dvloznov/flowix-sync/internal/sink"
	"github.com/google/uuid"
)

func main() {
	log := logger.New(logger.Options{})

	cmd, args := "run", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run", "stores", "visits":
		err = run(cmd, args)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("flowix sync failed")
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Flowix sync")
	fmt.Fprintln(w, "\nUsage:")
	fmt.Fprintln(w, "  flowix [command] [options]")
	fmt.Fprintln(w, "\nCommands:")
	fmt.Fprintln(w, "  run       Upsert stores, then the last N days of visits (default)")
	fmt.Fprintln(w, "  stores    Upsert stores and their lookup tables only")
	fmt.Fprintln(w, "  visits    Upsert the visits of one day (-date YYYY-MM-DD)")
	fmt.Fprintln(w, "  help      Show this help message")
	fmt.Fprintln(w, "\nRun 'flowix <command> -h' for more information on a command.")
}

type options struct {
	envFile   string
	sink      string
	days      int
	companyID int
	columns   string
	date      string
}

func parseFlags(cmd string, args []string) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.StringVar(&o.envFile, "env", ".env", "Optional .env file")
	fs.StringVar(&o.sink, "sink", "", "Sink: sql, bigquery or stdout (overrides SINK)")
	fs.IntVar(&o.companyID, "company-id", 0, "Company whose visits are pulled (overrides COMPANY_ID)")
	fs.StringVar(&o.columns, "columns", "", "Column mapping file, JSON or YAML (overrides COLUMNS_FILE)")
	if cmd == "run" {
		fs.IntVar(&o.days, "days", 0, "Days of visits to pull, counting today (overrides VISIT_DAYS)")
	}
	if cmd == "visits" {
		fs.StringVar(&o.date, "date", "", "Day to pull in YYYY-MM-DD format (default today)")
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *options) apply(cfg *config.Config) error {
	if o.sink != "" {
		cfg.Sink = o.sink
	}
	if o.days != 0 {
		cfg.VisitDays = o.days
	}
	if o.companyID != 0 {
		cfg.CompanyID = o.companyID
	}
	if o.columns != "" {
		cfg.ColumnsFile = o.columns
	}
	return cfg.Validate()
}

func run(cmd string, args []string) error {
	opts, err := parseFlags(cmd, args)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}
	if err := opts.apply(cfg); err != nil {
		return err
	}

	log := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	runID := uuid.NewString()

	// Create context with timeout so a hung API or database call cannot
	// block the schedule forever.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, 30*time.Minute)
	defer cancelTimeout()
	ctx = logger.WithRun(logger.WithContext(ctx, log), runID)

	mapping, err := config.LoadMapping(cfg.ColumnsFile)
	if err != nil {
		return err
	}

	arch, err := newArchiver(ctx, cfg, runID)
	if err != nil {
		return err
	}
	defer arch.Close()

	snk, err := newSink(ctx, cfg, runID)
	if err != nil {
		return err
	}
	defer snk.Close()

	runner := &pipeline.Runner{
		Source: flowix.NewClient(flowix.Options{
			BaseURL:     cfg.BaseURL,
			Accept:      cfg.Accept,
			ContentType: cfg.ContentType,
			APIKey:      cfg.APIKey,
			Timeout:     cfg.HTTPTimeout,
			Archiver:    arch,
		}),
		Sink:      snk,
		Mapping:   mapping,
		CompanyID: cfg.CompanyID,
		Days:      cfg.VisitDays,
		RunID:     runID,
	}

	log = logger.FromContext(ctx)
	log.Info().
		Str("command", cmd).
		Str("sink", cfg.Sink).
		Int("company_id", cfg.CompanyID).
		Msg("Starting Flowix sync")

	report := &pipeline.Report{RunID: runID}
	switch cmd {
	case "stores":
		res, runErr := runner.RunStores(ctx)
		report.Steps = append(report.Steps, res)
		err = runErr
	case "visits":
		day := civil.DateOf(time.Now())
		if opts.date != "" {
			day, err = civil.ParseDate(opts.date)
			if err != nil {
				return fmt.Errorf("invalid -date %q, expected YYYY-MM-DD: %w", opts.date, err)
			}
		}
		res, runErr := runner.RunVisits(ctx, day)
		report.Steps = append(report.Steps, res)
		err = runErr
	default:
		report, err = runner.Run(ctx)
	}

	report.Log(log)
	return err
}

type closingArchiver interface {
	flowix.Archiver
	Close() error
}

func newArchiver(ctx context.Context, cfg *config.Config, runID string) (closingArchiver, error) {
	if !cfg.Archive.Enabled() {
		return archive.Nop{}, nil
	}
	return archive.NewGCSArchiver(ctx, cfg.Archive.Bucket, cfg.Archive.Prefix, runID)
}

func newSink(ctx context.Context, cfg *config.Config, runID string) (sink.Sink, error) {
	switch cfg.Sink {
	case config.SinkStdout:
		return sink.NewStdout(os.Stdout), nil
	case config.SinkBigQuery:
		return infraBQ.NewSink(ctx, cfg.BigQuery, runID)
	}

	dialect, err := sqldb.DialectFor(cfg.DB.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sqldb.Open(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	return sqldb.NewUpserter(db, dialect, sqldb.Options{
		Schema:        cfg.DB.Schema,
		StagingSchema: cfg.DB.StagingSchema,
		RunID:         runID,
	}), nil
}
