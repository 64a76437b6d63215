// Package bigquery is the warehouse sink: tables are loaded into a staging
// dataset and merged into the permanent dataset with one MERGE job each.
package bigquery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/flowix-sync/internal/config"
	"github.com/dvloznov/flowix-sync/internal/logger"
	"github.com/dvloznov/flowix-sync/internal/sink"
	"github.com/dvloznov/flowix-sync/internal/table"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

// Sink is the BigQuery implementation of sink.Sink.
type Sink struct {
	client         *bigquery.Client
	projectID      string
	datasetID      string
	stagingDataset string
	runID          string
}

// NewSink creates a BigQuery client for cfg. runID makes staging table names
// unique; one is generated when empty.
func NewSink(ctx context.Context, cfg config.BigQueryConfig, runID string) (*Sink, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewSink: creating client: %w", err)
	}

	if runID == "" {
		runID = uuid.NewString()
	}
	runID = strings.ReplaceAll(runID, "-", "")
	if len(runID) > 12 {
		runID = runID[:12]
	}
	return &Sink{
		client:         client,
		projectID:      cfg.ProjectID,
		datasetID:      cfg.Dataset,
		stagingDataset: cfg.StagingDataset,
		runID:          runID,
	}, nil
}

// Close closes the BigQuery client connection.
func (s *Sink) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Upsert loads t into <staging_dataset>.temp_<name>_<run> (truncating it),
// merges it into <dataset>.<name> on key, then deletes the staging table.
func (s *Sink) Upsert(ctx context.Context, name string, t *table.Table, key []string) (int64, error) {
	if t.Empty() {
		return 0, nil
	}
	log := logger.FromContext(ctx)

	perm := s.client.Dataset(s.datasetID).Table(name)
	md, err := perm.Metadata(ctx)
	if err != nil {
		return 0, fmt.Errorf("Upsert %s: reading table metadata: %w", name, err)
	}

	schema, err := stagingSchema(md.Schema, t.Columns)
	if err != nil {
		return 0, fmt.Errorf("Upsert %s: %w", name, err)
	}

	body, err := encodeNDJSON(t, schema)
	if err != nil {
		return 0, fmt.Errorf("Upsert %s: encoding rows: %w", name, err)
	}

	stagingName := "temp_" + name + "_" + s.runID
	staging := s.client.Dataset(s.stagingDataset).Table(stagingName)
	defer func() {
		if err := staging.Delete(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("table", stagingName).Msg("deleting staging table failed")
		}
	}()

	src := bigquery.NewReaderSource(bytes.NewReader(body))
	src.SourceFormat = bigquery.JSON
	src.Schema = schema

	loader := staging.LoaderFrom(src)
	loader.WriteDisposition = bigquery.WriteTruncate
	loader.CreateDisposition = bigquery.CreateIfNeeded

	if err := runJob(ctx, loader.Run); err != nil {
		return 0, fmt.Errorf("Upsert %s: loading staging table: %w", name, err)
	}

	q := s.client.Query(MergeSQL(
		fmt.Sprintf("%s.%s.%s", s.projectID, s.datasetID, name),
		fmt.Sprintf("%s.%s.%s", s.projectID, s.stagingDataset, stagingName),
		t.Columns, key,
	))
	if err := runJob(ctx, q.Run); err != nil {
		return 0, fmt.Errorf("Upsert %s: merge: %w", name, err)
	}

	log.Debug().Str("table", name).Int("rows", t.Len()).Msg("table merged")
	return int64(t.Len()), nil
}

func runJob(ctx context.Context, run func(context.Context) (*bigquery.Job, error)) error {
	job, err := run(ctx)
	if err != nil {
		return fmt.Errorf("run job: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job failed: %w", err)
	}
	return nil
}

// MergeSQL renders the MERGE statement from staging into perm. Table names
// are fully qualified project.dataset.table paths.
func MergeSQL(perm, staging string, cols, key []string) string {
	isKey := make(map[string]bool, len(key))
	on := make([]string, len(key))
	for i, k := range key {
		isKey[k] = true
		on[i] = fmt.Sprintf("T.%s = S.%s", quote(k), quote(k))
	}

	var sets, names, values []string
	for _, c := range cols {
		names = append(names, quote(c))
		values = append(values, "S."+quote(c))
		if !isKey[c] {
			sets = append(sets, fmt.Sprintf("%s = S.%s", quote(c), quote(c)))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE %s T\nUSING %s S\nON %s\n", quote(perm), quote(staging), strings.Join(on, " AND "))
	if len(sets) > 0 {
		fmt.Fprintf(&b, "WHEN MATCHED THEN UPDATE SET %s\n", strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, "WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)", strings.Join(names, ", "), strings.Join(values, ", "))
	return b.String()
}

func quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "") + "`"
}

// stagingSchema picks the permanent table's fields for cols, in cols order,
// all nullable.
func stagingSchema(perm bigquery.Schema, cols []string) (bigquery.Schema, error) {
	byName := make(map[string]*bigquery.FieldSchema, len(perm))
	for _, f := range perm {
		byName[f.Name] = f
	}

	out := make(bigquery.Schema, 0, len(cols))
	for _, c := range cols {
		f, ok := byName[c]
		if !ok {
			return nil, fmt.Errorf("column %q not in target table", c)
		}
		cp := *f
		cp.Required = false
		out = append(out, &cp)
	}
	return out, nil
}

// encodeNDJSON writes one JSON object per row, with time values rendered in
// the format of their field type.
func encodeNDJSON(t *table.Table, schema bigquery.Schema) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range t.Rows {
		rec := make(map[string]any, len(row))
		for i, c := range t.Columns {
			rec[c] = fieldValue(row[i], schema[i].Type)
		}
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func fieldValue(v any, ft bigquery.FieldType) any {
	ts, ok := v.(time.Time)
	if !ok {
		return sink.Value(v)
	}
	switch ft {
	case bigquery.DateFieldType:
		return civil.DateOf(ts).String()
	case bigquery.DateTimeFieldType:
		return civil.DateTimeOf(ts).String()
	default:
		return ts.UTC().Format(time.RFC3339Nano)
	}
}
