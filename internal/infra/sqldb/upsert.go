package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dvloznov/flowix-sync/internal/logger"
	"github.com/dvloznov/flowix-sync/internal/sink"
	"github.com/dvloznov/flowix-sync/internal/table"
	"github.com/google/uuid"
)

const defaultBatchRows = 500

// Upserter is the database implementation of sink.Sink.
type Upserter struct {
	db      *sql.DB
	dialect Dialect
	schema  string
	staging string
	runID   string
	batch   int
}

// Options configures an Upserter.
type Options struct {
	Schema        string // permanent schema, e.g. dbflowix
	StagingSchema string // staging schema, e.g. dball (MySQL only)
	RunID         string // makes staging names unique; generated when empty
	BatchRows     int
}

// NewUpserter creates an Upserter over db.
func NewUpserter(db *sql.DB, d Dialect, opts Options) *Upserter {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	batch := opts.BatchRows
	if batch <= 0 {
		batch = defaultBatchRows
	}
	return &Upserter{
		db:      db,
		dialect: d,
		schema:  opts.Schema,
		staging: opts.StagingSchema,
		runID:   strings.ReplaceAll(runID, "-", ""),
		batch:   batch,
	}
}

// StagingName is the per-run staging table name for name.
func (u *Upserter) StagingName(name string) string {
	id := u.runID
	if len(id) > 12 {
		id = id[:12]
	}
	return "temp_" + name + "_" + id
}

// Upsert loads t into a staging table, merges it into the permanent table on
// key and drops the staging table, all in one transaction.
func (u *Upserter) Upsert(ctx context.Context, name string, t *table.Table, key []string) (int64, error) {
	if t.Empty() {
		return 0, nil
	}
	if len(key) == 0 {
		return 0, fmt.Errorf("Upsert %s: no key columns", name)
	}
	for _, k := range key {
		if !t.Has(k) {
			return 0, fmt.Errorf("Upsert %s: key column %q not in table", name, k)
		}
	}

	d := u.dialect
	perm := d.Table(u.schema, name)
	staging := d.Staging(u.staging, u.StagingName(name))

	err := RunTx(ctx, u.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, d.CreateStaging(staging, perm, t.Columns)); err != nil {
			return fmt.Errorf("creating staging table: %w", err)
		}
		if err := u.load(ctx, tx, staging, t); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, d.Merge(perm, staging, t.Columns, key)); err != nil {
			return fmt.Errorf("merging into %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, d.DropStaging(staging)); err != nil {
			return fmt.Errorf("dropping staging table: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("Upsert %s: %w", name, err)
	}

	log := logger.FromContext(ctx)
	log.Debug().Str("table", name).Int("rows", t.Len()).Str("driver", d.Name()).Msg("table upserted")
	return int64(t.Len()), nil
}

// load inserts the rows of t into staging in multi-row batches.
func (u *Upserter) load(ctx context.Context, tx *sql.Tx, staging string, t *table.Table) error {
	d := u.dialect
	ncol := len(t.Columns)

	per := u.batch
	if limit := d.MaxParams() / ncol; per > limit {
		per = limit
	}

	head := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", staging, quoteList(d, t.Columns))
	for start := 0; start < len(t.Rows); start += per {
		end := min(start+per, len(t.Rows))
		rows := t.Rows[start:end]

		var b strings.Builder
		b.WriteString(head)
		args := make([]any, 0, len(rows)*ncol)
		for i, row := range rows {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('(')
			for j, v := range row {
				if j > 0 {
					b.WriteString(", ")
				}
				args = append(args, sink.Value(v))
				b.WriteString(d.Placeholder(len(args)))
			}
			b.WriteByte(')')
		}

		if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("loading staging rows %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// Close closes the database handle.
func (u *Upserter) Close() error {
	if u.db != nil {
		return u.db.Close()
	}
	return nil
}

// RunTx runs fn inside a transaction, committing on success and rolling back
// on error or panic.
func RunTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
