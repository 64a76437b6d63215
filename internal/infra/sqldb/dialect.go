package sqldb

import (
	"fmt"
	"slices"
	"strings"
)

// Dialect renders the statements of the staging-then-merge upsert for one
// database engine. Identifiers are always quoted; values never appear in
// the SQL text.
type Dialect interface {
	Name() string
	Quote(ident string) string
	// Table returns the permanent table reference.
	Table(schema, name string) string
	// Staging returns the reference of a session-scoped staging table.
	Staging(schema, name string) string
	Placeholder(n int) string
	// MaxParams bounds the bound parameters of one statement.
	MaxParams() int

	CreateStaging(staging, perm string, cols []string) string
	Merge(perm, staging string, cols, key []string) string
	DropStaging(staging string) string
}

// DialectFor returns the dialect registered under driver.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "mysql":
		return MySQL{}, nil
	case "sqlite":
		return SQLite{}, nil
	case "postgres", "pgx":
		return Postgres{}, nil
	}
	return nil, fmt.Errorf("sqldb: unknown driver %q", driver)
}

func quoteList(d Dialect, cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = d.Quote(c)
	}
	return strings.Join(q, ", ")
}

func nonKey(cols, key []string) []string {
	var out []string
	for _, c := range cols {
		if !slices.Contains(key, c) {
			out = append(out, c)
		}
	}
	return out
}

// MySQL uses TEMPORARY tables, which do not commit the open transaction.
type MySQL struct{}

func (MySQL) Name() string { return "mysql" }

func (MySQL) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (d MySQL) Table(schema, name string) string {
	if schema == "" {
		return d.Quote(name)
	}
	return d.Quote(schema) + "." + d.Quote(name)
}

func (d MySQL) Staging(schema, name string) string { return d.Table(schema, name) }

func (MySQL) Placeholder(int) string { return "?" }

func (MySQL) MaxParams() int { return 65535 }

func (d MySQL) CreateStaging(staging, perm string, cols []string) string {
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s AS SELECT %s FROM %s WHERE 1=0",
		staging, quoteList(d, cols), perm)
}

func (d MySQL) Merge(perm, staging string, cols, key []string) string {
	update := nonKey(cols, key)
	if len(update) == 0 {
		update = key
	}
	sets := make([]string, len(update))
	for i, c := range update {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", d.Quote(c), d.Quote(c))
	}
	list := quoteList(d, cols)
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON DUPLICATE KEY UPDATE %s",
		perm, list, list, staging, strings.Join(sets, ", "))
}

func (MySQL) DropStaging(staging string) string {
	return "DROP TEMPORARY TABLE IF EXISTS " + staging
}

// SQLite keeps staging tables in the connection's temp schema. The
// permanent schema name is ignored: tables live in main.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (d SQLite) Table(_, name string) string { return d.Quote(name) }

func (d SQLite) Staging(_, name string) string { return "temp." + d.Quote(name) }

func (SQLite) Placeholder(int) string { return "?" }

func (SQLite) MaxParams() int { return 32766 }

func (d SQLite) CreateStaging(staging, perm string, cols []string) string {
	return fmt.Sprintf("CREATE TEMP TABLE %s AS SELECT %s FROM %s WHERE 0",
		strings.TrimPrefix(staging, "temp."), quoteList(d, cols), perm)
}

// WHERE true keeps the parser from reading ON CONFLICT as a join clause.
func (d SQLite) Merge(perm, staging string, cols, key []string) string {
	return onConflictMerge(d, perm, staging, cols, key, "WHERE true ")
}

func (SQLite) DropStaging(staging string) string { return "DROP TABLE IF EXISTS " + staging }

// Postgres stages into an unqualified TEMP table (pg_temp).
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (d Postgres) Table(schema, name string) string {
	if schema == "" {
		return d.Quote(name)
	}
	return d.Quote(schema) + "." + d.Quote(name)
}

func (d Postgres) Staging(_, name string) string { return d.Quote(name) }

func (Postgres) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Postgres) MaxParams() int { return 65535 }

func (d Postgres) CreateStaging(staging, perm string, cols []string) string {
	return fmt.Sprintf("CREATE TEMP TABLE %s AS SELECT %s FROM %s WITH NO DATA",
		staging, quoteList(d, cols), perm)
}

func (d Postgres) Merge(perm, staging string, cols, key []string) string {
	return onConflictMerge(d, perm, staging, cols, key, "")
}

func (Postgres) DropStaging(staging string) string { return "DROP TABLE IF EXISTS " + staging }

func onConflictMerge(d Dialect, perm, staging string, cols, key []string, where string) string {
	list := quoteList(d, cols)
	update := nonKey(cols, key)

	action := "DO NOTHING"
	if len(update) > 0 {
		sets := make([]string, len(update))
		for i, c := range update {
			sets[i] = fmt.Sprintf("%s = excluded.%s", d.Quote(c), d.Quote(c))
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s %sON CONFLICT (%s) %s",
		perm, list, list, staging, where, quoteList(d, key), action)
}
