// Package sqldb upserts normalized tables into a relational database through
// a per-run staging table and a single merge statement per table.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/flowix-sync/internal/config"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Open connects to the database described by cfg and pings it.
func Open(ctx context.Context, cfg config.DBConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)

	switch cfg.Driver {
	case "mysql":
		db, err = sql.Open("mysql", MySQLDSN(cfg))
	case "postgres":
		var pc *pgx.ConnConfig
		pc, err = PostgresConfig(cfg)
		if err == nil {
			db = stdlib.OpenDB(*pc)
		}
	case "sqlite":
		db, err = sql.Open("sqlite", SQLiteDSN(cfg.Name))
		if err == nil {
			// One writer; temp tables are per connection.
			db.SetMaxOpenConns(1)
		}
	default:
		err = fmt.Errorf("unknown driver %q", cfg.Driver)
	}
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("sqldb.Open: %w", err)
	}

	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqldb.Open: ping %s: %w", cfg.Driver, err)
	}
	return db, nil
}

// SQLiteDSN appends the busy timeout pragma to name so every pooled
// connection gets it, including ones opened after a recycle.
func SQLiteDSN(name string) string {
	sep := "?"
	if strings.Contains(name, "?") {
		sep = "&"
	}
	return name + sep + "_pragma=busy_timeout(10000)"
}

// MySQLDSN builds a go-sql-driver DSN. Times are sent and scanned as UTC.
func MySQLDSN(cfg config.DBConfig) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Name
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN()
}

// PostgresConfig builds a pgx connection config from cfg.
func PostgresConfig(cfg config.DBConfig) (*pgx.ConnConfig, error) {
	pc, err := pgx.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("PostgresConfig: %w", err)
	}
	pc.Host = cfg.Host
	if cfg.Port > 0 {
		pc.Port = uint16(cfg.Port)
	}
	pc.User = cfg.User
	pc.Password = cfg.Password
	pc.Database = cfg.Name
	return pc, nil
}
