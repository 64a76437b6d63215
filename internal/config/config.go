// Package config loads runtime settings from the environment (optionally
// seeded from a .env file) and the column mapping file that drives the
// reshape step.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Sink names accepted by SINK / -sink.
const (
	SinkSQL      = "sql"
	SinkBigQuery = "bigquery"
	SinkStdout   = "stdout"
)

// Config is the process configuration. Variable names for the API and the
// database follow the deployment's existing environment (lowercase names).
type Config struct {
	// Flowix API
	Accept      string        `env:"accept" envDefault:"application/json"`
	ContentType string        `env:"Content_Type" envDefault:"application/json"`
	APIKey      string        `env:"x_api_key" validate:"required"`
	BaseURL     string        `env:"FLOWIX_BASE_URL" envDefault:"https://api-flowix.before.com.br/api/v1/integracao" validate:"required,url"`
	HTTPTimeout time.Duration `env:"FLOWIX_TIMEOUT" envDefault:"60s"`

	CompanyID   int    `env:"COMPANY_ID" envDefault:"91" validate:"gt=0"`
	VisitDays   int    `env:"VISIT_DAYS" envDefault:"3" validate:"gte=1,lte=31"`
	ColumnsFile string `env:"COLUMNS_FILE" envDefault:"json/columns.json" validate:"required"`
	Sink        string `env:"SINK" envDefault:"sql" validate:"oneof=sql bigquery stdout"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console" validate:"oneof=console json"`

	DB       DBConfig
	BigQuery BigQueryConfig
	Archive  ArchiveConfig
}

// DBConfig holds the relational target settings.
type DBConfig struct {
	Driver        string `env:"DB_DRIVER" envDefault:"mysql" validate:"oneof=mysql sqlite postgres"`
	Host          string `env:"host"`
	Port          int    `env:"port" validate:"gte=0,lte=65535"`
	User          string `env:"user"`
	Password      string `env:"password"`
	Name          string `env:"DB_NAME"`
	Schema        string `env:"DB_SCHEMA" envDefault:"dbflowix"`
	StagingSchema string `env:"DB_STAGING_SCHEMA" envDefault:"dball"`
}

// BigQueryConfig holds the warehouse sink settings.
type BigQueryConfig struct {
	ProjectID       string `env:"BQ_PROJECT"`
	Dataset         string `env:"BQ_DATASET" envDefault:"flowix"`
	StagingDataset  string `env:"BQ_STAGING_DATASET" envDefault:"flowix_staging"`
	CredentialsFile string `env:"GOOGLE_APPLICATION_CREDENTIALS"`
}

// ArchiveConfig enables copying raw API payloads to a GCS bucket.
type ArchiveConfig struct {
	Bucket string `env:"ARCHIVE_BUCKET"`
	Prefix string `env:"ARCHIVE_PREFIX" envDefault:"flowix/raw"`
}

// Enabled reports whether raw payloads should be archived.
func (a ArchiveConfig) Enabled() bool { return a.Bucket != "" }

// Load reads envFiles that exist (without overriding variables already set),
// then parses and validates the environment.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("config.Load: reading %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints plus the settings each sink needs.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var errs []error
	switch c.Sink {
	case SinkSQL:
		if c.DB.Driver == "sqlite" {
			if c.DB.Name == "" {
				errs = append(errs, errors.New("DB_NAME is required for the sqlite driver"))
			}
			break
		}
		if c.DB.Host == "" {
			errs = append(errs, errors.New("host is required"))
		}
		if c.DB.Port == 0 {
			errs = append(errs, errors.New("port is required"))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("user is required"))
		}
		if c.DB.Driver == "postgres" && c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required for the postgres driver"))
		}
	case SinkBigQuery:
		if c.BigQuery.ProjectID == "" {
			errs = append(errs, errors.New("BQ_PROJECT is required for the bigquery sink"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
