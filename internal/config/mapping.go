package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dvloznov/flowix-sync/internal/domain"
	"gopkg.in/yaml.v3"
)

// ErrInvalidMapping is returned when the column mapping file is incomplete or
// names columns that cannot be used as SQL identifiers.
var ErrInvalidMapping = errors.New("invalid column mapping")

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Pair maps one source field to its target column.
type Pair struct {
	Source string
	Target string
}

// Columns is an ordered source→target column mapping. File order is kept so
// that projected tables have a stable column order.
type Columns []Pair

// Sources returns the source field names in order.
func (c Columns) Sources() []string {
	out := make([]string, len(c))
	for i, p := range c {
		out[i] = p.Source
	}
	return out
}

// Targets returns the target column names in order.
func (c Columns) Targets() []string {
	out := make([]string, len(c))
	for i, p := range c {
		out[i] = p.Target
	}
	return out
}

// Renames returns the mapping as a lookup table.
func (c Columns) Renames() map[string]string {
	out := make(map[string]string, len(c))
	for _, p := range c {
		out[p.Source] = p.Target
	}
	return out
}

// UnmarshalJSON decodes a JSON object while keeping key order.
func (c *Columns) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*c = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("column mapping must be an object, got %v", tok)
	}

	var out Columns
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)

		var target string
		if err := dec.Decode(&target); err != nil {
			return fmt.Errorf("column %q: %w", key, err)
		}
		out = append(out, Pair{Source: key, Target: target})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*c = out
	return nil
}

// UnmarshalYAML decodes a YAML mapping while keeping key order.
func (c *Columns) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: column mapping must be a mapping", n.Line)
	}
	out := make(Columns, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		var key, target string
		if err := n.Content[i].Decode(&key); err != nil {
			return err
		}
		if err := n.Content[i+1].Decode(&target); err != nil {
			return fmt.Errorf("column %q: %w", key, err)
		}
		out = append(out, Pair{Source: key, Target: target})
	}
	*c = out
	return nil
}

// Mapping is the column mapping file: for each target table, which source
// fields belong to it and what they are renamed to.
type Mapping struct {
	Stores    Columns `json:"columns_stores" yaml:"columns_stores"`
	Companies Columns `json:"columns_companies" yaml:"columns_companies"`
	Timezones Columns `json:"columns_timezones" yaml:"columns_timezones"`
	Segments  Columns `json:"columns_segments" yaml:"columns_segments"`
	Brands    Columns `json:"columns_brands" yaml:"columns_brands"`
	Visits    Columns `json:"columns_visits" yaml:"columns_visits"`

	// PrimaryKeys overrides the key columns derived from the mapping.
	PrimaryKeys map[string][]string `json:"primary_keys,omitempty" yaml:"primary_keys,omitempty"`
}

// For returns the columns mapped for entity.
func (m *Mapping) For(e domain.Entity) Columns {
	switch e {
	case domain.Stores:
		return m.Stores
	case domain.Companies:
		return m.Companies
	case domain.Timezones:
		return m.Timezones
	case domain.Segments:
		return m.Segments
	case domain.Brands:
		return m.Brands
	case domain.Visits:
		return m.Visits
	}
	return nil
}

// PrimaryKey returns the key columns of the entity's target table.
// An explicit primary_keys entry wins; visits are keyed by the synthesized
// id; otherwise the target named "id" is used, falling back to the first
// target ending in "id".
func (m *Mapping) PrimaryKey(e domain.Entity) []string {
	if pk, ok := m.PrimaryKeys[string(e)]; ok && len(pk) > 0 {
		return pk
	}
	if e == domain.Visits {
		return []string{domain.ColumnID}
	}
	targets := m.For(e).Targets()
	for _, t := range targets {
		if t == domain.ColumnID {
			return []string{t}
		}
	}
	for _, t := range targets {
		if strings.HasSuffix(strings.ToLower(t), "id") {
			return []string{t}
		}
	}
	return nil
}

// Validate checks that every table is mapped, that target names are safe SQL
// identifiers and that each table resolves a primary key.
func (m *Mapping) Validate() error {
	var errs []error
	for _, e := range domain.All {
		cols := m.For(e)
		if len(cols) == 0 {
			errs = append(errs, fmt.Errorf("%s: missing or empty", e.MappingKey()))
			continue
		}

		sources := make(map[string]bool, len(cols))
		targets := make(map[string]bool, len(cols))
		for _, p := range cols {
			if p.Source == "" {
				errs = append(errs, fmt.Errorf("%s: empty source field", e.MappingKey()))
			}
			if !identifier.MatchString(p.Target) {
				errs = append(errs, fmt.Errorf("%s: target %q is not a valid column name", e.MappingKey(), p.Target))
			}
			if sources[p.Source] {
				errs = append(errs, fmt.Errorf("%s: source %q mapped twice", e.MappingKey(), p.Source))
			}
			if targets[p.Target] {
				errs = append(errs, fmt.Errorf("%s: target %q mapped twice", e.MappingKey(), p.Target))
			}
			sources[p.Source] = true
			targets[p.Target] = true
		}

		pk := m.PrimaryKey(e)
		if len(pk) == 0 {
			errs = append(errs, fmt.Errorf("%s: no primary key column", e.MappingKey()))
		}
		for _, k := range pk {
			if !identifier.MatchString(k) {
				errs = append(errs, fmt.Errorf("%s: primary key %q is not a valid column name", e.MappingKey(), k))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidMapping, errors.Join(errs...))
	}
	return nil
}

// LoadMapping reads and validates the mapping file at path. Files ending in
// .yaml or .yml are parsed as YAML, everything else as JSON.
func LoadMapping(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadMapping: reading %s: %w", path, err)
	}

	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}

	m, err := ParseMapping(data, format)
	if err != nil {
		return nil, fmt.Errorf("LoadMapping: %s: %w", path, err)
	}
	return m, nil
}

// ParseMapping decodes and validates a mapping document.
func ParseMapping(data []byte, format string) (*Mapping, error) {
	var m Mapping
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: yaml: %w", ErrInvalidMapping, err)
		}
	default:
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: json: %w", ErrInvalidMapping, err)
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
