// Package reshape turns flattened API records into the normalized tables that
// are written to the database: column mapping, value normalization and the
// split of lookup tables out of the unit listing.
package reshape

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/flowix-sync/internal/config"
	"github.com/dvloznov/flowix-sync/internal/domain"
	"github.com/dvloznov/flowix-sync/internal/table"
)

// ErrInvalidValue is returned when a value cannot be normalized. It is fatal
// for the run that produced it.
var ErrInvalidValue = errors.New("invalid value")

// Date layouts accepted for registration_date.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// Tables holds the tables derived from one units fetch.
type Tables map[domain.Entity]*table.Table

// MapColumns keeps only the mapped source columns of t, in mapping order,
// and renames them to their targets. Sources missing from t are skipped.
func MapColumns(t *table.Table, cols config.Columns) *table.Table {
	return t.Project(cols.Sources()).Rename(cols.Renames())
}

// Stores runs the full units path: map, normalize, then split.
func Stores(raw *table.Table, m *config.Mapping) (Tables, error) {
	t := MapColumns(raw, m.Stores)
	t, err := NormalizeStores(t)
	if err != nil {
		return nil, fmt.Errorf("Stores: %w", err)
	}
	return Split(t, m), nil
}

// Visits maps and normalizes one day of visits.
func Visits(raw *table.Table, m *config.Mapping) (*table.Table, error) {
	t := MapColumns(raw, m.Visits)
	t, err := NormalizeVisits(t)
	if err != nil {
		return nil, fmt.Errorf("Visits: %w", err)
	}
	return t, nil
}

// Split projects the lookup tables out of the store table, in the order of
// domain.Lookups. Each lookup is projected on its mapped sources, renamed and
// reduced to one row per primary key, the last unit's values winning.
// Afterwards the projected columns whose name does not contain "id" are
// dropped from the working table. What remains is the stores table.
//
// Lookup rows whose primary key is null are dropped: they come from units
// that have no such lookup and cannot be keyed.
func Split(t *table.Table, m *config.Mapping) Tables {
	out := make(Tables, len(domain.StoreTables))
	work := t

	for _, e := range domain.Lookups {
		cols := m.For(e)
		proj := work.Project(cols.Sources())
		if len(proj.Columns) == 0 {
			out[e] = table.New()
			continue
		}

		pk := m.PrimaryKey(e)
		out[e] = dropNullKeys(proj.Rename(cols.Renames()).DedupBy(pk), pk)

		var attrs []string
		for _, c := range proj.Columns {
			if !strings.Contains(c, "id") {
				attrs = append(attrs, c)
			}
		}
		work = work.Drop(attrs)
	}

	out[domain.Stores] = work
	return out
}

func dropNullKeys(t *table.Table, pk []string) *table.Table {
	idx := make([]int, 0, len(pk))
	for _, k := range pk {
		if i := t.Index(k); i >= 0 {
			idx = append(idx, i)
		}
	}
	out := table.New(t.Columns...)
	out.Rows = make([][]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		null := false
		for _, i := range idx {
			if row[i] == nil {
				null = true
				break
			}
		}
		if !null {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

// NormalizeStores renders cameras as text and turns postal_code into the
// digits-only integer ("01310-100" → 1310100). Absent columns are left alone.
func NormalizeStores(t *table.Table) (*table.Table, error) {
	out := t.Clone()

	if ci := out.Index(domain.ColumnCameras); ci >= 0 {
		for _, row := range out.Rows {
			row[ci] = asText(row[ci])
		}
	}

	if pi := out.Index(domain.ColumnPostalCode); pi >= 0 {
		for r, row := range out.Rows {
			n, err := digitsOnly(row[pi])
			if err != nil {
				return nil, fmt.Errorf("NormalizeStores: row %d %s: %w", r, domain.ColumnPostalCode, err)
			}
			row[pi] = n
		}
	}
	return out, nil
}

// NormalizeVisits synthesizes the visit id from the registration date
// ("2024-03-07" → 20240307) and parses registration_date into a time.Time.
func NormalizeVisits(t *table.Table) (*table.Table, error) {
	out := t.Clone()
	if out.Empty() {
		return out, nil
	}

	di := out.Index(domain.ColumnRegistrationDate)
	if di < 0 {
		return nil, fmt.Errorf("NormalizeVisits: %w: column %s missing", ErrInvalidValue, domain.ColumnRegistrationDate)
	}

	for r := range out.Rows {
		raw := asText(out.Rows[r][di])
		s, _ := raw.(string)

		ts, err := parseDate(s)
		if err != nil {
			return nil, fmt.Errorf("NormalizeVisits: row %d: %w", r, err)
		}

		// The id is built from the calendar date part only.
		datePart := s
		if i := strings.IndexAny(s, "T "); i >= 0 {
			datePart = s[:i]
		}
		id, err := digitsOnly(datePart)
		if err != nil {
			return nil, fmt.Errorf("NormalizeVisits: row %d id: %w", r, err)
		}

		out.Set(r, domain.ColumnID, id)
		out.Rows[r][di] = ts
	}
	return out, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q is not a date", ErrInvalidValue, s)
}

// digitsOnly strips hyphens and parses what is left as an integer.
func digitsOnly(v any) (int64, error) {
	var s string
	switch x := v.(type) {
	case nil:
		return 0, fmt.Errorf("%w: null", ErrInvalidValue)
	case string:
		s = x
	case fmt.Stringer:
		s = x.String()
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		if x != float64(int64(x)) {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrInvalidValue, x)
		}
		return int64(x), nil
	default:
		return 0, fmt.Errorf("%w: unsupported %T", ErrInvalidValue, v)
	}

	s = strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not numeric", ErrInvalidValue, s)
	}
	return n, nil
}

// asText renders a scalar as a string. Null stays null.
func asText(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
