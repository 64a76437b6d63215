package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/flowix-sync/internal/config"
	"github.com/dvloznov/flowix-sync/internal/flowix"
	"github.com/dvloznov/flowix-sync/internal/pipeline"
	"github.com/dvloznov/flowix-sync/internal/table"
)

// MockSource is a mock implementation of pipeline.Source for testing.
type MockSource struct {
	FetchStoresFunc func(ctx context.Context) (*table.Table, error)
	FetchVisitsFunc func(ctx context.Context, day civil.Date, companyID int) (*table.Table, error)
}

func (m *MockSource) FetchStores(ctx context.Context) (*table.Table, error) {
	if m.FetchStoresFunc != nil {
		return m.FetchStoresFunc(ctx)
	}
	return table.New(), nil
}

func (m *MockSource) FetchVisits(ctx context.Context, day civil.Date, companyID int) (*table.Table, error) {
	if m.FetchVisitsFunc != nil {
		return m.FetchVisitsFunc(ctx, day, companyID)
	}
	return table.New(), nil
}

type upsertCall struct {
	Name string
	Rows int
	Key  []string
	Data *table.Table
}

// MockSink records every upsert.
type MockSink struct {
	Calls      []upsertCall
	UpsertFunc func(ctx context.Context, name string, t *table.Table, key []string) (int64, error)
}

func (m *MockSink) Upsert(ctx context.Context, name string, t *table.Table, key []string) (int64, error) {
	if m.UpsertFunc != nil {
		if _, err := m.UpsertFunc(ctx, name, t, key); err != nil {
			return 0, err
		}
	}
	if t.Empty() {
		return 0, nil
	}
	m.Calls = append(m.Calls, upsertCall{Name: name, Rows: t.Len(), Key: key, Data: t})
	return int64(t.Len()), nil
}

func (m *MockSink) Close() error { return nil }

func (m *MockSink) names() []string {
	var out []string
	for _, c := range m.Calls {
		out = append(out, c.Name)
	}
	return out
}

func testMapping() *config.Mapping {
	return &config.Mapping{
		Stores: config.Columns{
			{Source: "id", Target: "id"},
			{Source: "nome", Target: "name"},
			{Source: "cep", Target: "postal_code"},
			{Source: "empresa.id", Target: "company_id"},
			{Source: "empresa.nome", Target: "company_name"},
			{Source: "fuso.id", Target: "timezone_id"},
			{Source: "fuso.nome", Target: "timezone_name"},
			{Source: "segmento.id", Target: "segment_id"},
			{Source: "segmento.nome", Target: "segment_name"},
			{Source: "marca.id", Target: "brand_id"},
			{Source: "marca.nome", Target: "brand_name"},
		},
		Companies: config.Columns{{Source: "company_id", Target: "id"}, {Source: "company_name", Target: "name"}},
		Timezones: config.Columns{{Source: "timezone_id", Target: "id"}, {Source: "timezone_name", Target: "name"}},
		Segments:  config.Columns{{Source: "segment_id", Target: "id"}, {Source: "segment_name", Target: "name"}},
		Brands:    config.Columns{{Source: "brand_id", Target: "id"}, {Source: "brand_name", Target: "name"}},
		Visits: config.Columns{
			{Source: "data", Target: "registration_date"},
			{Source: "total", Target: "count"},
		},
	}
}

func units() *table.Table {
	return table.FromRecords([]map[string]any{
		{
			"id": json.Number("1"), "nome": "Loja Centro", "cep": "01310-100",
			"empresa":  map[string]any{"id": json.Number("91"), "nome": "ACME"},
			"fuso":     map[string]any{"id": json.Number("1"), "nome": "America/Sao_Paulo"},
			"segmento": map[string]any{"id": json.Number("3"), "nome": "Moda"},
			"marca":    map[string]any{"id": json.Number("5"), "nome": "Marca A"},
		},
	})
}

func visits(day civil.Date) *table.Table {
	return table.FromRecords([]map[string]any{
		{"data": day.String(), "total": json.Number("42")},
	})
}

var fixedNow = func() time.Time { return time.Date(2024, 3, 7, 9, 0, 0, 0, time.UTC) }

func day(d int) civil.Date { return civil.Date{Year: 2024, Month: 3, Day: d} }

func TestRun_WritesStoresInOrderThenVisits(t *testing.T) {
	var fetchedDays []civil.Date
	src := &MockSource{
		FetchStoresFunc: func(ctx context.Context) (*table.Table, error) { return units(), nil },
		FetchVisitsFunc: func(ctx context.Context, d civil.Date, companyID int) (*table.Table, error) {
			if companyID != 91 {
				t.Errorf("company id: got %d", companyID)
			}
			fetchedDays = append(fetchedDays, d)
			return visits(d), nil
		},
	}
	snk := &MockSink{}

	r := &pipeline.Runner{Source: src, Sink: snk, Mapping: testMapping(), Days: 3, Now: fixedNow}
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantNames := []string{"companies", "timezones", "segments", "brands", "stores", "visits", "visits", "visits"}
	if !reflect.DeepEqual(snk.names(), wantNames) {
		t.Errorf("upsert order: got %v, want %v", snk.names(), wantNames)
	}
	if !reflect.DeepEqual(fetchedDays, []civil.Date{day(7), day(6), day(5)}) {
		t.Errorf("days: got %v", fetchedDays)
	}
	if !reflect.DeepEqual(snk.Calls[5].Key, []string{"id"}) {
		t.Errorf("visits key: got %v", snk.Calls[5].Key)
	}
	if v, _ := snk.Calls[5].Data.Value(0, "id"); v != int64(20240307) {
		t.Errorf("visit id: got %v", v)
	}
	if report.Failed() || len(report.Steps) != 4 {
		t.Errorf("report: %+v", report.Steps)
	}
	if report.Rows() != 8 {
		t.Errorf("rows: got %d, want 8", report.Rows())
	}
}

func TestRun_UnavailableMeansZeroWrites(t *testing.T) {
	notFound := func(endpoint string) error {
		return &flowix.StatusError{Endpoint: endpoint, StatusCode: 404}
	}
	src := &MockSource{
		FetchStoresFunc: func(ctx context.Context) (*table.Table, error) {
			return nil, notFound(flowix.StoresPath)
		},
		FetchVisitsFunc: func(ctx context.Context, d civil.Date, companyID int) (*table.Table, error) {
			return nil, notFound(flowix.VisitsPath)
		},
	}
	snk := &MockSink{}

	r := &pipeline.Runner{Source: src, Sink: snk, Mapping: testMapping(), Days: 3, Now: fixedNow}
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(snk.Calls) != 0 {
		t.Errorf("expected zero writes, got %v", snk.names())
	}
	for _, s := range report.Steps {
		if s.Status != pipeline.StatusUnavailable {
			t.Errorf("%s %s: status %s", s.Name, s.Day, s.Status)
		}
	}
}

func TestRun_FailingDayDoesNotStopOthers(t *testing.T) {
	boom := errors.New("connection reset")
	src := &MockSource{
		FetchStoresFunc: func(ctx context.Context) (*table.Table, error) { return units(), nil },
		FetchVisitsFunc: func(ctx context.Context, d civil.Date, companyID int) (*table.Table, error) {
			if d == day(6) {
				return nil, boom
			}
			return visits(d), nil
		},
	}
	snk := &MockSink{}

	r := &pipeline.Runner{Source: src, Sink: snk, Mapping: testMapping(), Days: 3, Now: fixedNow}
	report, err := r.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined day error, got %v", err)
	}

	var written []civil.Date
	for _, c := range snk.Calls {
		if c.Name == "visits" {
			v, _ := c.Data.Value(0, "registration_date")
			written = append(written, civil.DateOf(v.(time.Time)))
		}
	}
	if !reflect.DeepEqual(written, []civil.Date{day(7), day(5)}) {
		t.Errorf("visits written: got %v", written)
	}

	statuses := []pipeline.Status{}
	for _, s := range report.Steps {
		statuses = append(statuses, s.Status)
	}
	want := []pipeline.Status{pipeline.StatusOK, pipeline.StatusOK, pipeline.StatusFailed, pipeline.StatusOK}
	if !reflect.DeepEqual(statuses, want) {
		t.Errorf("statuses: got %v, want %v", statuses, want)
	}
	if !report.Failed() {
		t.Error("report should be failed")
	}
}

func TestRun_StoresFailureAborts(t *testing.T) {
	visitsFetched := false
	src := &MockSource{
		FetchStoresFunc: func(ctx context.Context) (*table.Table, error) {
			return nil, flowix.ErrMalformedPayload
		},
		FetchVisitsFunc: func(ctx context.Context, d civil.Date, companyID int) (*table.Table, error) {
			visitsFetched = true
			return visits(d), nil
		},
	}

	r := &pipeline.Runner{Source: src, Sink: &MockSink{}, Mapping: testMapping(), Now: fixedNow}
	_, err := r.Run(context.Background())
	if !errors.Is(err, flowix.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload error, got %v", err)
	}
	if visitsFetched {
		t.Error("visits must not run after a stores failure")
	}
}

func TestRun_BadPostalCodeIsFatal(t *testing.T) {
	bad := units()
	bad.Set(0, "cep", "ABC")
	src := &MockSource{
		FetchStoresFunc: func(ctx context.Context) (*table.Table, error) { return bad, nil },
	}
	snk := &MockSink{}

	r := &pipeline.Runner{Source: src, Sink: snk, Mapping: testMapping(), Now: fixedNow}
	if _, err := r.Run(context.Background()); err == nil {
		t.Fatal("expected error for non-numeric postal code")
	}
	if len(snk.Calls) != 0 {
		t.Errorf("nothing should be written: %v", snk.names())
	}
}

func TestRun_UpsertFailureStopsRemainingTables(t *testing.T) {
	snk := &MockSink{
		UpsertFunc: func(ctx context.Context, name string, tb *table.Table, key []string) (int64, error) {
			if name == "segments" {
				return 0, errors.New("deadlock")
			}
			return 0, nil
		},
	}
	src := &MockSource{
		FetchStoresFunc: func(ctx context.Context) (*table.Table, error) { return units(), nil },
	}

	r := &pipeline.Runner{Source: src, Sink: snk, Mapping: testMapping(), Now: fixedNow}
	report, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !reflect.DeepEqual(snk.names(), []string{"companies", "timezones"}) {
		t.Errorf("written: got %v", snk.names())
	}
	if report.Steps[0].Status != pipeline.StatusFailed {
		t.Errorf("status: got %s", report.Steps[0].Status)
	}
}

func TestRun_EmptyDay(t *testing.T) {
	src := &MockSource{
		FetchStoresFunc: func(ctx context.Context) (*table.Table, error) { return units(), nil },
		FetchVisitsFunc: func(ctx context.Context, d civil.Date, companyID int) (*table.Table, error) {
			return table.New(), nil
		},
	}
	r := &pipeline.Runner{Source: src, Sink: &MockSink{}, Mapping: testMapping(), Days: 1, Now: fixedNow}
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Steps[1].Status != pipeline.StatusEmpty {
		t.Errorf("status: got %s", report.Steps[1].Status)
	}
}

func TestVisitDays_DefaultsToThree(t *testing.T) {
	r := &pipeline.Runner{Now: fixedNow}
	got := r.VisitDays()
	if !reflect.DeepEqual(got, []civil.Date{day(7), day(6), day(5)}) {
		t.Errorf("days: got %v", got)
	}
}
