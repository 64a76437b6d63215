package flowix

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cloud.google.com/go/civil"
)

func newTestClient(url string, a Archiver) *Client {
	c := NewClient(Options{
		BaseURL:     url,
		Accept:      "application/json",
		ContentType: "application/json",
		APIKey:      "secret",
		Timeout:     5 * time.Second,
		Archiver:    a,
	})
	c.now = func() time.Time { return time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC) }
	return c
}

type mockArchiver struct {
	ArchiveFunc func(ctx context.Context, kind string, day civil.Date, body []byte) error
}

func (m *mockArchiver) Archive(ctx context.Context, kind string, day civil.Date, body []byte) error {
	return m.ArchiveFunc(ctx, kind, day, body)
}

func TestFetchStores(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != StoresPath {
			t.Errorf("path: got %q", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "secret" {
			t.Errorf("x-api-key: got %q", got)
		}
		if got := r.Header.Get("accept"); got != "application/json" {
			t.Errorf("accept: got %q", got)
		}
		w.Write([]byte(`{"unidades": [
			{"id": 9007199254740993, "nome": "Loja Centro", "empresa": {"id": 91, "nome": "ACME"}},
			{"id": 2, "nome": "Loja Norte", "empresa": {"id": 91, "nome": "ACME"}}
		]}`))
	}))
	defer srv.Close()

	var archivedKind string
	var archivedDay civil.Date
	arch := &mockArchiver{ArchiveFunc: func(ctx context.Context, kind string, day civil.Date, body []byte) error {
		archivedKind, archivedDay = kind, day
		return nil
	}}

	tbl, err := newTestClient(srv.URL, arch).FetchStores(context.Background())
	if err != nil {
		t.Fatalf("FetchStores: %v", err)
	}
	if tbl.Len() != 2 {
		t.Fatalf("rows: got %d, want 2", tbl.Len())
	}
	// Ids beyond float64 precision must survive.
	if v, _ := tbl.Value(0, "id"); v != json.Number("9007199254740993") {
		t.Errorf("id: got %v (%T)", v, v)
	}
	if v, _ := tbl.Value(1, "empresa.nome"); v != "ACME" {
		t.Errorf("empresa.nome: got %v", v)
	}
	if archivedKind != StoresKey || archivedDay != (civil.Date{Year: 2024, Month: 3, Day: 7}) {
		t.Errorf("archive: got %q %v", archivedKind, archivedDay)
	}
}

func TestFetchVisits_QueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != VisitsPath {
			t.Errorf("path: got %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("empresa_id"); got != "91" {
			t.Errorf("empresa_id: got %q", got)
		}
		if got := r.URL.Query().Get("data"); got != "2024-03-05" {
			t.Errorf("data: got %q", got)
		}
		w.Write([]byte(`{"visitas": [{"data": "2024-03-05", "total": 120}]}`))
	}))
	defer srv.Close()

	day := civil.Date{Year: 2024, Month: 3, Day: 5}
	tbl, err := newTestClient(srv.URL, nil).FetchVisits(context.Background(), day, 91)
	if err != nil {
		t.Fatalf("FetchVisits: %v", err)
	}
	if tbl.Len() != 1 {
		t.Fatalf("rows: got %d", tbl.Len())
	}
}

func TestFetch_Results(t *testing.T) {
	tests := []struct {
		name            string
		status          int
		body            string
		wantUnavailable bool
		wantMalformed   bool
		wantRows        int
	}{
		{name: "not found", status: http.StatusNotFound, wantUnavailable: true},
		{name: "server error", status: http.StatusInternalServerError, body: `{"error":"x"}`, wantUnavailable: true},
		{name: "empty array", status: http.StatusOK, body: `{"unidades": []}`, wantRows: 0},
		{name: "missing key", status: http.StatusOK, body: `{"data": []}`, wantMalformed: true},
		{name: "key not an array", status: http.StatusOK, body: `{"unidades": {"id": 1}}`, wantMalformed: true},
		{name: "item not an object", status: http.StatusOK, body: `{"unidades": [1, 2]}`, wantMalformed: true},
		{name: "not json", status: http.StatusOK, body: `<html>`, wantMalformed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			archived := false
			arch := &mockArchiver{ArchiveFunc: func(context.Context, string, civil.Date, []byte) error {
				archived = true
				return nil
			}}

			tbl, err := newTestClient(srv.URL, arch).FetchStores(context.Background())

			if got := errors.Is(err, ErrUnavailable); got != tt.wantUnavailable {
				t.Errorf("ErrUnavailable: got %v (err=%v)", got, err)
			}
			if got := errors.Is(err, ErrMalformedPayload); got != tt.wantMalformed {
				t.Errorf("ErrMalformedPayload: got %v (err=%v)", got, err)
			}
			if tt.wantUnavailable {
				var se *StatusError
				if !errors.As(err, &se) || se.StatusCode != tt.status {
					t.Errorf("StatusError: got %v", err)
				}
				if archived {
					t.Error("non-200 body must not be archived")
				}
			}
			if !tt.wantUnavailable && !tt.wantMalformed {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if tbl.Len() != tt.wantRows {
					t.Errorf("rows: got %d, want %d", tbl.Len(), tt.wantRows)
				}
			}
		})
	}
}

func TestFetch_ArchiveFailureIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"unidades": [{"id": 1}]}`))
	}))
	defer srv.Close()

	arch := &mockArchiver{ArchiveFunc: func(context.Context, string, civil.Date, []byte) error {
		return errors.New("bucket gone")
	}}

	tbl, err := newTestClient(srv.URL, arch).FetchStores(context.Background())
	if err != nil {
		t.Fatalf("FetchStores: %v", err)
	}
	if tbl.Len() != 1 {
		t.Errorf("rows: got %d", tbl.Len())
	}
}

func TestFetch_TransportErrorIsNotUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url, nil).FetchStores(context.Background())
	if err == nil {
		t.Fatal("expected error from closed server")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("transport failure must not be reported as unavailable")
	}
}
