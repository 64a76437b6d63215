package flowix

import (
	"context"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/flowix-sync/internal/table"
)

// Source defines the interface for reading records from the Flowix API.
// This interface enables mocking of the API in pipeline tests.
type Source interface {
	// FetchStores returns every unit known to the API, flattened.
	FetchStores(ctx context.Context) (*table.Table, error)

	// FetchVisits returns the consolidated visits of one company on one day.
	FetchVisits(ctx context.Context, day civil.Date, companyID int) (*table.Table, error)
}

// Archiver receives the raw response body of every successful fetch.
type Archiver interface {
	Archive(ctx context.Context, kind string, day civil.Date, body []byte) error
}
