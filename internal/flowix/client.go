// Package flowix is the HTTP client for the Flowix integration API.
package flowix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/flowix-sync/internal/httplog"
	"github.com/dvloznov/flowix-sync/internal/logger"
	"github.com/dvloznov/flowix-sync/internal/table"
)

// Endpoint paths and the top-level payload key each one answers with.
const (
	StoresPath = "/unidades"
	VisitsPath = "/visitas/consolidado"

	StoresKey = "unidades"
	VisitsKey = "visitas"
)

const maxBodyBytes = 64 << 20

// Options configures a Client.
type Options struct {
	BaseURL     string
	Accept      string
	ContentType string
	APIKey      string
	Timeout     time.Duration

	// Transport is wrapped with request logging; nil means the default.
	Transport http.RoundTripper
	// Archiver, when set, gets the raw body before it is parsed.
	Archiver Archiver
}

// Client is the concrete implementation of Source.
type Client struct {
	baseURL  string
	headers  http.Header
	http     *http.Client
	archiver Archiver
	now      func() time.Time
}

// NewClient creates a Client from opts.
func NewClient(opts Options) *Client {
	h := http.Header{}
	h.Set("accept", opts.Accept)
	h.Set("Content-Type", opts.ContentType)
	h.Set("x-api-key", opts.APIKey)

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		headers: h,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: httplog.New(opts.Transport),
		},
		archiver: opts.Archiver,
		now:      time.Now,
	}
}

// FetchStores fetches the unit listing.
func (c *Client) FetchStores(ctx context.Context) (*table.Table, error) {
	body, err := c.get(ctx, StoresPath, nil)
	if err != nil {
		return nil, fmt.Errorf("FetchStores: %w", err)
	}
	c.archive(ctx, StoresKey, civil.DateOf(c.now()), body)

	t, err := decodeRecords(body, StoresKey)
	if err != nil {
		return nil, fmt.Errorf("FetchStores: %w", err)
	}
	return t, nil
}

// FetchVisits fetches the consolidated visits of companyID on day.
func (c *Client) FetchVisits(ctx context.Context, day civil.Date, companyID int) (*table.Table, error) {
	q := url.Values{}
	q.Set("empresa_id", strconv.Itoa(companyID))
	q.Set("data", day.String())

	body, err := c.get(ctx, VisitsPath, q)
	if err != nil {
		return nil, fmt.Errorf("FetchVisits %s: %w", day, err)
	}
	c.archive(ctx, VisitsKey, day, body)

	t, err := decodeRecords(body, VisitsKey)
	if err != nil {
		return nil, fmt.Errorf("FetchVisits %s: %w", day, err)
	}
	return t, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil, &StatusError{Endpoint: path, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (c *Client) archive(ctx context.Context, kind string, day civil.Date, body []byte) {
	if c.archiver == nil {
		return
	}
	if err := c.archiver.Archive(ctx, kind, day, body); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("kind", kind).Str("day", day.String()).Msg("archiving raw payload failed")
	}
}

// decodeRecords parses body as {"<key>": [ {...}, ... ]}. Numbers are kept
// as json.Number so large ids survive exactly.
func decodeRecords(body []byte, key string) (*table.Table, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	raw, ok := payload[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrMalformedPayload, key)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T, not an array", ErrMalformedPayload, key, raw)
	}

	records := make([]map[string]any, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s[%d] is %T, not an object", ErrMalformedPayload, key, i, item)
		}
		records = append(records, obj)
	}
	return table.FromRecords(records), nil
}
