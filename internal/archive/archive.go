// Package archive keeps a copy of raw API payloads in Google Cloud Storage.
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"cloud.google.com/go/storage"
)

// ObjectWriter opens a writer for an object. It is satisfied by a thin
// wrapper over *storage.Client and by test fakes.
type ObjectWriter interface {
	NewWriter(ctx context.Context, bucket, object string) WriteCloser
}

// WriteCloser is the subset of *storage.Writer used here.
type WriteCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

// GCSArchiver writes payloads to gs://<bucket>/<prefix>/<kind>/<day>/<run>.json.
type GCSArchiver struct {
	objects ObjectWriter
	closer  func() error
	bucket  string
	prefix  string
	runID   string
}

type gcsObjects struct {
	client *storage.Client
}

func (g gcsObjects) NewWriter(ctx context.Context, bucket, object string) WriteCloser {
	w := g.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	return w
}

// NewGCSArchiver creates a storage client using Application Default
// Credentials.
func NewGCSArchiver(ctx context.Context, bucket, prefix, runID string) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSArchiver: create storage client: %w", err)
	}
	a := NewWithWriter(gcsObjects{client: client}, bucket, prefix, runID)
	a.closer = client.Close
	return a, nil
}

// NewWithWriter creates an archiver over any ObjectWriter.
func NewWithWriter(w ObjectWriter, bucket, prefix, runID string) *GCSArchiver {
	return &GCSArchiver{
		objects: w,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		runID:   runID,
	}
}

// ObjectName returns the object path for one payload.
func (a *GCSArchiver) ObjectName(kind string, day civil.Date) string {
	return path.Join(a.prefix, kind, day.String(), a.runID+".json")
}

// URI returns the gs:// URI for one payload.
func (a *GCSArchiver) URI(kind string, day civil.Date) string {
	return "gs://" + a.bucket + "/" + a.ObjectName(kind, day)
}

// Archive uploads body.
func (a *GCSArchiver) Archive(ctx context.Context, kind string, day civil.Date, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := a.objects.NewWriter(ctx, a.bucket, a.ObjectName(kind, day))
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("Archive: write %s: %w", a.URI(kind, day), err)
	}
	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return fmt.Errorf("Archive: finalize %s: %w", a.URI(kind, day), err)
	}
	return nil
}

// Close releases the storage client.
func (a *GCSArchiver) Close() error {
	if a.closer != nil {
		return a.closer()
	}
	return nil
}

// Nop discards payloads.
type Nop struct{}

func (Nop) Archive(context.Context, string, civil.Date, []byte) error { return nil }

func (Nop) Close() error { return nil }
