// Package blobs uploads benchmark reports to object storage.
package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// Blobstore stores named report objects.
type Blobstore interface {
	// Upload copies src to the object name and returns its URL.
	Upload(ctx context.Context, src io.Reader, name string) (string, error)
}

// objectWriterFunc opens a writer for bucket/object. The returned closer
// releases the client once the writer is closed.
type objectWriterFunc func(ctx context.Context, bucket, object string) (io.WriteCloser, func() error, error)

// GCSBlobstore writes objects under gs://Bucket/Prefix.
type GCSBlobstore struct {
	Bucket string
	Prefix string

	open objectWriterFunc
}

var _ Blobstore = (*GCSBlobstore)(nil)

// ParseURL splits a gs://bucket/prefix URL.
func ParseURL(u string) (bucket, prefix string, err error) {
	if !strings.HasPrefix(u, "gs://") {
		return "", "", fmt.Errorf("blobs: upload URL must be a GCS bucket URL (gs://<bucket>[/prefix]), got %q", u)
	}

	rest := strings.TrimPrefix(u, "gs://")
	bucket, prefix, _ = strings.Cut(rest, "/")

	if bucket == "" {
		return "", "", errors.New("blobs: upload URL has no bucket")
	}

	return bucket, strings.Trim(prefix, "/"), nil
}

// NewGCS returns a blobstore for a gs:// URL.
func NewGCS(u string) (*GCSBlobstore, error) {
	bucket, prefix, err := ParseURL(u)
	if err != nil {
		return nil, err
	}

	return &GCSBlobstore{Bucket: bucket, Prefix: prefix, open: openGCSWriter}, nil
}

func openGCSWriter(ctx context.Context, bucket, object string) (io.WriteCloser, func() error, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCS storage client: %w", err)
	}

	w := client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"

	return w, client.Close, nil
}

// ObjectKey returns the object key name maps to under the prefix.
func (g *GCSBlobstore) ObjectKey(name string) string {
	if g.Prefix == "" {
		return name
	}

	return path.Join(g.Prefix, name)
}

// Upload copies src to gs://Bucket/Prefix/name.
func (g *GCSBlobstore) Upload(ctx context.Context, src io.Reader, name string) (string, error) {
	open := g.open
	if open == nil {
		open = openGCSWriter
	}

	key := g.ObjectKey(name)
	gcsURL := "gs://" + g.Bucket + "/" + key

	w, closeClient, err := open(ctx, g.Bucket, key)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := closeClient(); err != nil {
			slog.Warn("closing GCS client", "error", err)
		}
	}()

	slog.Info("uploading report to GCS", "destination", gcsURL)

	startedAt := time.Now()

	n, err := io.Copy(w, src)
	if err != nil {
		_ = w.Close()
		return "", fmt.Errorf("uploading to GCS: %w", err)
	}

	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing GCS writer: %w", err)
	}

	slog.Info("uploaded report to GCS", "url", gcsURL, "bytes", n, "duration", time.Since(startedAt))

	return gcsURL, nil
}
