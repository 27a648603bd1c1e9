// Package storage resolves file URLs to bytes. The pipeline consumes
// storage only through this one contract; upload transport lives elsewhere.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// Fetcher resolves a file URL to its bytes.
type Fetcher interface {
	Fetch(ctx context.Context, fileURL string) ([]byte, error)
}

// Client is the default Fetcher. It understands gs:// object URIs,
// http(s) URLs and file:// paths (used by the CLI for local imports).
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Fetcher with a default HTTP client.
func NewClient() *Client {
	return &Client{httpClient: http.DefaultClient}
}

// Fetch implements the Fetcher interface.
func (c *Client) Fetch(ctx context.Context, fileURL string) ([]byte, error) {
	switch {
	case strings.HasPrefix(fileURL, "gs://"):
		return fetchFromGCS(ctx, fileURL)
	case strings.HasPrefix(fileURL, "http://"), strings.HasPrefix(fileURL, "https://"):
		return c.fetchHTTP(ctx, fileURL)
	case strings.HasPrefix(fileURL, "file://"):
		return os.ReadFile(strings.TrimPrefix(fileURL, "file://"))
	default:
		return nil, fmt.Errorf("fetch: unsupported URL scheme: %s", fileURL)
	}
}

func (c *Client) fetchHTTP(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: unexpected status %d for %s", resp.StatusCode, fileURL)
	}
	return io.ReadAll(resp.Body)
}

// fetchFromGCS downloads the object bytes from the given gs:// URI.
func fetchFromGCS(ctx context.Context, gcsURI string) ([]byte, error) {
	bucket, object, err := splitGCSURI(gcsURI)
	if err != nil {
		return nil, err
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	defer client.Close()

	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open GCS object reader: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read GCS object: %w", err)
	}
	return data, nil
}

func splitGCSURI(uri string) (bucket, object string, err error) {
	trimmed := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	return parts[0], parts[1], nil
}

// FileNameFromURL extracts the bare file name from any supported URL form.
func FileNameFromURL(fileURL string) string {
	trimmed := fileURL
	for _, prefix := range []string{"gs://", "file://", "http://", "https://"} {
		trimmed = strings.TrimPrefix(trimmed, prefix)
	}
	if idx := strings.Index(trimmed, "?"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	return path.Base(trimmed)
}

// Ensure Client implements Fetcher.
var _ Fetcher = (*Client)(nil)
