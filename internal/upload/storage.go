// ABOUTME: Object storage collaborator interface and HTTP implementation
// ABOUTME: Classifies transport and 5xx faults as transient for retry

package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrTransient marks a retryable network or storage-layer fault. The
// coordinator retries these with backoff; any other error is terminal.
var ErrTransient = errors.New("transient storage fault")

// ObjectStorage accepts a byte stream under a key and returns a stable
// public reference URI for it.
type ObjectStorage interface {
	Put(ctx context.Context, key string, data io.Reader, size int64) (ref string, err error)
}

// HTTPStorage uploads objects with a PUT to endpoint/<key> and expects a
// JSON response carrying the public URL. This matches the simple
// bytes-in/URL-out contract of hosted media stores.
type HTTPStorage struct {
	endpoint string
	client   *http.Client
}

// NewHTTPStorage creates a storage client for the given upload endpoint.
func NewHTTPStorage(endpoint string) *HTTPStorage {
	return &HTTPStorage{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

// Put streams data to the storage endpoint and returns the public URL.
// Transport errors and 5xx responses wrap ErrTransient; 4xx responses are
// terminal.
func (s *HTTPStorage) Put(ctx context.Context, key string, data io.Reader, size int64) (string, error) {
	target := s.endpoint + "/" + url.PathEscape(key)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, data)
	if err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	res, err := s.client.Do(req)
	if err != nil {
		// Don't mask the caller's own cancellation as retryable
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}

	if res.StatusCode >= 500 {
		return "", fmt.Errorf("%w: storage returned %d", ErrTransient, res.StatusCode)
	}
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("storage rejected upload with %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var uploadRes struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &uploadRes); err != nil {
		return "", fmt.Errorf("parsing storage response: %w", err)
	}
	if uploadRes.URL == "" {
		return "", fmt.Errorf("storage response missing url")
	}

	return uploadRes.URL, nil
}

// Ensure HTTPStorage implements ObjectStorage
var _ ObjectStorage = (*HTTPStorage)(nil)
