// Package netutil holds the HTTP client used to talk to peer API servers.
package netutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPStatusError indicates the server responded, but with an unexpected
// HTTP status code. This is a non-network failure.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("jsonclient: unexpected status %d from %s", e.StatusCode, e.URL)
}

// NonRetryableError indicates request setup failed before any transport
// attempt was made (for example, malformed URL).
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("jsonclient: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// JSONClient issues short JSON GET requests against peer API servers. Every
// request carries its own timeout so one slow peer cannot stall a fan-out.
type JSONClient struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewJSONClient creates a client with the given per-request timeout.
func NewJSONClient(timeout time.Duration) *JSONClient {
	return &JSONClient{
		Client:  &http.Client{},
		Timeout: timeout,
	}
}

// Get fetches the URL and decodes the JSON response into out. A non-200
// answer is reported as HTTPStatusError with the body discarded.
func (c *JSONClient) Get(ctx context.Context, url string, out any) error {
	body, status, err := c.GetRaw(ctx, url)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &HTTPStatusError{StatusCode: status, URL: url}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("jsonclient: decode %s: %w", url, err)
	}
	return nil
}

// GetRaw fetches the URL and returns the raw body and status code. Callers
// that relay answers verbatim use it to keep the upstream status.
func (c *JSONClient) GetRaw(ctx context.Context, url string) ([]byte, int, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, &NonRetryableError{Err: err}
	}
	req.Header.Set("Accept", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("jsonclient: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("jsonclient: %w", err)
	}
	return body, resp.StatusCode, nil
}
