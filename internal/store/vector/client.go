package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// client is the narrow HTTP seam to the vector backend. One method, JSON in
// and out, api-key auth. Error classification happens above it.
type client struct {
	base   string
	apiKey string
	http   *http.Client
}

func newClient(endpoint, apiKey string, timeout time.Duration) *client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &client{
		base:   strings.TrimRight(endpoint, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
	}
}

// do sends one request and decodes the response into out when out is non-nil
// and the status is a success. The status code is returned whenever the
// request itself completed.
func (c *client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
