package document

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// client is the narrow HTTP surface the adapter needs: JSON in, JSON out,
// basic auth, one timeout for the whole request.
type client struct {
	base     string
	username string
	password string
	http     *http.Client
}

func newClient(endpoint, username, password string, timeout time.Duration) *client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &client{
		base:     strings.TrimRight(endpoint, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

// do sends one JSON request. out may be nil to discard the body. The status
// and headers are valid whenever err is nil; non-2xx statuses are the
// caller's to interpret.
func (c *client) do(ctx context.Context, method, path string, query url.Values, body, out any) (int, http.Header, error) {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		payload = bytes.NewReader(buf)
	}
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if derr := json.NewDecoder(resp.Body).Decode(out); derr != nil {
			return resp.StatusCode, resp.Header, derr
		}
		return resp.StatusCode, resp.Header, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, resp.Header, nil
}
