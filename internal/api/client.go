// Package api holds the HTTP plumbing shared by the admin, market and
// activity clients.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Client is a thin JSON-over-HTTP client for one API base URL.
type Client struct {
	BaseURL    string
	AppKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	Verbose    bool
}

// New creates a client with sane defaults.
func New(baseURL, appKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		AppKey:  appKey,
		Timeout: 30 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Do performs a JSON request against the API. A nil out discards the
// response body. Transport failures are returned as-is, never as *APIError,
// so callers can tell an unreachable endpoint from a rejection.
func (c *Client) Do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		timeout := c.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.HTTPClient = &http.Client{Timeout: timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AppKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.AppKey)
	}
	if c.Verbose {
		log.Printf("api: %s %s", method, url)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode %s %s: %w", method, endpoint, err)
		}
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
