package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/breeze-rmm/rdpwatch/internal/httputil"
)

// ErrServerStatus is returned when the monitor answers with a gateway or
// server error, e.g. a refresh that timed out.
var ErrServerStatus = errors.New("api: monitor returned an error status")

// Client calls a running monitor's status API.
type Client struct {
	baseURL string
	http    *http.Client
	retry   httputil.RetryConfig
}

// NewClient creates a client for the API listening on addr (host:port).
func NewClient(addr string, timeout time.Duration) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: timeout},
		retry:   httputil.RetryConfig{MaxRetries: 0},
	}
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.call(ctx, http.MethodGet, "/v1/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.call(ctx, http.MethodGet, "/v1/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh asks the monitor to republish the panel now and returns what it
// published.
func (c *Client) Refresh(ctx context.Context) (*RefreshResponse, error) {
	var out RefreshResponse
	if err := c.call(ctx, http.MethodPost, "/v1/refresh", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, method, path string, out any) error {
	resp, err := httputil.Do(ctx, c.http, method, c.baseURL+path, nil, nil, c.retry)
	if err != nil {
		var rse *httputil.RetryableStatusError
		if errors.As(err, &rse) {
			return fmt.Errorf("%s %s: %w (status %d)", method, path, ErrServerStatus, rse.StatusCode)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		var e errorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %w: %s (status %d)", method, path, ErrServerStatus, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %w (status %d)", method, path, ErrServerStatus, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
