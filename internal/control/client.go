package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"proc-throttle/internal/core"
	"proc-throttle/internal/engine"
)

const defaultDialTimeout = 5 * time.Second

// Client talks to a running instance's control API.
type Client struct {
	http *http.Client
	base string
}

// NewClient returns a client for the pipe or socket at address.
func NewClient(address string) *Client {
	return newClient(&http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				ctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
				defer cancel()
				return Dial(ctx, address)
			},
			DisableKeepAlives: true,
		},
	}, "http://proc-throttle")
}

func newClient(hc *http.Client, base string) *Client {
	return &Client{http: hc, base: base}
}

// Status fetches the current status.
func (c *Client) Status(ctx context.Context) (engine.Status, error) {
	var st engine.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Toggle flips throttling and returns the new state.
func (c *Client) Toggle(ctx context.Context) (EnabledResponse, error) {
	var resp EnabledResponse
	err := c.do(ctx, http.MethodPost, "/toggle", nil, &resp)
	return resp, err
}

// SetEnabled turns throttling on or off.
func (c *Client) SetEnabled(ctx context.Context, v bool) (EnabledResponse, error) {
	path := "/disable"
	if v {
		path = "/enable"
	}
	var resp EnabledResponse
	err := c.do(ctx, http.MethodPost, path, nil, &resp)
	return resp, err
}

// Apply replaces the shaping parameters.
func (c *Client) Apply(ctx context.Context, cfg core.ThrottleConfig) (core.ThrottleConfig, error) {
	var out core.ThrottleConfig
	err := c.do(ctx, http.MethodPost, "/config", cfg, &out)
	return out, err
}

// Reload asks the instance to re-read its config file.
func (c *Client) Reload(ctx context.Context) (core.ThrottleConfig, error) {
	var out core.ThrottleConfig
	err := c.do(ctx, http.MethodPost, "/reload", nil, &out)
	return out, err
}

// Shutdown asks the instance to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/shutdown", nil, nil)
}

// APIError is a non-2xx reply.
type APIError struct {
	Code    int
	Message string
	Field   string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("control: %s (field %s, HTTP %d)", e.Message, e.Field, e.Code)
	}
	return fmt.Sprintf("control: %s (HTTP %d)", e.Message, e.Code)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var er ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
			er.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Code: resp.StatusCode, Message: er.Error, Field: er.Field}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("control: decode %s: %w", path, err)
	}
	return nil
}
