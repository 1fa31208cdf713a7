package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultBaseURL matches the default control API listen address and base path.
const DefaultBaseURL = "http://127.0.0.1:54300/api"

// Client talks to the pgdesk control API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds quick calls. Ensure is bounded by its context only,
	// since a first run includes database setup.
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// New creates a new control API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// APIError is a failed API call. Kind is the error kind reported by the server.
type APIError struct {
	Status      int
	Kind        string
	Message     string
	Fix         string
	Recoverable bool
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error %d: %s: %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}

// IsReachable checks if the control API is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Control API unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Ensure brings the database up and returns how to connect to it.
func (c *Client) Ensure(ctx context.Context, opts EnsureOptions) (EnsureResult, error) {
	q := url.Values{}
	if opts.Mode != "" {
		q.Set("mode", opts.Mode)
	}
	if opts.Recover {
		q.Set("recover", "true")
	}
	var out EnsureResult
	// initdb and an extended start outlast the default timeout
	hc := *c.client
	hc.Timeout = 0
	err := c.do(ctx, &hc, http.MethodPost, "/ensure", q, &out)
	return out, err
}

// Shutdown stops a login-session server; a service keeps running.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, c.client, http.MethodPost, "/shutdown", nil, nil)
}

// Status reports the ensure state and the server process.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, c.client, http.MethodGet, "/status", nil, &out)
	return out, err
}

// StrategyStatus reports the OS registration for mode; empty mode means the installation's own.
func (c *Client) StrategyStatus(ctx context.Context, mode string) (StrategyStatus, error) {
	var out StrategyStatus
	err := c.do(ctx, c.client, http.MethodGet, "/strategy", modeQuery(mode), &out)
	return out, err
}

// Strategy runs install, remove, start or stop on the OS registration for mode.
// A refused operation is reported in the result and as an *APIError.
func (c *Client) Strategy(ctx context.Context, op, mode string) (OpResult, error) {
	var out OpResult
	err := c.do(ctx, c.client, http.MethodPost, "/strategy/"+url.PathEscape(op), modeQuery(mode), &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && out.Kind == "" {
		out = OpResult{Reason: apiErr.Message, Kind: apiErr.Kind}
	}
	return out, err
}

// History lists recent lifecycle events, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Event
	err := c.do(ctx, c.client, http.MethodGet, "/history", q, &out)
	return out, err
}

// Resources samples CPU and memory of the running server.
func (c *Client) Resources(ctx context.Context) (Resources, error) {
	var out Resources
	err := c.do(ctx, c.client, http.MethodGet, "/resources", nil, &out)
	return out, err
}

func modeQuery(mode string) url.Values {
	if mode == "" {
		return nil
	}
	return url.Values{"mode": []string{mode}}
}

// do performs the request and decodes a 200 response into out.
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp.StatusCode, body, out)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError builds an *APIError. Bodies shaped like out are decoded into it too.
func (c *Client) decodeError(status int, body []byte, out any) error {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		c.logger.Error("Failed to decode error response", "status", status)
		return apiErr
	}
	switch {
	case eb.Kind != "":
		apiErr.Kind, apiErr.Message, apiErr.Fix = eb.Kind, eb.Message, eb.Fix
		apiErr.Recoverable = eb.Recoverable
	case eb.OpKind != "":
		apiErr.Kind, apiErr.Message = eb.OpKind, eb.Reason
		if out != nil {
			_ = json.Unmarshal(body, out)
		}
	case eb.Error != "":
		apiErr.Message = eb.Error
	}
	c.logger.Debug("API request failed", "status", status, "kind", apiErr.Kind, "error", apiErr.Message)
	return apiErr
}
