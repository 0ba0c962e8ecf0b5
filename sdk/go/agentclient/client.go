// Package agentclient is a Go client for a running agent's HTTP API and for
// the deployment control API.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Deployments use their own longer timeout.
const DefaultHTTPTimeout = 15 * time.Second

// Trade is one executed swap or withdrawal.
type Trade struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Details   string    `json:"details"`
	Hash      string    `json:"hash,omitempty"`
}

// Status mirrors the agent's GET /status payload.
type Status struct {
	Phase         string    `json:"phase"`
	WalletAddress *string   `json:"walletAddress"`
	PolBalance    float64   `json:"polBalance"`
	LastMessage   string    `json:"lastMessage"`
	NextStep      string    `json:"nextStep"`
	Trades        []Trade   `json:"trades"`
	Error         *string   `json:"error"`
	IsRunning     bool      `json:"isRunning"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// LogEntry is one user-visible log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Schedule describes an active schedule on the agent.
type Schedule struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	Times            []string  `json:"times,omitempty"`
	Active           bool      `json:"active"`
	NextRun          time.Time `json:"nextRun"`
	RemainingSeconds float64   `json:"remainingSeconds"`
	Runs             int       `json:"runs"`
	Failures         int       `json:"failures"`
	LastError        string    `json:"lastError,omitempty"`
}

// Health is the GET /health payload.
type Health struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptime"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("agent api error (%d): %s", e.StatusCode, e.Message)
}

// Client talks to one deployed agent.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Status fetches the agent status snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.call(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Logs fetches the buffered log lines.
func (c *Client) Logs(ctx context.Context) ([]LogEntry, error) {
	var entries []LogEntry
	err := c.call(ctx, http.MethodGet, "/logs", nil, &entries)
	return entries, err
}

// Start begins the agent loop for owner.
func (c *Client) Start(ctx context.Context, owner string) error {
	return c.call(ctx, http.MethodPost, "/start", map[string]string{"ownerAddress": owner}, nil)
}

// Stop cancels the active trade schedule.
func (c *Client) Stop(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/stop", struct{}{}, nil)
}

// Withdraw sends amount of token back to the owner and returns the transaction hash.
// An empty tokenAddress withdraws the native token.
func (c *Client) Withdraw(ctx context.Context, tokenAddress, amount string) (string, error) {
	body := map[string]any{"tokenAddress": tokenAddress, "amount": json.Number(amount)}
	var resp struct {
		Hash string `json:"hash"`
	}
	if err := c.call(ctx, http.MethodPost, "/withdraw", body, &resp); err != nil {
		return "", err
	}
	return resp.Hash, nil
}

// Schedules lists active schedules.
func (c *Client) Schedules(ctx context.Context) ([]Schedule, error) {
	var schedules []Schedule
	err := c.call(ctx, http.MethodGet, "/schedules", nil, &schedules)
	return schedules, err
}

// Health reports liveness and uptime.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.call(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

func (c *Client) call(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
