package agentclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DeployTimeout bounds a deployment call; image builds take minutes.
const DeployTimeout = 15 * time.Minute

// DeployRequest is the POST /deploy-agent body.
type DeployRequest struct {
	AgentID      string `json:"agentId"`
	OwnerAddress string `json:"ownerAddress"`
	Strategy     string `json:"strategy"`
}

// DeployResult is the POST /deploy-agent response.
type DeployResult struct {
	AgentURL    string `json:"agentUrl"`
	ServiceName string `json:"serviceName"`
	ImageURI    string `json:"imageUri"`
}

// GeneratedStrategy is the POST /generate-strategy response.
type GeneratedStrategy struct {
	Strategy string `json:"strategy"`
	Thought  string `json:"thought,omitempty"`
}

// LogEvent is one frame of the log stream.
type LogEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Error     string    `json:"error"`
}

// ControlClient talks to the deployment control API.
type ControlClient struct {
	*Client
}

// NewControlClient creates a client that sends apiKey on every request.
func NewControlClient(rawURL, apiKey string, httpClient *http.Client) (*ControlClient, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DeployTimeout}
	}
	c, err := NewClient(rawURL, httpClient)
	if err != nil {
		return nil, err
	}
	c.apiKey = apiKey
	return &ControlClient{Client: c}, nil
}

// Deploy runs the deployment pipeline for one agent.
func (c *ControlClient) Deploy(ctx context.Context, req DeployRequest) (DeployResult, error) {
	var result DeployResult
	err := c.call(ctx, http.MethodPost, "/deploy-agent", req, &result)
	return result, err
}

// GenerateStrategy turns a description into a validated strategy document.
func (c *ControlClient) GenerateStrategy(ctx context.Context, description, chain string) (GeneratedStrategy, error) {
	var out GeneratedStrategy
	err := c.call(ctx, http.MethodPost, "/generate-strategy", map[string]string{
		"description": description,
		"chain":       chain,
	}, &out)
	return out, err
}

// StreamLogs follows the agent's hosted logs until ctx ends, the server closes
// the stream or handle returns an error.
func (c *ControlClient) StreamLogs(ctx context.Context, agentID string, handle func(LogEvent) error) error {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path.Join(u.Path, "/logs-stream", url.PathEscape(agentID))
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("x-api-key", c.apiKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(resp.Status)}
		}
		return fmt.Errorf("dial log stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var event LogEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read log stream: %w", err)
		}
		if event.Type == "error" {
			return fmt.Errorf("log stream: %s", event.Error)
		}
		if err := handle(event); err != nil {
			return err
		}
	}
}
