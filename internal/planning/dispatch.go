// ABOUTME: Work dispatch contract and the HTTP implementation posting to agent endpoints
// ABOUTME: A 2xx JSON body is the agent's result; anything else is an agent error

package planning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxResultSize caps an agent's work response body.
const maxResultSize = 4 << 20

// ErrNoEndpoint is returned for agents configured without a work endpoint.
var ErrNoEndpoint = errors.New("agent has no work endpoint")

// WorkItem is the request sent to one agent.
type WorkItem struct {
	RequestID string         `json:"requestId"`
	PlanType  string         `json:"planType"`
	AgentID   string         `json:"agentId"`
	Params    map[string]any `json:"params,omitempty"`
	// Endpoint is the agent's base URL; not sent on the wire.
	Endpoint string `json:"-"`
}

// Dispatcher delivers one work item and waits for its result.
// Implementations must honour ctx.
type Dispatcher interface {
	Dispatch(ctx context.Context, item WorkItem) (json.RawMessage, error)
}

// HTTPDispatcher posts work items to <endpoint>/work.
type HTTPDispatcher struct {
	Client *http.Client
}

// NewHTTPDispatcher creates a dispatcher. A nil client uses http.DefaultClient;
// timeouts come from the dispatch context.
func NewHTTPDispatcher(client *http.Client) *HTTPDispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDispatcher{Client: client}
}

// Dispatch implements Dispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, item WorkItem) (json.RawMessage, error) {
	if item.Endpoint == "" {
		return nil, ErrNoEndpoint
	}

	body, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encoding work item: %w", err)
	}

	url := strings.TrimRight(item.Endpoint, "/") + "/work"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building work request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultSize))
	if err != nil {
		return nil, fmt.Errorf("reading work response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("agent returned %d", resp.StatusCode)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(data) {
		return nil, errors.New("agent returned invalid JSON")
	}
	return json.RawMessage(data), nil
}
