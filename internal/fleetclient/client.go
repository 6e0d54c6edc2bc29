// Package fleetclient is the HTTP client for the fleetd admin API.
package fleetclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/VenkatGGG/runner-fleet/internal/events"
	"github.com/VenkatGGG/runner-fleet/internal/fleet"
	"github.com/VenkatGGG/runner-fleet/internal/node"
	"github.com/VenkatGGG/runner-fleet/pkg/httpx"
)

// APIError is a non-2xx admin API response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:     strings.TrimSpace(apiKey),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type NodeFilter struct {
	States    []node.State
	RoutingID string
}

type EnsureRequest struct {
	RoutingID string `json:"routing_id"`
	CPUMilli  int    `json:"cpu_milli,omitempty"`
	MemoryMB  int    `json:"memory_mb,omitempty"`
	StorageMB int    `json:"storage_mb,omitempty"`
}

func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	return c.do(ctx, http.MethodGet, "/healthz", nil, "", &out)
}

func (c *Client) ListNodes(ctx context.Context, filter NodeFilter) ([]node.Node, error) {
	query := url.Values{}
	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, state := range filter.States {
			states = append(states, string(state))
		}
		query.Set("state", strings.Join(states, ","))
	}
	if routingID := strings.TrimSpace(filter.RoutingID); routingID != "" {
		query.Set("routing_id", routingID)
	}
	path := "/v1/nodes"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out struct {
		Nodes []node.Node `json:"nodes"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

func (c *Client) GetNode(ctx context.Context, id int64) (node.Node, error) {
	var out node.Node
	err := c.do(ctx, http.MethodGet, nodePath(id, ""), nil, "", &out)
	return out, err
}

func (c *Client) EnsureNode(ctx context.Context, req EnsureRequest) (node.Node, error) {
	var out node.Node
	err := c.do(ctx, http.MethodPost, "/v1/nodes", req, "", &out)
	return out, err
}

func (c *Client) RegisterNode(ctx context.Context, id int64, nodeURL string) (node.Node, error) {
	var out node.Node
	err := c.do(ctx, http.MethodPost, nodePath(id, "/register"), map[string]string{"url": nodeURL}, "", &out)
	return out, err
}

func (c *Client) FinishNode(ctx context.Context, id int64) (node.Node, error) {
	var out node.Node
	err := c.do(ctx, http.MethodPost, nodePath(id, "/finish"), nil, "", &out)
	return out, err
}

// Rollout creates a deployment. A non-empty idempotencyKey makes retries safe.
func (c *Client) Rollout(ctx context.Context, image, idempotencyKey string) (fleet.Deployment, error) {
	var out fleet.Deployment
	err := c.do(ctx, http.MethodPost, "/v1/deployments", map[string]string{"image": image}, idempotencyKey, &out)
	return out, err
}

func (c *Client) ActiveDeployment(ctx context.Context) (fleet.Deployment, error) {
	var out fleet.Deployment
	err := c.do(ctx, http.MethodGet, "/v1/deployments/active", nil, "", &out)
	return out, err
}

func (c *Client) ListEvents(ctx context.Context, nodeID int64, limit int) ([]events.Event, error) {
	query := url.Values{}
	if nodeID > 0 {
		query.Set("node_id", strconv.FormatInt(nodeID, 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/events"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out struct {
		Events []events.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Watch streams live events to fn until ctx ends, the server closes the
// stream, or fn returns an error.
func (c *Client) Watch(ctx context.Context, nodeID int64, fn func(events.Event) error) error {
	streamURL := c.WebSocketURL("/v1/events/stream")
	if nodeID > 0 {
		streamURL += "?node_id=" + strconv.FormatInt(nodeID, 10)
	}
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if c.APIKey != "" {
		opts.HTTPHeader.Set("X-API-Key", c.APIKey)
	}
	conn, _, err := websocket.Dial(ctx, streamURL, opts)
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		var evt events.Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read event stream: %w", err)
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func (c *Client) WebSocketURL(path string) string {
	base := c.BaseURL
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	return base + path
}

func nodePath(id int64, suffix string) string {
	return "/v1/nodes/" + strconv.FormatInt(id, 10) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		if envelope, ok := httpx.ParseError(raw); ok {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
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
