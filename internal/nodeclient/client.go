package nodeclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Checker performs a single health probe against a node address.
type Checker interface {
	Check(ctx context.Context, address string) error
}

type HTTPClient struct {
	httpClient *http.Client
	path       string
}

func NewHTTPClient(timeout time.Duration, path string) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if strings.TrimSpace(path) == "" {
		path = "/health"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &HTTPClient{httpClient: &http.Client{Timeout: timeout}, path: path}
}

func (c *HTTPClient) Check(ctx context.Context, address string) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("node address is required")
	}

	url := strings.TrimSuffix(normalizeAddress(address), "/") + c.path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Prober routes grpc:// addresses to the gRPC health service and everything else
// to the HTTP health endpoint.
type Prober struct {
	HTTP Checker
	GRPC Checker
}

func NewProber(timeout time.Duration) *Prober {
	return &Prober{
		HTTP: NewHTTPClient(timeout, "/health"),
		GRPC: NewGRPCClient(timeout),
	}
}

func (p *Prober) Check(ctx context.Context, address string) error {
	trimmed := strings.TrimSpace(address)
	if strings.HasPrefix(trimmed, "grpc://") {
		return p.GRPC.Check(ctx, trimmed)
	}
	return p.HTTP.Check(ctx, trimmed)
}

func normalizeAddress(nodeAddress string) string {
	trimmed := strings.TrimSpace(nodeAddress)
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed
	}
	return "http://" + trimmed
}
