// Package workerclient is the HTTP client the drain coordinator and the
// idle controller use to talk to a worker's own small HTTP surface
// (/worker/health, /worker/status, /worker/drain). Every call is bounded
// by the timeout passed to that call.
package workerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/ghosthands/pkg/types"
)

// Client issues bounded HTTP calls to a worker's local surface.
type Client struct {
	HTTP *http.Client
	Port int
}

// New builds a Client. port is the worker HTTP port (e.g. 3000).
func New(port int) *Client {
	return &Client{HTTP: &http.Client{}, Port: port}
}

func (c *Client) url(ip, path string) string {
	return fmt.Sprintf("http://%s:%d%s", ip, c.Port, path)
}

// Health calls GET /worker/health with the given timeout.
func (c *Client) Health(ctx context.Context, ip string, timeout time.Duration) (types.WorkerHealthReport, error) {
	var report types.WorkerHealthReport
	err := c.get(ctx, ip, "/worker/health", timeout, &report)
	return report, err
}

// Status calls GET /worker/status with the given timeout.
func (c *Client) Status(ctx context.Context, ip string, timeout time.Duration) (types.WorkerStatusReport, error) {
	var report types.WorkerStatusReport
	err := c.get(ctx, ip, "/worker/status", timeout, &report)
	return report, err
}

// Drain calls POST /worker/drain with the given timeout.
func (c *Client) Drain(ctx context.Context, ip string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(ip, "/worker/drain"), nil)
	if err != nil {
		return fmt.Errorf("workerclient: build drain request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("workerclient: drain %s: %w", ip, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("workerclient: drain %s: status %d", ip, resp.StatusCode)
	}
	return nil
}

func (c *Client) get(ctx context.Context, ip, path string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(ip, path), nil)
	if err != nil {
		return fmt.Errorf("workerclient: build request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("workerclient: %s %s: %w", path, ip, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("workerclient: %s %s: status %d", path, ip, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
