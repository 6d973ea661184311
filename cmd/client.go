package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/thomas-caarter-aic/agent-deployment-service/internal/reconciler"
	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
)

// defaultEndpoint is where a locally running agentd serve listens.
const defaultEndpoint = "http://localhost:8080"

// statusClient talks to the HTTP surface of a running agentd.
type statusClient struct {
	endpoint   string
	httpClient *http.Client
}

func newStatusClient(endpoint string, timeout time.Duration) (*statusClient, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q: expected a URL such as %s", endpoint, defaultEndpoint)
	}
	return &statusClient{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// ListStatuses returns the status of every agent known to the controller.
func (c *statusClient) ListStatuses(ctx context.Context) ([]reconciler.ReconcileStatus, error) {
	var body struct {
		Agents []reconciler.ReconcileStatus `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/status", &body); err != nil {
		return nil, err
	}
	return body.Agents, nil
}

// GetStatus returns the status of one agent.
func (c *statusClient) GetStatus(ctx context.Context, key agent.Key) (reconciler.ReconcileStatus, error) {
	var status reconciler.ReconcileStatus
	err := c.do(ctx, http.MethodGet, "/status/"+keyPath(key), &status)
	return status, err
}

// Reconcile asks the controller to reconcile one agent now.
func (c *statusClient) Reconcile(ctx context.Context, key agent.Key) error {
	return c.do(ctx, http.MethodPost, "/reconcile/"+keyPath(key), nil)
}

// Resync asks the controller to re-list its source.
func (c *statusClient) Resync(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/resync", nil)
}

func (c *statusClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach agentd at %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("agentd returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("agentd returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func keyPath(key agent.Key) string {
	return url.PathEscape(key.TenantID) + "/" + url.PathEscape(key.AgentID)
}
