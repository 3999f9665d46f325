// Package agent talks to the local adapter that fronts the physical
// objects. The gateway forwards inbound overlay requests to the agent and
// hands it events received from remote objects.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mvera/fedgate/internal/domain/shared"
	"github.com/mvera/fedgate/pkg/common/logger"
)

// Config holds the connection settings for the local agent.
type Config struct {
	// Host is the base URL of the agent API, e.g. "http://agent:81/agent".
	Host string

	// Timeout bounds each HTTP request.
	Timeout time.Duration
}

// Client is the HTTP client for the local agent.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *logger.Logger
}

// NewClient builds an agent client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: log.With("component", "agent_client"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body json.RawMessage) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Host+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, shared.NewError(shared.StatusServiceUnavailable, "agent unreachable: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading agent response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, shared.NewError(shared.Status(resp.StatusCode), "agent %s %s: %s", method, path, string(raw))
	}
	return raw, nil
}

// GetProperty reads a property of a locally hosted object on behalf of the
// remote caller identified by sourceOid.
func (c *Client) GetProperty(ctx context.Context, sourceOid, oid, pid string) (json.RawMessage, error) {
	path := fmt.Sprintf("/objects/%s/properties/%s?sourceoid=%s",
		url.PathEscape(oid), url.PathEscape(pid), url.QueryEscape(sourceOid))
	return c.do(ctx, http.MethodGet, path, nil)
}

// PutProperty writes a property of a locally hosted object.
func (c *Client) PutProperty(ctx context.Context, sourceOid, oid, pid string, body json.RawMessage) (json.RawMessage, error) {
	path := fmt.Sprintf("/objects/%s/properties/%s?sourceoid=%s",
		url.PathEscape(oid), url.PathEscape(pid), url.QueryEscape(sourceOid))
	return c.do(ctx, http.MethodPut, path, body)
}

// PutEvent delivers an event published by a remote object to the local
// subscriber identified by oid.
func (c *Client) PutEvent(ctx context.Context, sourceOid, oid, eid string, body json.RawMessage) (json.RawMessage, error) {
	path := fmt.Sprintf("/objects/%s/events/%s?sourceoid=%s",
		url.PathEscape(oid), url.PathEscape(eid), url.QueryEscape(sourceOid))
	return c.do(ctx, http.MethodPut, path, body)
}

// Discovery asks the agent for the thing description of a local object. A
// remote caller's sparql query, if present, is forwarded as the body.
func (c *Client) Discovery(ctx context.Context, sourceOid, oid string, sparql json.RawMessage) (json.RawMessage, error) {
	path := fmt.Sprintf("/objects/%s/discovery?sourceoid=%s",
		url.PathEscape(oid), url.QueryEscape(sourceOid))
	if len(sparql) > 0 {
		return c.do(ctx, http.MethodPost, path, sparql)
	}
	return c.do(ctx, http.MethodGet, path, nil)
}

// Notify forwards a platform notification to the agent.
func (c *Client) Notify(ctx context.Context, nid string, body json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/notifications/"+url.PathEscape(nid), body)
}
