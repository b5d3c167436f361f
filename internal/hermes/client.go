package hermes

import (
	"context"
	"strings"
	"time"

	"github.com/vx11/vx11/internal/httpx"
)

// Client calls a remote Hermes service.
type Client struct {
	http    *httpx.Client
	base    string
	timeout time.Duration
}

// NewClient creates a client for the Hermes base URL.
func NewClient(c *httpx.Client, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{http: c, base: strings.TrimRight(baseURL, "/"), timeout: timeout}
}

// SelectEngine returns the chosen engine or nil for "none".
func (c *Client) SelectEngine(ctx context.Context, domain string, sc SelectContext) (*Selection, error) {
	var resp SelectResponse
	if err := c.http.PostJSON(ctx, c.base+"/hermes/select-engine", c.timeout, SelectRequest{Domain: domain, Context: sc}, &resp); err != nil {
		return nil, err
	}
	return resp.Engine, nil
}

// UseQuota charges tokens and reports whether the charge was applied.
func (c *Client) UseQuota(ctx context.Context, engineID string, tokens int) (bool, error) {
	var resp QuotaResponse
	if err := c.http.PostJSON(ctx, c.base+"/hermes/use-quota", c.timeout, QuotaRequest{EngineID: engineID, Tokens: tokens}, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

// Execute runs a prompt on an engine. timeout bounds the engine call.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest, timeout time.Duration) (*ExecuteResult, error) {
	var res ExecuteResult
	if err := c.http.PostJSON(ctx, c.base+"/hermes/execute", timeout, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
