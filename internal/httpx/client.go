package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/vx11/vx11/internal/apierr"
)

// APIError is a non-2xx answer from another service.
type APIError struct {
	StatusCode int
	Body       string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d from %s: %s", e.StatusCode, e.Endpoint, e.Body)
}

// Client calls other VX11 services with the shared token and an explicit
// per-call timeout.
type Client struct {
	http   *http.Client
	header string
	token  string
}

// NewClient returns a client that sends token in header on every call.
func NewClient(header, token string) *Client {
	return &Client{
		http:   &http.Client{},
		header: header,
		token:  token,
	}
}

// WithHTTPClient swaps the underlying transport; tests use it.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// Do sends in as JSON (when non-nil) and decodes a 2xx body into out (when
// non-nil). Failures are classified into apierr kinds.
func (c *Client) Do(ctx context.Context, method, url string, timeout time.Duration, in, out any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request for %s: %w", url, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return apierr.Wrap(apierr.KindValidation, err, "building request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set(c.header, c.token)
	}
	if id := RequestID(ctx); id != "" {
		req.Header.Set(RequestIDHeader, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return classifyTransport(url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(url, resp.StatusCode, data)
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return apierr.Wrap(apierr.KindUpstreamUnavailable, err, "decoding response from "+url)
		}
	}
	return nil
}

// PostJSON is Do with POST.
func (c *Client) PostJSON(ctx context.Context, url string, timeout time.Duration, in, out any) error {
	return c.Do(ctx, http.MethodPost, url, timeout, in, out)
}

// GetJSON is Do with GET.
func (c *Client) GetJSON(ctx context.Context, url string, timeout time.Duration, out any) error {
	return c.Do(ctx, http.MethodGet, url, timeout, nil, out)
}

// Health probes url and returns the upstream status code. A transport
// failure returns status 0 and the classified error.
func (c *Client) Health(ctx context.Context, url string, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindValidation, err, "building request")
	}
	if c.token != "" {
		req.Header.Set(c.header, c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, classifyTransport(url, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	return resp.StatusCode, nil
}

func classifyTransport(url string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return apierr.Wrap(apierr.KindUpstreamTimeout, err, "timeout calling "+url)
	}
	return apierr.Wrap(apierr.KindUpstreamUnavailable, err, "calling "+url)
}

// classifyStatus keeps the kind reported by a VX11 upstream so errors are
// not flattened on their way back to the caller.
func classifyStatus(url string, status int, body []byte) error {
	cause := &APIError{StatusCode: status, Body: truncate(string(body), 512), Endpoint: url}
	var env ErrorBody
	if json.Unmarshal(body, &env) == nil && env.Error != "" {
		switch k := apierr.Kind(env.Error); k {
		case apierr.KindAuth, apierr.KindNotFound, apierr.KindValidation, apierr.KindCapacityExceeded,
			apierr.KindPolicyDenied, apierr.KindUpstreamUnavailable, apierr.KindUpstreamTimeout,
			apierr.KindIntegrity, apierr.KindCircuitOpen:
			msg := env.Message
			if msg == "" {
				msg = "upstream " + string(k)
			}
			return &apierr.Error{Kind: k, Message: msg, Detail: env.Detail, ConfirmToken: env.ConfirmToken, Status: status, Cause: cause}
		}
	}
	return &apierr.Error{
		Kind:    apierr.KindUpstreamUnavailable,
		Message: fmt.Sprintf("upstream returned %d", status),
		Detail:  map[string]any{"upstream_status": status},
		Cause:   cause,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
