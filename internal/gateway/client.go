package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/organization-manager/organization-manager/internal/apperror"
	"github.com/organization-manager/organization-manager/internal/telemetry"
)

const maxErrorBody = 4 << 10

// Request describes one outbound call
type Request struct {
	// Operation labels metrics and logs, e.g. "add_role"
	Operation string
	Method    string
	Path      string
	Query     url.Values
	Body      any
}

// RequestHook may add headers to an outgoing request. body is the encoded payload.
type RequestHook func(req *http.Request, body []byte)

// Client is a JSON-over-HTTP client shared by the HTTP gateways. Every call is bounded by a
// timeout, traced through otelhttp, counted and timed per gateway and operation.
type Client struct {
	name    string
	baseURL string
	timeout time.Duration
	http    *http.Client
	hooks   []RequestHook
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithTransport sets the base transport, e.g. an oauth2 transport. It is still wrapped by
// otelhttp.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.http.Transport = otelhttp.NewTransport(rt)
	}
}

// WithRequestHook registers a hook run on every request
func WithRequestHook(h RequestHook) ClientOption {
	return func(c *Client) {
		c.hooks = append(c.hooks, h)
	}
}

// NewClient creates a client for the named gateway
func NewClient(name, baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the gateway name used in metrics
func (c *Client) Name() string { return c.name }

// Do sends req and decodes a JSON response into out when out is non-nil. A non-2xx answer is
// returned as an *apperror.Error carrying that status; transport failures and timeouts are
// Upstream errors with status 502.
func (c *Client) Do(ctx context.Context, req Request, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	status, err := c.do(ctx, req, out)
	elapsed := time.Since(start)

	telemetry.GatewayRequestDuration.WithLabelValues(c.name, req.Operation).Observe(elapsed.Seconds())
	telemetry.GatewayRequestsTotal.WithLabelValues(c.name, req.Operation, outcome(status, err)).Inc()

	slog.Debug("gateway call",
		"gateway", c.name,
		"operation", req.Operation,
		"status", status,
		"duration", elapsed,
	)
	return status, err
}

func (c *Client) do(ctx context.Context, req Request, out any) (int, error) {
	var payload []byte
	if req.Body != nil {
		var err error
		if payload, err = json.Marshal(req.Body); err != nil {
			return 0, apperror.Internal(err, "failed to encode %s request", c.name)
		}
	}

	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(payload))
	if err != nil {
		return 0, apperror.Internal(err, "failed to build %s request", c.name)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for _, hook := range c.hooks {
		hook(httpReq, payload)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, apperror.Upstream(http.StatusGatewayTimeout, err, "%s timed out", c.name)
		}
		return 0, apperror.Upstream(0, err, "%s unavailable", c.name)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		slog.Debug("gateway error response", "gateway", c.name, "operation", req.Operation, "body", string(body))
		return resp.StatusCode, apperror.FromStatus(resp.StatusCode, "%s %s failed with status %d", c.name, req.Operation, resp.StatusCode)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, apperror.Upstream(0, err, "%s returned an invalid response", c.name)
		}
	}
	return resp.StatusCode, nil
}

func outcome(status int, err error) string {
	switch {
	case err == nil:
		return "ok"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "error"
	}
}

// IsStatus reports whether err is a gateway answer with the given status.
func IsStatus(err error, status int) bool {
	appErr, ok := apperror.As(err)
	return ok && appErr.Status == status
}

// Path joins escaped segments onto a prefix, e.g. Path("/roles", id, "users").
func Path(prefix string, segments ...string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// Errorf is a convenience for gateway implementations reporting malformed answers.
func Errorf(gateway, format string, args ...any) error {
	return apperror.Upstream(0, fmt.Errorf(format, args...), "%s returned an invalid response", gateway)
}
