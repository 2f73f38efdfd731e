// Package callback implements the OrganizationCallbackGateway. Every delivery is signed with
// HMAC-SHA256 over the request body in the X-Webhook-Signature header ("sha256=<hex>"). A
// receiver answering 404 has no interest in the event, which counts as success.
package callback

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"time"

	"github.com/organization-manager/organization-manager/internal/gateway"
)

const (
	gatewayName     = "callback"
	SignatureHeader = "X-Webhook-Signature"
)

// Sign returns the signature header value for body
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header produced by Sign
func Verify(secret string, body []byte, header string) bool {
	return secret != "" && hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}

// Client implements gateway.OrganizationCallbackGateway
type Client struct {
	http *gateway.Client
}

// New creates a callback client. With an empty baseURL callbacks are disabled and New
// returns a Noop.
func New(baseURL, secret string, timeout time.Duration) gateway.OrganizationCallbackGateway {
	if baseURL == "" {
		return Noop{}
	}
	var opts []gateway.ClientOption
	if secret != "" {
		opts = append(opts, gateway.WithRequestHook(func(req *http.Request, body []byte) {
			req.Header.Set(SignatureHeader, Sign(secret, body))
		}))
	}
	return &Client{http: gateway.NewClient(gatewayName, baseURL, timeout, opts...)}
}

type event struct {
	Login          string `json:"login,omitempty"`
	OrganizationID string `json:"organizationId"`
	DeviceID       string `json:"deviceId,omitempty"`
}

func (c *Client) deliver(ctx context.Context, operation, method, path string, query url.Values, body any) error {
	_, err := c.http.Do(ctx, gateway.Request{
		Operation: operation,
		Method:    method,
		Path:      path,
		Query:     query,
		Body:      body,
	}, nil)
	if gateway.IsStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

func orgQuery(organizationID string) url.Values {
	return url.Values{"organizationId": {organizationID}}
}

// PreDeleteCheck asks the receiver whether the organization may be deleted
func (c *Client) PreDeleteCheck(ctx context.Context, organizationID string) error {
	return c.deliver(ctx, "pre_delete_check", http.MethodGet, "/organizations/pre-delete-check", orgQuery(organizationID), nil)
}

// OrganizationRemoved reports a deleted organization
func (c *Client) OrganizationRemoved(ctx context.Context, organizationID string) error {
	return c.deliver(ctx, "organization_removed", http.MethodPost, "/organizations/removed", orgQuery(organizationID), nil)
}

// UserAccepted reports an accepted invitation
func (c *Client) UserAccepted(ctx context.Context, login, organizationID string) error {
	return c.deliver(ctx, "user_accepted", http.MethodPost, "/users/accepted", nil,
		event{Login: login, OrganizationID: organizationID})
}

// UserRemoved reports a user leaving an organization
func (c *Client) UserRemoved(ctx context.Context, login, organizationID string) error {
	return c.deliver(ctx, "user_removed", http.MethodPost, "/users/removed", nil,
		event{Login: login, OrganizationID: organizationID})
}

// DeviceRemoved reports a device unlinked from an organization
func (c *Client) DeviceRemoved(ctx context.Context, organizationID, deviceID string) error {
	return c.deliver(ctx, "device_removed", http.MethodPost, "/devices/removed", nil,
		event{OrganizationID: organizationID, DeviceID: deviceID})
}

// Noop accepts every event; used when no receiver is configured
type Noop struct{}

func (Noop) PreDeleteCheck(context.Context, string) error        { return nil }
func (Noop) OrganizationRemoved(context.Context, string) error   { return nil }
func (Noop) UserAccepted(context.Context, string, string) error  { return nil }
func (Noop) UserRemoved(context.Context, string, string) error   { return nil }
func (Noop) DeviceRemoved(context.Context, string, string) error { return nil }
