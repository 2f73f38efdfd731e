// Package asset implements the AssetGateway against the asset-management service.
package asset

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/organization-manager/organization-manager/internal/gateway"
)

const gatewayName = "asset"

// Client implements gateway.AssetGateway
type Client struct {
	http *gateway.Client
}

// New creates an asset-management client
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{http: gateway.NewClient(gatewayName, baseURL, timeout)}
}

func (c *Client) search(ctx context.Context, operation string, query url.Values) ([]*gateway.Asset, error) {
	var assets []*gateway.Asset
	_, err := c.http.Do(ctx, gateway.Request{
		Operation: operation,
		Method:    http.MethodGet,
		Path:      "/assets",
		Query:     query,
	}, &assets)
	if err != nil {
		return nil, err
	}
	return assets, nil
}

// FindByDeviceID returns nil, nil for an unknown device
func (c *Client) FindByDeviceID(ctx context.Context, deviceID string) (*gateway.Asset, error) {
	assets, err := c.search(ctx, "find_by_device", url.Values{"deviceId": {deviceID}})
	if gateway.IsStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, a := range assets {
		if a.DeviceID == deviceID {
			return a, nil
		}
	}
	return nil, nil
}

// SearchByOrganizationID lists the assets linked to an organization
func (c *Client) SearchByOrganizationID(ctx context.Context, organizationID string) ([]*gateway.Asset, error) {
	return c.search(ctx, "search_by_organization", url.Values{gateway.PropertyOrganizationID: {organizationID}})
}

// UpdateProperties patches the asset's properties
func (c *Client) UpdateProperties(ctx context.Context, assetID string, properties map[string]any) error {
	_, err := c.http.Do(ctx, gateway.Request{
		Operation: "update_properties",
		Method:    http.MethodPatch,
		Path:      gateway.Path("/assets", assetID, "properties"),
		Body:      properties,
	}, nil)
	return err
}

var _ gateway.AssetGateway = (*Client)(nil)
