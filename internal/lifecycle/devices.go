package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/organization-manager/organization-manager/internal/access"
	"github.com/organization-manager/organization-manager/internal/apperror"
	"github.com/organization-manager/organization-manager/internal/gateway"
	"github.com/organization-manager/organization-manager/internal/saga"
)

// Device properties cleared when a device leaves its organization, besides the custom ones
var wellKnownDeviceProperties = []string{
	gateway.PropertyOrganizationID,
	"image",
	"actions",
	"name",
	"information",
}

func (o *Orchestrator) requireAssets() error {
	if o.assets == nil {
		return apperror.BadRequest("asset management is disabled")
	}
	return nil
}

// deviceInOrganization finds a device and fails with NotFound unless it is linked to orgID
func (o *Orchestrator) deviceInOrganization(ctx context.Context, orgID, deviceID string) (*gateway.Asset, error) {
	asset, err := o.assets.FindByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if asset == nil || asset.OrganizationID() != orgID {
		return nil, apperror.NotFound("device %s not found in organization", deviceID)
	}
	return asset, nil
}

func (o *Orchestrator) clearedDeviceProperties() []string {
	return append(append([]string{}, wellKnownDeviceProperties...), o.opts.CustomDeviceProperties...)
}

// addClearDeviceStep clears the organization-scoped properties of an asset in one call. The
// compensation writes the previous values back.
func (o *Orchestrator) addClearDeviceStep(s *saga.Saga, asset *gateway.Asset) {
	cleared := make(map[string]any)
	previous := make(map[string]any)
	for _, key := range o.clearedDeviceProperties() {
		cleared[key] = nil
		if v, ok := asset.Properties[key]; ok {
			previous[key] = v
		} else {
			previous[key] = nil
		}
	}

	assetID := asset.ID
	s.Add("clear_device:"+asset.DeviceID,
		func(ctx context.Context) error {
			return o.assets.UpdateProperties(ctx, assetID, cleared)
		},
		func(ctx context.Context) error {
			return o.assets.UpdateProperties(ctx, assetID, previous)
		})
}

// ListDevices returns the devices linked to an organization
func (o *Orchestrator) ListDevices(ctx context.Context, caller access.Caller, orgID string) ([]*gateway.Asset, error) {
	if _, err := o.organization(ctx, orgID); err != nil {
		return nil, err
	}
	if err := o.policy.Check(ctx, caller, access.Organization(orgID), access.LevelMember); err != nil {
		return nil, err
	}
	if o.assets == nil {
		return []*gateway.Asset{}, nil
	}
	return o.assets.SearchByOrganizationID(ctx, orgID)
}

// AddDevice links a device to an organization. Unknown devices and devices of another
// organization are rejected; re-adding a linked device is a no-op.
func (o *Orchestrator) AddDevice(ctx context.Context, caller access.Caller, orgID, deviceID string) error {
	if _, err := o.organization(ctx, orgID); err != nil {
		return err
	}
	if err := o.policy.Check(ctx, caller, access.Organization(orgID), access.LevelOrganizationAdmin); err != nil {
		return err
	}
	if err := o.requireAssets(); err != nil {
		return err
	}

	return o.locked(ctx, orgID, func() error {
		asset, err := o.assets.FindByDeviceID(ctx, deviceID)
		if err != nil {
			return err
		}
		if asset == nil {
			return apperror.BadRequest("device %s is unknown", deviceID)
		}
		switch asset.OrganizationID() {
		case orgID:
			return nil
		case "":
		default:
			return apperror.BadRequest("device %s belongs to another organization", deviceID)
		}
		return o.assets.UpdateProperties(ctx, asset.ID, map[string]any{gateway.PropertyOrganizationID: orgID})
	})
}

// RemoveDevice unlinks a device: its organization-scoped properties are cleared in one call,
// then the "device removed" callback fires. A failing callback restores the properties.
func (o *Orchestrator) RemoveDevice(ctx context.Context, caller access.Caller, orgID, deviceID string) error {
	if _, err := o.organization(ctx, orgID); err != nil {
		return err
	}
	if err := o.policy.Check(ctx, caller, access.Organization(orgID), access.LevelOrganizationAdmin); err != nil {
		return err
	}
	if err := o.requireAssets(); err != nil {
		return err
	}

	return o.locked(ctx, orgID, func() error {
		asset, err := o.deviceInOrganization(ctx, orgID, deviceID)
		if err != nil {
			return err
		}

		s := saga.New("remove_device")
		o.addClearDeviceStep(s, asset)
		s.Then("device_removed_callback", func(ctx context.Context) error {
			return o.callbacks.DeviceRemoved(ctx, orgID, deviceID)
		})
		if err := s.Run(ctx); err != nil {
			return err
		}
		logProtocol("remove_device", "organization_id", orgID, "device_id", deviceID)
		return nil
	})
}

// SaveDeviceProperties writes device properties. Every key must be allow-listed; a single
// other key rejects the whole request before anything is written.
func (o *Orchestrator) SaveDeviceProperties(ctx context.Context, caller access.Caller, orgID, deviceID string, properties map[string]any) error {
	if _, err := o.organization(ctx, orgID); err != nil {
		return err
	}
	if err := o.policy.Check(ctx, caller, access.Organization(orgID), access.LevelOrganizationAdmin); err != nil {
		return err
	}
	if err := o.requireAssets(); err != nil {
		return err
	}
	if len(properties) == 0 {
		return apperror.BadRequest("no properties given")
	}
	if rejected := o.disallowedProperties(properties); len(rejected) > 0 {
		return apperror.Forbidden("properties not allowed: %s", strings.Join(rejected, ", "))
	}

	return o.locked(ctx, orgID, func() error {
		asset, err := o.deviceInOrganization(ctx, orgID, deviceID)
		if err != nil {
			return err
		}
		return o.assets.UpdateProperties(ctx, asset.ID, properties)
	})
}

func (o *Orchestrator) disallowedProperties(properties map[string]any) []string {
	allowed := make(map[string]bool, len(o.opts.AllowedDeviceProperties))
	for _, k := range o.opts.AllowedDeviceProperties {
		allowed[k] = true
	}
	delete(allowed, gateway.PropertyOrganizationID)

	var rejected []string
	for k := range properties {
		if !allowed[k] {
			rejected = append(rejected, k)
		}
	}
	sort.Strings(rejected)
	return rejected
}

// UploadDeviceImage stores a device image and records its location on the asset
func (o *Orchestrator) UploadDeviceImage(ctx context.Context, caller access.Caller, orgID, deviceID string, data []byte, contentType string) (string, error) {
	if _, err := o.organization(ctx, orgID); err != nil {
		return "", err
	}
	if err := o.policy.Check(ctx, caller, access.Organization(orgID), access.LevelOrganizationAdmin); err != nil {
		return "", err
	}
	if err := o.requireAssets(); err != nil {
		return "", err
	}

	var location string
	err := o.locked(ctx, orgID, func() error {
		asset, err := o.deviceInOrganization(ctx, orgID, deviceID)
		if err != nil {
			return err
		}
		if location, err = o.images.Upload(ctx, fmt.Sprintf("devices/%s/image", deviceID), data, contentType); err != nil {
			return err
		}
		return o.assets.UpdateProperties(ctx, asset.ID, map[string]any{"image": location})
	})
	return location, err
}
