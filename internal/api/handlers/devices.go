package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/organization-manager/organization-manager/internal/access"
	"github.com/organization-manager/organization-manager/internal/gateway"
	"github.com/organization-manager/organization-manager/internal/middleware"
)

// DeviceService is the part of the lifecycle the device endpoints drive
type DeviceService interface {
	ListDevices(ctx context.Context, caller access.Caller, orgID string) ([]*gateway.Asset, error)
	AddDevice(ctx context.Context, caller access.Caller, orgID, deviceID string) error
	RemoveDevice(ctx context.Context, caller access.Caller, orgID, deviceID string) error
	SaveDeviceProperties(ctx context.Context, caller access.Caller, orgID, deviceID string, properties map[string]any) error
	UploadDeviceImage(ctx context.Context, caller access.Caller, orgID, deviceID string, data []byte, contentType string) (string, error)
}

// DeviceHandlers handles device ownership endpoints
type DeviceHandlers struct {
	svc DeviceService
}

// NewDeviceHandlers creates a new DeviceHandlers instance
func NewDeviceHandlers(svc DeviceService) *DeviceHandlers {
	return &DeviceHandlers{svc: svc}
}

// ListDevicesHandler lists the assets linked to an organization
// GET /api/v1/organizations/:id/devices
func (h *DeviceHandlers) ListDevicesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assets, err := h.svc.ListDevices(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		if assets == nil {
			assets = []*gateway.Asset{}
		}
		c.JSON(http.StatusOK, assets)
	}
}

// AddDeviceHandler links a device to the organization
// PUT /api/v1/organizations/:id/devices/:device_id
func (h *DeviceHandlers) AddDeviceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.svc.AddDevice(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"), c.Param("device_id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// RemoveDeviceHandler unlinks a device from the organization
// DELETE /api/v1/organizations/:id/devices/:device_id
func (h *DeviceHandlers) RemoveDeviceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.svc.RemoveDevice(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"), c.Param("device_id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// @Summary      Save device properties
// @Description  Only allow-listed property keys are accepted.
// @Tags         Devices
// @Security     Bearer
// @Accept       json
// @Param        id         path  string                  true  "Organization ID"
// @Param        device_id  path  string                  true  "Device ID"
// @Param        body       body  map[string]interface{}  true  "Properties"
// @Success      204
// @Failure      400  {object}  map[string]interface{}  "Property not allowed"
// @Router       /api/v1/organizations/{id}/devices/{device_id}/properties [patch]
func (h *DeviceHandlers) SavePropertiesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var props map[string]any
		if !bindJSON(c, &props) {
			return
		}

		if err := h.svc.SaveDeviceProperties(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"), c.Param("device_id"), props); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// UploadImageHandler stores a device image and returns its location
// POST /api/v1/organizations/:id/devices/:device_id/image
func (h *DeviceHandlers) UploadImageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		data, contentType, err := readImage(c)
		if err != nil {
			respondError(c, err)
			return
		}

		location, err := h.svc.UploadDeviceImage(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"), c.Param("device_id"), data, contentType)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"location": location})
	}
}
