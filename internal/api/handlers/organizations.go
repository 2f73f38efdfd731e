// organizations.go implements the organization endpoints: CRUD, cascade delete and images.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/organization-manager/organization-manager/internal/access"
	"github.com/organization-manager/organization-manager/internal/db/models"
	"github.com/organization-manager/organization-manager/internal/lifecycle"
	"github.com/organization-manager/organization-manager/internal/middleware"
)

// OrganizationService is the part of the lifecycle the organization endpoints drive
type OrganizationService interface {
	GetOrganization(ctx context.Context, caller access.Caller, id string) (*models.Organization, error)
	ListOrganizations(ctx context.Context, caller access.Caller, limit, offset int) ([]*models.Organization, int, error)
	CreateOrganization(ctx context.Context, caller access.Caller, in lifecycle.OrganizationInput) (*models.Organization, error)
	UpdateOrganization(ctx context.Context, caller access.Caller, id string, in lifecycle.OrganizationInput) (*models.Organization, error)
	UploadOrganizationImage(ctx context.Context, caller access.Caller, id, kind string, data []byte, contentType string) (*models.Organization, error)
	DeleteOrganization(ctx context.Context, caller access.Caller, id string) error
	CascadeDeleteOrganization(ctx context.Context, caller access.Caller, id string) error
}

// OrganizationHandlers handles organization management endpoints
type OrganizationHandlers struct {
	svc OrganizationService
}

// NewOrganizationHandlers creates a new OrganizationHandlers instance
func NewOrganizationHandlers(svc OrganizationService) *OrganizationHandlers {
	return &OrganizationHandlers{svc: svc}
}

// OrganizationRequest is the writable representation of an organization
type OrganizationRequest struct {
	Name    string         `json:"name"`
	Address models.Address `json:"address"`
	Phone   *string        `json:"phone"`
	Email   *string        `json:"email"`
}

func (r OrganizationRequest) input() lifecycle.OrganizationInput {
	return lifecycle.OrganizationInput{Name: r.Name, Address: r.Address, Phone: r.Phone, Email: r.Email}
}

// @Summary      List organizations
// @Description  Global admins see every organization, other callers only their own.
// @Tags         Organizations
// @Security     Bearer
// @Produce      json
// @Param        page      query  int  false  "Page number (default 1)"
// @Param        per_page  query  int  false  "Items per page, max 100 (default 20)"
// @Success      200  {object}  map[string]interface{}  "organizations: []models.Organization, pagination: {page, per_page, total}"
// @Router       /api/v1/organizations [get]
func (h *OrganizationHandlers) ListOrganizationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, perPage := pagination(c)

		orgs, total, err := h.svc.ListOrganizations(c.Request.Context(), middleware.CallerFrom(c), perPage, (page-1)*perPage)
		if err != nil {
			respondError(c, err)
			return
		}
		if orgs == nil {
			orgs = []*models.Organization{}
		}

		c.JSON(http.StatusOK, gin.H{
			"organizations": orgs,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}

// @Summary      Get organization
// @Tags         Organizations
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Organization ID"
// @Success      200  {object}  models.Organization
// @Failure      403  {object}  map[string]interface{}  "Not a member"
// @Failure      404  {object}  map[string]interface{}  "Organization not found"
// @Router       /api/v1/organizations/{id} [get]
func (h *OrganizationHandlers) GetOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, err := h.svc.GetOrganization(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, org)
	}
}

// @Summary      Create organization
// @Description  Creates the organization and makes the caller its first, accepted admin.
// @Tags         Organizations
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  OrganizationRequest  true  "Organization"
// @Success      201  {object}  models.Organization
// @Failure      400  {object}  map[string]interface{}  "Invalid input"
// @Failure      409  {object}  map[string]interface{}  "Name taken or caller already a member elsewhere"
// @Router       /api/v1/organizations [post]
func (h *OrganizationHandlers) CreateOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OrganizationRequest
		if !bindJSON(c, &req) {
			return
		}

		org, err := h.svc.CreateOrganization(c.Request.Context(), middleware.CallerFrom(c), req.input())
		if err != nil {
			respondError(c, err)
			return
		}
		c.Set(middleware.OrganizationIDKey, org.ID)
		c.JSON(http.StatusCreated, org)
	}
}

// @Summary      Update organization
// @Tags         Organizations
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string               true  "Organization ID"
// @Param        body  body  OrganizationRequest  true  "Organization"
// @Success      200  {object}  models.Organization
// @Router       /api/v1/organizations/{id} [put]
func (h *OrganizationHandlers) UpdateOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OrganizationRequest
		if !bindJSON(c, &req) {
			return
		}

		org, err := h.svc.UpdateOrganization(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"), req.input())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, org)
	}
}

// @Summary      Delete organization
// @Description  Deletes an organization without users, roles or devices.
// @Tags         Organizations
// @Security     Bearer
// @Param        id  path  string  true  "Organization ID"
// @Success      204
// @Failure      400  {object}  map[string]interface{}  "Organization not empty"
// @Router       /api/v1/organizations/{id} [delete]
func (h *OrganizationHandlers) DeleteOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.svc.DeleteOrganization(c.Request.Context(), middleware.CallerFrom(c), c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// @Summary      Delete organization with everything it owns
// @Description  Clears device links, deletes identity-provider roles, local users and roles, then the organization.
// @Tags         Organizations
// @Security     Bearer
// @Param        id  path  string  true  "Organization ID"
// @Success      204
// @Router       /api/v1/organizations/{id}/cascade [delete]
func (h *OrganizationHandlers) CascadeDeleteOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.svc.CascadeDeleteOrganization(c.Request.Context(), middleware.CallerFrom(c), c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// UploadImageHandler stores the multipart "file" part as the organization's image or logo
// POST /api/v1/organizations/:id/image
// POST /api/v1/organizations/:id/logo
func (h *OrganizationHandlers) UploadImageHandler(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, contentType, err := readImage(c)
		if err != nil {
			respondError(c, err)
			return
		}

		org, err := h.svc.UploadOrganizationImage(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"), kind, data, contentType)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, org)
	}
}
