package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/organization-manager/organization-manager/internal/access"
	"github.com/organization-manager/organization-manager/internal/db/models"
	"github.com/organization-manager/organization-manager/internal/middleware"
)

// RoleService is the part of the lifecycle the role endpoints drive
type RoleService interface {
	CreateRole(ctx context.Context, caller access.Caller, name string) (*models.Role, error)
	ListRoles(ctx context.Context, caller access.Caller, orgID string) ([]*models.Role, error)
	AddRoleToOrganization(ctx context.Context, caller access.Caller, orgID, roleID string) (*models.Role, error)
	DeleteRole(ctx context.Context, caller access.Caller, roleID string) error
}

// RoleHandlers handles role endpoints
type RoleHandlers struct {
	svc RoleService
}

// NewRoleHandlers creates a new RoleHandlers instance
func NewRoleHandlers(svc RoleService) *RoleHandlers {
	return &RoleHandlers{svc: svc}
}

// RoleRequest names a role by its functional name
type RoleRequest struct {
	Name string `json:"name"`
}

// ListRolesHandler lists an organization's roles
// GET /api/v1/organizations/:id/roles
func (h *RoleHandlers) ListRolesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		roles, err := h.svc.ListRoles(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		if roles == nil {
			roles = []*models.Role{}
		}
		c.JSON(http.StatusOK, roles)
	}
}

// @Summary      Create a standalone role
// @Description  The technical name is assigned when the role is linked to an organization.
// @Tags         Roles
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  RoleRequest  true  "Functional name"
// @Success      201  {object}  models.Role
// @Router       /api/v1/roles [post]
func (h *RoleHandlers) CreateRoleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RoleRequest
		if !bindJSON(c, &req) {
			return
		}

		role, err := h.svc.CreateRole(c.Request.Context(), middleware.CallerFrom(c), req.Name)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, role)
	}
}

// @Summary      Link a role to an organization
// @Description  Generates the role's technical name and creates it in the identity provider.
// @Tags         Roles
// @Security     Bearer
// @Produce      json
// @Param        id       path  string  true  "Organization ID"
// @Param        role_id  path  string  true  "Role ID"
// @Success      200  {object}  models.Role
// @Failure      409  {object}  map[string]interface{}  "No free technical name"
// @Router       /api/v1/organizations/{id}/roles/{role_id} [put]
func (h *RoleHandlers) AddRoleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, err := h.svc.AddRoleToOrganization(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"), c.Param("role_id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, role)
	}
}

// DeleteRoleHandler deletes a role and its identity-provider counterpart
// DELETE /api/v1/roles/:id
func (h *RoleHandlers) DeleteRoleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.svc.DeleteRole(c.Request.Context(), middleware.CallerFrom(c), c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
