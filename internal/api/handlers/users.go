package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/organization-manager/organization-manager/internal/access"
	"github.com/organization-manager/organization-manager/internal/db/models"
	"github.com/organization-manager/organization-manager/internal/middleware"
)

// UserService is the part of the lifecycle the user endpoints drive
type UserService interface {
	CreateUser(ctx context.Context, caller access.Caller, login string, inviteLanguage *string) (*models.User, error)
	Me(ctx context.Context, caller access.Caller) (*models.User, error)
	ListUsers(ctx context.Context, caller access.Caller, orgID string) ([]*models.User, error)
	InviteUser(ctx context.Context, caller access.Caller, orgID, login string, inviteLanguage *string) (*models.User, error)
	AddUserToOrganization(ctx context.Context, caller access.Caller, orgID, userID string) (*models.User, error)
	MarkUsersUsed(ctx context.Context, caller access.Caller, orgID string, logins []string) error
	ResendInvite(ctx context.Context, caller access.Caller, userID string) error
	AcceptInvite(ctx context.Context, caller access.Caller, userID string, key *string) (*models.User, error)
	DeclineInvite(ctx context.Context, caller access.Caller, userID string) error
	CreateEmailVerificationTicket(ctx context.Context, caller access.Caller) (string, error)
	PromoteToAdmin(ctx context.Context, caller access.Caller, orgID, userID string) (*models.User, error)
	RemoveAdminRights(ctx context.Context, caller access.Caller, orgID, userID string) (*models.User, error)
	LinkRoleToUser(ctx context.Context, caller access.Caller, userID, roleID string) error
	UnlinkRoleFromUser(ctx context.Context, caller access.Caller, userID, roleID string) error
	DeleteUser(ctx context.Context, caller access.Caller, userID string) error
}

// UserHandlers handles user membership and invitation endpoints
type UserHandlers struct {
	svc UserService
}

// NewUserHandlers creates a new UserHandlers instance
func NewUserHandlers(svc UserService) *UserHandlers {
	return &UserHandlers{svc: svc}
}

// UserRequest creates a user by login, standalone or as an invitation
type UserRequest struct {
	Login          string  `json:"login"`
	InviteLanguage *string `json:"inviteLanguage"`
}

// UsedRequest lists the logins to mark as used
type UsedRequest struct {
	Logins []string `json:"logins"`
}

// AcceptRequest carries the optional accept key of an invitation
type AcceptRequest struct {
	AcceptKey *string `json:"acceptKey"`
}

// @Summary      List organization users
// @Tags         Users
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Organization ID"
// @Success      200  {array}  models.User
// @Router       /api/v1/organizations/{id}/users [get]
func (h *UserHandlers) ListUsersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := h.svc.ListUsers(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		if users == nil {
			users = []*models.User{}
		}
		c.JSON(http.StatusOK, users)
	}
}

// @Summary      Invite a user
// @Description  Creates the user if needed and links it to the organization. Logins unknown to the identity provider are invited by mail.
// @Tags         Users
// @Security     Bearer
// @Accept       json
// @Param        id    path  string       true  "Organization ID"
// @Param        body  body  UserRequest  true  "Login and invite language"
// @Success      204
// @Failure      403  {object}  map[string]interface{}  "User belongs to another organization"
// @Router       /api/v1/organizations/{id}/users [post]
func (h *UserHandlers) InviteUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UserRequest
		if !bindJSON(c, &req) {
			return
		}

		if _, err := h.svc.InviteUser(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"), req.Login, req.InviteLanguage); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// AddUserHandler links an existing user to the organization
// PUT /api/v1/organizations/:id/users/:user_id
func (h *UserHandlers) AddUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := h.svc.AddUserToOrganization(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"), c.Param("user_id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// @Summary      Mark users used
// @Description  Moves CREATED members among the given logins to INVITED.
// @Tags         Users
// @Security     Bearer
// @Accept       json
// @Param        id    path  string       true  "Organization ID"
// @Param        body  body  UsedRequest  true  "Logins"
// @Success      204
// @Router       /api/v1/organizations/{id}/users/used [post]
func (h *UserHandlers) MarkUsedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UsedRequest
		if !bindJSON(c, &req) {
			return
		}

		if err := h.svc.MarkUsersUsed(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"), req.Logins); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// PromoteAdminHandler grants organization admin rights
// PUT /api/v1/organizations/:id/users/:user_id/admin
func (h *UserHandlers) PromoteAdminHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := h.svc.PromoteToAdmin(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"), c.Param("user_id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

// RemoveAdminHandler revokes organization admin rights
// DELETE /api/v1/organizations/:id/users/:user_id/admin
func (h *UserHandlers) RemoveAdminHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := h.svc.RemoveAdminRights(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"), c.Param("user_id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

// @Summary      Create a standalone user
// @Tags         Users
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  UserRequest  true  "Login and invite language"
// @Success      201  {object}  models.User
// @Failure      409  {object}  map[string]interface{}  "Login already exists"
// @Router       /api/v1/users [post]
func (h *UserHandlers) CreateUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UserRequest
		if !bindJSON(c, &req) {
			return
		}

		user, err := h.svc.CreateUser(c.Request.Context(), middleware.CallerFrom(c), req.Login, req.InviteLanguage)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, user)
	}
}

// MeHandler returns the caller's own user record
// GET /api/v1/users/me
func (h *UserHandlers) MeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := h.svc.Me(c.Request.Context(), middleware.CallerFrom(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

// EmailVerificationHandler issues an identity-provider email verification ticket for the caller
// POST /api/v1/users/me/email-verification
func (h *UserHandlers) EmailVerificationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ticket, err := h.svc.CreateEmailVerificationTicket(c.Request.Context(), middleware.CallerFrom(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ticket": ticket})
	}
}

// @Summary      Accept an invitation
// @Description  Only the invited user may accept. The accept key may be sent in the body or as the acceptKey query parameter.
// @Tags         Users
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id         path   string         true   "User ID"
// @Param        acceptKey  query  string         false  "Accept key from the invite mail"
// @Param        body       body   AcceptRequest  false  "Accept key"
// @Success      200  {object}  models.User
// @Failure      403  {object}  map[string]interface{}  "Not the invited user or wrong key"
// @Router       /api/v1/users/{id}/accept [post]
func (h *UserHandlers) AcceptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AcceptRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if req.AcceptKey == nil {
			if key, ok := c.GetQuery("acceptKey"); ok {
				req.AcceptKey = &key
			}
		}

		user, err := h.svc.AcceptInvite(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"), req.AcceptKey)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

// DeclineHandler declines an invitation; the user record is removed
// POST /api/v1/users/:id/decline
func (h *UserHandlers) DeclineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.svc.DeclineInvite(c.Request.Context(), middleware.CallerFrom(c), c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// ResendInviteHandler issues a fresh accept key and sends the invite mail again
// POST /api/v1/users/:id/resend-invite
func (h *UserHandlers) ResendInviteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.svc.ResendInvite(c.Request.Context(), middleware.CallerFrom(c), c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// LinkRoleHandler gives a user one of its organization's roles
// PUT /api/v1/users/:id/roles/:role_id
func (h *UserHandlers) LinkRoleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.svc.LinkRoleToUser(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"), c.Param("role_id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// UnlinkRoleHandler takes a role away from a user
// DELETE /api/v1/users/:id/roles/:role_id
func (h *UserHandlers) UnlinkRoleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.svc.UnlinkRoleFromUser(c.Request.Context(), middleware.CallerFrom(c), c.Param("id"), c.Param("role_id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// @Summary      Delete user
// @Description  Removes the user's identity-provider roles, the local record and notifies subscribers.
// @Tags         Users
// @Security     Bearer
// @Param        id  path  string  true  "User ID"
// @Success      204
// @Router       /api/v1/users/{id} [delete]
func (h *UserHandlers) DeleteUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.svc.DeleteUser(c.Request.Context(), middleware.CallerFrom(c), c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
