// Package api wires the HTTP routes of the organization manager.
//
// Everything under /api/v1 requires a bearer token. /health and /ready are unauthenticated
// probes; Prometheus metrics are served on a separate listener by cmd/server.
package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/organization-manager/organization-manager/internal/api/handlers"
	"github.com/organization-manager/organization-manager/internal/audit"
	"github.com/organization-manager/organization-manager/internal/auth"
	"github.com/organization-manager/organization-manager/internal/config"
	"github.com/organization-manager/organization-manager/internal/lifecycle"
	"github.com/organization-manager/organization-manager/internal/middleware"
	"github.com/organization-manager/organization-manager/internal/storage"
)

// Orchestrator is everything the API layer asks of the lifecycle
type Orchestrator interface {
	handlers.OrganizationService
	handlers.UserService
	handlers.RoleService
	handlers.DeviceService
}

var _ Orchestrator = (*lifecycle.Orchestrator)(nil)

// Dependencies holds the collaborators NewRouter wires into routes.
// Limiter and Shipper are optional; nil disables rate limiting and auditing.
type Dependencies struct {
	DB           *sql.DB
	Storage      storage.Storage
	Orchestrator Orchestrator
	Verifier     auth.Verifier
	Limiter      middleware.Limiter
	Shipper      audit.Shipper
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.Storage))
	router.GET("/version", versionHandler())

	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(deps.Verifier, cfg.Auth.GlobalAdminRole))
	if cfg.Security.RateLimiting.Enabled && deps.Limiter != nil {
		v1.Use(middleware.RateLimitMiddleware(deps.Limiter))
	}
	if cfg.Audit.Enabled && deps.Shipper != nil {
		v1.Use(middleware.AuditMiddleware(deps.Shipper, &cfg.Audit))
	}

	registerRoutes(v1, deps.Orchestrator)
	return router
}

func registerRoutes(v1 *gin.RouterGroup, orch Orchestrator) {
	orgs := handlers.NewOrganizationHandlers(orch)
	users := handlers.NewUserHandlers(orch)
	roles := handlers.NewRoleHandlers(orch)
	devices := handlers.NewDeviceHandlers(orch)

	organizations := v1.Group("/organizations")
	{
		organizations.GET("", orgs.ListOrganizationsHandler())
		organizations.POST("", orgs.CreateOrganizationHandler())
		organizations.GET("/:id", orgs.GetOrganizationHandler())
		organizations.PUT("/:id", orgs.UpdateOrganizationHandler())
		organizations.DELETE("/:id", orgs.DeleteOrganizationHandler())
		organizations.DELETE("/:id/cascade", orgs.CascadeDeleteOrganizationHandler())
		organizations.POST("/:id/image", orgs.UploadImageHandler(lifecycle.ImageKindImage))
		organizations.POST("/:id/logo", orgs.UploadImageHandler(lifecycle.ImageKindLogo))

		organizations.GET("/:id/users", users.ListUsersHandler())
		organizations.POST("/:id/users", users.InviteUserHandler())
		organizations.POST("/:id/users/used", users.MarkUsedHandler())
		organizations.PUT("/:id/users/:user_id", users.AddUserHandler())
		organizations.PUT("/:id/users/:user_id/admin", users.PromoteAdminHandler())
		organizations.DELETE("/:id/users/:user_id/admin", users.RemoveAdminHandler())

		organizations.GET("/:id/roles", roles.ListRolesHandler())
		organizations.PUT("/:id/roles/:role_id", roles.AddRoleHandler())

		organizations.GET("/:id/devices", devices.ListDevicesHandler())
		organizations.PUT("/:id/devices/:device_id", devices.AddDeviceHandler())
		organizations.DELETE("/:id/devices/:device_id", devices.RemoveDeviceHandler())
		organizations.PATCH("/:id/devices/:device_id/properties", devices.SavePropertiesHandler())
		organizations.POST("/:id/devices/:device_id/image", devices.UploadImageHandler())
	}

	usersGroup := v1.Group("/users")
	{
		usersGroup.POST("", users.CreateUserHandler())
		usersGroup.GET("/me", users.MeHandler())
		usersGroup.POST("/me/email-verification", users.EmailVerificationHandler())
		usersGroup.POST("/:id/accept", users.AcceptHandler())
		usersGroup.POST("/:id/decline", users.DeclineHandler())
		usersGroup.POST("/:id/resend-invite", users.ResendInviteHandler())
		usersGroup.PUT("/:id/roles/:role_id", users.LinkRoleHandler())
		usersGroup.DELETE("/:id/roles/:role_id", users.UnlinkRoleHandler())
		usersGroup.DELETE("/:id", users.DeleteUserHandler())
	}

	rolesGroup := v1.Group("/roles")
	{
		rolesGroup.POST("", roles.CreateRoleHandler())
		rolesGroup.DELETE("/:id", roles.DeleteRoleHandler())
	}
}

// @Summary      Health check
// @Description  Liveness probe. Checks database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy"
// @Router       /health [get]
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Checks the database and the image storage backend.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks, time"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
func readinessHandler(db *sql.DB, storageBackend storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// Exists on an absent key exercises credentials and connectivity without writing
		if storageBackend != nil {
			if _, err := storageBackend.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
				checks["storage"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "storage backend not ready",
				})
				return
			}
			checks["storage"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// Version is set at build time with -ldflags "-X .../internal/api.Version=..."
var Version = "dev"

func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}
