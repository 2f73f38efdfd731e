// audit.go provides Gin middleware that records authenticated mutations to the audit trail.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/organization-manager/organization-manager/internal/audit"
	"github.com/organization-manager/organization-manager/internal/config"
	"github.com/organization-manager/organization-manager/internal/safego"
)

// OrganizationIDKey lets a handler name the organization a request created, for routes
// that carry no organization id in their path.
const OrganizationIDKey = "organization_id"

var resourceTypes = map[string]string{
	"organizations": "organization",
	"users":         "user",
	"roles":         "role",
	"devices":       "device",
}

// AuditMiddleware ships one entry per mutating request once the handler has run. Reads
// are never audited; failed mutations only when cfg.LogFailedRequests is set.
func AuditMiddleware(shipper audit.Shipper, cfg *config.AuditConfig) gin.HandlerFunc {
	logFailed := cfg != nil && cfg.LogFailedRequests

	return func(c *gin.Context) {
		c.Next()

		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return
		}
		if c.Writer.Status() >= 400 && !logFailed {
			return
		}
		if shipper == nil {
			return
		}

		entry := newEntry(c)
		safego.Go("audit-ship", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shipper.Ship(ctx, entry); err != nil {
				slog.Error("failed to ship audit entry", "action", entry.Action, "error", err)
			}
		})
	}
}

// newEntry snapshots the request; the gin.Context must not be touched after the handler returns
func newEntry(c *gin.Context) *audit.LogEntry {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	caller := CallerFrom(c)

	entry := &audit.LogEntry{
		Timestamp:   time.Now().UTC(),
		Action:      c.Request.Method + " " + route,
		Login:       caller.Login,
		GlobalAdmin: caller.GlobalAdmin,
		IPAddress:   c.ClientIP(),
		AuthMethod:  c.GetString(AuthMethodKey),
		RequestID:   c.GetString(RequestIDKey),
		StatusCode:  c.Writer.Status(),
	}
	entry.ResourceType, entry.ResourceID, entry.OrganizationID = describeRoute(c, route)
	if orgID := c.GetString(OrganizationIDKey); orgID != "" {
		entry.OrganizationID = orgID
	}
	return entry
}

// describeRoute names the innermost resource addressed by a route template such as
// /api/v1/organizations/:id/users/:user_id/admin
func describeRoute(c *gin.Context, route string) (resourceType, resourceID, orgID string) {
	segs := strings.Split(strings.Trim(route, "/"), "/")
	for i, seg := range segs {
		rt, ok := resourceTypes[seg]
		if !ok {
			continue
		}
		resourceType, resourceID = rt, ""
		if i+1 < len(segs) && strings.HasPrefix(segs[i+1], ":") {
			resourceID = c.Param(segs[i+1][1:])
			if rt == "organization" {
				orgID = resourceID
			}
		}
	}
	return resourceType, resourceID, orgID
}
