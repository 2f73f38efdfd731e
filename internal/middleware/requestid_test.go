package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/organization-manager/organization-manager/internal/access"
)

// requestIDAuditRouter chains the request id, an authenticated caller and the audit trail in
// front of DELETE /api/v1/organizations/:id
func requestIDAuditRouter(cs *captureShipper) *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.Use(func(c *gin.Context) {
		c.Set(CallerKey, access.Caller{Login: "ada@x.com"})
		c.Next()
	})
	r.Use(AuditMiddleware(cs, nil))
	r.DELETE("/api/v1/organizations/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func deleteOrganization(r http.Handler, requestID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/organizations/org-1", nil)
	if requestID != "" {
		req.Header.Set(RequestIDHeader, requestID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestIDMiddleware_GeneratedIDReachesAuditEntry(t *testing.T) {
	cs := newCaptureShipper(1)
	w := deleteOrganization(requestIDAuditRouter(cs), "")

	id := w.Header().Get(RequestIDHeader)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("response %s = %q, want a UUID: %v", RequestIDHeader, id, err)
	}
	entry := cs.waitForEntry(t, 500*time.Millisecond)
	if entry.RequestID != id {
		t.Errorf("audit RequestID = %q, want %q", entry.RequestID, id)
	}
	if entry.OrganizationID != "org-1" || entry.Action != "DELETE /api/v1/organizations/:id" {
		t.Errorf("audit entry = %+v", entry)
	}
}

func TestRequestIDMiddleware_CallerIDIsKept(t *testing.T) {
	cs := newCaptureShipper(1)
	w := deleteOrganization(requestIDAuditRouter(cs), "lb-7f3a.01:edge")

	if got := w.Header().Get(RequestIDHeader); got != "lb-7f3a.01:edge" {
		t.Errorf("response %s = %q", RequestIDHeader, got)
	}
	if entry := cs.waitForEntry(t, 500*time.Millisecond); entry.RequestID != "lb-7f3a.01:edge" {
		t.Errorf("audit RequestID = %q", entry.RequestID)
	}
}

func TestRequestIDMiddleware_UnusableCallerIDIsReplaced(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"too long", strings.Repeat("a", maxRequestIDLength+1)},
		{"log injection", "abc\nlevel=ERROR msg=forged"},
		{"spaces", "req 1"},
		{"markup", "<script>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := newCaptureShipper(1)
			w := deleteOrganization(requestIDAuditRouter(cs), tt.id)

			got := w.Header().Get(RequestIDHeader)
			if _, err := uuid.Parse(got); err != nil {
				t.Errorf("response %s = %q, want a fresh UUID", RequestIDHeader, got)
			}
			if entry := cs.waitForEntry(t, 500*time.Millisecond); entry.RequestID != got {
				t.Errorf("audit RequestID = %q, want %q", entry.RequestID, got)
			}
		})
	}
}

func TestRequestIDMiddleware_EachRequestGetsItsOwnID(t *testing.T) {
	cs := newCaptureShipper(2)
	r := requestIDAuditRouter(cs)

	first := deleteOrganization(r, "").Header().Get(RequestIDHeader)
	second := deleteOrganization(r, "").Header().Get(RequestIDHeader)
	if first == second {
		t.Errorf("both requests got %q", first)
	}
	cs.waitForEntry(t, 500*time.Millisecond)
	cs.waitForEntry(t, 500*time.Millisecond)
}
