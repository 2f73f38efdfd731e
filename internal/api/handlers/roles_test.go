package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/organization-manager/organization-manager/internal/access"
	"github.com/organization-manager/organization-manager/internal/apperror"
	"github.com/organization-manager/organization-manager/internal/db/models"
)

type stubRoleService struct {
	RoleService
	created string
	linked  [2]string
	deleted string
	roles   []*models.Role
	err     error
}

func (s *stubRoleService) CreateRole(_ context.Context, _ access.Caller, name string) (*models.Role, error) {
	s.created = name
	if s.err != nil {
		return nil, s.err
	}
	return &models.Role{ID: "r1", Name: name}, nil
}

func (s *stubRoleService) ListRoles(context.Context, access.Caller, string) ([]*models.Role, error) {
	return s.roles, s.err
}

func (s *stubRoleService) AddRoleToOrganization(_ context.Context, _ access.Caller, orgID, roleID string) (*models.Role, error) {
	s.linked = [2]string{orgID, roleID}
	if s.err != nil {
		return nil, s.err
	}
	tech := "ROLE_ACME_ABCDEF"
	return &models.Role{ID: roleID, Name: "Viewer", TechnicalName: &tech, OrganizationID: &orgID}, nil
}

func (s *stubRoleService) DeleteRole(_ context.Context, _ access.Caller, roleID string) error {
	s.deleted = roleID
	return s.err
}

func roleRouter(svc RoleService) http.Handler {
	h := NewRoleHandlers(svc)
	r := newTestRouter()
	r.GET("/organizations/:id/roles", h.ListRolesHandler())
	r.PUT("/organizations/:id/roles/:role_id", h.AddRoleHandler())
	r.POST("/roles", h.CreateRoleHandler())
	r.DELETE("/roles/:id", h.DeleteRoleHandler())
	return r
}

func TestCreateRole(t *testing.T) {
	svc := &stubRoleService{}

	w := doJSON(t, roleRouter(svc), http.MethodPost, "/roles", map[string]string{"name": "Viewer"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "Viewer", svc.created)
	assert.Equal(t, "r1", decode(t, w)["id"])
}

func TestListRoles(t *testing.T) {
	svc := &stubRoleService{roles: []*models.Role{{ID: "r1", Name: "Viewer"}}}

	w := doJSON(t, roleRouter(svc), http.MethodGet, "/organizations/o1/roles", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"Viewer"`)

	w = doJSON(t, roleRouter(&stubRoleService{}), http.MethodGet, "/organizations/o1/roles", nil)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestAddRoleToOrganization(t *testing.T) {
	svc := &stubRoleService{}

	w := doJSON(t, roleRouter(svc), http.MethodPut, "/organizations/o1/roles/r1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, [2]string{"o1", "r1"}, svc.linked)

	out := decode(t, w)
	assert.Equal(t, "ROLE_ACME_ABCDEF", out["technicalName"])
	assert.Equal(t, "o1", out["organizationId"])
}

func TestAddRoleToOrganization_NoFreeName(t *testing.T) {
	svc := &stubRoleService{err: apperror.Conflict("no free technical name for role Viewer")}

	w := doJSON(t, roleRouter(svc), http.MethodPut, "/organizations/o1/roles/r1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDeleteRole(t *testing.T) {
	svc := &stubRoleService{}

	w := doJSON(t, roleRouter(svc), http.MethodDelete, "/roles/r1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "r1", svc.deleted)
}
