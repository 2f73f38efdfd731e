package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/organization-manager/organization-manager/internal/apperror"
	"github.com/organization-manager/organization-manager/internal/db/models"
)

type fakeMembers struct {
	users map[string]*models.User
	err   error
}

func (f *fakeMembers) GetByLogin(_ context.Context, login string) (*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users[login], nil
}

func strPtr(s string) *string { return &s }

func member(login, orgID string, admin bool, status models.UserStatus) *models.User {
	return &models.User{ID: login, Login: login, Admin: admin, Status: status, OrganizationID: strPtr(orgID)}
}

func newTestPolicy(t *testing.T) *Policy {
	t.Helper()
	members := &fakeMembers{users: map[string]*models.User{
		"admin-a@x.com":   member("admin-a@x.com", "org-a", true, models.UserStatusAccepted),
		"member-a@x.com":  member("member-a@x.com", "org-a", false, models.UserStatusAccepted),
		"invited-a@x.com": member("invited-a@x.com", "org-a", true, models.UserStatusInvited),
	}}
	p, err := NewPolicy(context.Background(), members)
	require.NoError(t, err)
	return p
}

func TestPolicy_GlobalAdminAllowedEverywhere(t *testing.T) {
	p := newTestPolicy(t)
	root := Caller{Login: "root@x.com", GlobalAdmin: true}

	for _, level := range []Level{LevelMember, LevelOrganizationAdmin, LevelGlobalAdmin} {
		assert.NoError(t, p.Check(context.Background(), root, Organization("org-b"), level), level.String())
	}
	assert.NoError(t, p.Check(context.Background(), root, Nested("org-b", nil), LevelOrganizationAdmin))
}

func TestPolicy_OrganizationAdmin(t *testing.T) {
	p := newTestPolicy(t)
	ctx := context.Background()
	admin := Caller{Login: "admin-a@x.com"}

	assert.NoError(t, p.Check(ctx, admin, Organization("org-a"), LevelOrganizationAdmin))
	assert.NoError(t, p.Check(ctx, admin, Organization("org-a"), LevelMember))

	err := p.Check(ctx, admin, Organization("org-b"), LevelOrganizationAdmin)
	assert.True(t, apperror.Is(err, apperror.KindForbidden), "other organization must be forbidden, got %v", err)

	err = p.Check(ctx, admin, Organization("org-a"), LevelGlobalAdmin)
	assert.True(t, apperror.Is(err, apperror.KindForbidden))
}

func TestPolicy_MemberIsNotAdmin(t *testing.T) {
	p := newTestPolicy(t)
	ctx := context.Background()
	plain := Caller{Login: "member-a@x.com"}

	assert.NoError(t, p.Check(ctx, plain, Organization("org-a"), LevelMember))
	assert.Error(t, p.Check(ctx, plain, Organization("org-a"), LevelOrganizationAdmin))
}

func TestPolicy_InvitedAdminFlagDoesNotCount(t *testing.T) {
	p := newTestPolicy(t)
	ctx := context.Background()
	invited := Caller{Login: "invited-a@x.com"}

	assert.Error(t, p.Check(ctx, invited, Organization("org-a"), LevelOrganizationAdmin))
	assert.Error(t, p.Check(ctx, invited, Organization("org-a"), LevelMember))
}

func TestPolicy_NestedTargetMustBelongToOrganization(t *testing.T) {
	p := newTestPolicy(t)
	ctx := context.Background()
	admin := Caller{Login: "admin-a@x.com"}

	assert.NoError(t, p.Check(ctx, admin, Nested("org-a", strPtr("org-a")), LevelOrganizationAdmin))

	err := p.Check(ctx, admin, Nested("org-a", strPtr("org-b")), LevelOrganizationAdmin)
	assert.True(t, apperror.Is(err, apperror.KindForbidden))

	err = p.Check(ctx, admin, Nested("org-a", nil), LevelOrganizationAdmin)
	assert.True(t, apperror.Is(err, apperror.KindForbidden), "unlinked target needs global admin")
}

func TestPolicy_UnknownCaller(t *testing.T) {
	p := newTestPolicy(t)
	allowed, err := p.Allowed(context.Background(), Caller{Login: "stranger@x.com"}, Organization("org-a"), LevelMember)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestPolicy_MembershipLookupFailure(t *testing.T) {
	p, err := NewPolicy(context.Background(), &fakeMembers{err: errors.New("db down")})
	require.NoError(t, err)

	err = p.Check(context.Background(), Caller{Login: "admin-a@x.com"}, Organization("org-a"), LevelMember)
	assert.True(t, apperror.Is(err, apperror.KindInternal))
}

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "MEMBER", LevelMember.String())
	assert.Equal(t, "ORGANIZATION_ADMIN", LevelOrganizationAdmin.String())
	assert.Equal(t, "GLOBAL_ADMIN", LevelGlobalAdmin.String())
}
