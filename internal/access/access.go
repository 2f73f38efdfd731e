// Package access decides whether a caller may act on an organization or on a user or role
// nested below one. The decision rules live in policy.rego and are evaluated with OPA.
package access

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/organization-manager/organization-manager/internal/apperror"
	"github.com/organization-manager/organization-manager/internal/db/models"
)

//go:embed policy.rego
var policyModule string

const allowQuery = "data.organizations.access.allow"

// Level is the access level an operation requires
type Level int

const (
	LevelMember Level = iota
	LevelOrganizationAdmin
	LevelGlobalAdmin
)

func (l Level) String() string {
	switch l {
	case LevelMember:
		return "MEMBER"
	case LevelOrganizationAdmin:
		return "ORGANIZATION_ADMIN"
	case LevelGlobalAdmin:
		return "GLOBAL_ADMIN"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Caller is the authenticated principal of a request
type Caller struct {
	Login       string
	GlobalAdmin bool
}

// Resource addresses what a caller wants to act on. Nested resources are users or roles
// reached through an organization; OwnerOrganizationID is the organization they belong to.
type Resource struct {
	OrganizationID      string
	Nested              bool
	OwnerOrganizationID *string
}

// Organization addresses an organization itself
func Organization(id string) Resource {
	return Resource{OrganizationID: id}
}

// Nested addresses a user or role owned by ownerOrgID through organization orgID
func Nested(orgID string, ownerOrgID *string) Resource {
	return Resource{OrganizationID: orgID, Nested: true, OwnerOrganizationID: ownerOrgID}
}

// MembershipReader resolves the caller's own user record by login
type MembershipReader interface {
	GetByLogin(ctx context.Context, login string) (*models.User, error)
}

// Policy evaluates access decisions
type Policy struct {
	members MembershipReader
	query   rego.PreparedEvalQuery
}

// NewPolicy compiles the embedded decision module
func NewPolicy(ctx context.Context, members MembershipReader) (*Policy, error) {
	compiler, err := ast.CompileModules(map[string]string{"policy.rego": policyModule})
	if err != nil {
		return nil, fmt.Errorf("compile access policy: %w", err)
	}
	query, err := rego.New(
		rego.Query(allowQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare access policy: %w", err)
	}
	return &Policy{members: members, query: query}, nil
}

// Allowed reports whether caller may act on resource at level. It never reports absent
// entities; telling not-found from forbidden is left to the caller.
func (p *Policy) Allowed(ctx context.Context, caller Caller, resource Resource, level Level) (bool, error) {
	input := map[string]interface{}{
		"caller": map[string]interface{}{
			"login":        caller.Login,
			"global_admin": caller.GlobalAdmin,
		},
		"level":    level.String(),
		"resource": resourceInput(resource),
	}

	if !caller.GlobalAdmin && caller.Login != "" {
		member, err := p.members.GetByLogin(ctx, caller.Login)
		if err != nil {
			return false, fmt.Errorf("failed to resolve caller membership: %w", err)
		}
		if member != nil && member.OrganizationID != nil {
			input["membership"] = map[string]interface{}{
				"organization_id": *member.OrganizationID,
				"admin":           member.Admin,
				"status":          string(member.Status),
			}
		}
	}

	rs, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("evaluate access policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, _ := rs[0].Expressions[0].Value.(bool)
	return allowed, nil
}

// Check is Allowed with a deny turned into a Forbidden error
func (p *Policy) Check(ctx context.Context, caller Caller, resource Resource, level Level) error {
	allowed, err := p.Allowed(ctx, caller, resource, level)
	if err != nil {
		return apperror.Internal(err, "failed to evaluate access")
	}
	if !allowed {
		return apperror.Forbidden("%s access required", level)
	}
	return nil
}

func resourceInput(r Resource) map[string]interface{} {
	in := map[string]interface{}{
		"organization_id": r.OrganizationID,
		"nested":          r.Nested,
	}
	if r.OwnerOrganizationID != nil {
		in["owner_organization_id"] = *r.OwnerOrganizationID
	}
	return in
}
