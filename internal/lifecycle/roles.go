package lifecycle

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/organization-manager/organization-manager/internal/access"
	"github.com/organization-manager/organization-manager/internal/apperror"
	"github.com/organization-manager/organization-manager/internal/db/models"
	"github.com/organization-manager/organization-manager/internal/saga"
)

// CreateRole creates a standalone role that can later be added to an organization
func (o *Orchestrator) CreateRole(ctx context.Context, caller access.Caller, name string) (*models.Role, error) {
	if caller.Login == "" && !caller.GlobalAdmin {
		return nil, apperror.Forbidden("authentication required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperror.BadRequest("role name is required")
	}

	role := &models.Role{ID: uuid.NewString(), Name: name}
	if err := o.store.Roles().Create(ctx, role); err != nil {
		return nil, storeErr(err, "failed to create role")
	}
	return role, nil
}

// ListRoles returns the roles of an organization to its members
func (o *Orchestrator) ListRoles(ctx context.Context, caller access.Caller, orgID string) ([]*models.Role, error) {
	if _, err := o.organization(ctx, orgID); err != nil {
		return nil, err
	}
	if err := o.policy.Check(ctx, caller, access.Organization(orgID), access.LevelMember); err != nil {
		return nil, err
	}
	roles, err := o.store.Roles().ListByOrganization(ctx, orgID)
	if err != nil {
		return nil, apperror.Internal(err, "failed to list roles")
	}
	return roles, nil
}

// AddRoleToOrganization links a standalone role to an organization. The functional name
// must be free within the organization. A technical name is generated, created in the
// identity provider and only then stored; when no free name is found nothing is created.
func (o *Orchestrator) AddRoleToOrganization(ctx context.Context, caller access.Caller, orgID, roleID string) (*models.Role, error) {
	org, err := o.organization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	role, err := o.role(ctx, roleID)
	if err != nil {
		return nil, err
	}
	resource := access.Organization(orgID)
	if role.OrganizationID != nil {
		resource = access.Nested(orgID, role.OrganizationID)
	}
	if err := o.policy.Check(ctx, caller, resource, access.LevelOrganizationAdmin); err != nil {
		return nil, err
	}
	if role.BelongsTo(orgID) {
		return role, nil
	}
	if role.OrganizationID != nil {
		return nil, apperror.Conflict("role already belongs to another organization")
	}

	err = o.locked(ctx, orgID, func() error {
		taken, err := o.store.Roles().NameExistsInOrganization(ctx, orgID, role.Name, role.ID)
		if err != nil {
			return apperror.Internal(err, "failed to check role name")
		}
		if taken {
			return apperror.Conflict("a role with this name already exists in the organization")
		}

		technical, err := o.roleNames.Generate(ctx, org, role.Name)
		if err != nil {
			return err
		}

		return saga.New("add_role").
			Add("create_identity_role",
				func(ctx context.Context) error { return o.identityRoles.AddRole(ctx, technical) },
				func(ctx context.Context) error { return o.identityRoles.DeleteRole(ctx, technical) }).
			Then("commit", func(ctx context.Context) error {
				role.TechnicalName = &technical
				role.OrganizationID = &orgID
				if err := o.store.Roles().Update(ctx, role); err != nil {
					role.TechnicalName, role.OrganizationID = nil, nil
					return storeErr(err, "failed to link role")
				}
				return nil
			}).
			Run(ctx)
	})
	if err != nil {
		return nil, err
	}

	logProtocol("add_role", "organization_id", orgID, "role_id", roleID, "technical_name", role.Technical())
	return role, nil
}

// DeleteRole removes a role from every user holding it, locally and in the identity
// provider for accepted users, then deletes it in the identity provider and locally.
func (o *Orchestrator) DeleteRole(ctx context.Context, caller access.Caller, roleID string) error {
	role, err := o.role(ctx, roleID)
	if err != nil {
		return err
	}

	if role.OrganizationID == nil {
		if !caller.GlobalAdmin {
			return apperror.Forbidden("%s access required", access.LevelGlobalAdmin)
		}
		return storeErr(o.store.Roles().Delete(ctx, roleID), "failed to delete role")
	}

	orgID := *role.OrganizationID
	if err := o.policy.Check(ctx, caller, access.Organization(orgID), access.LevelOrganizationAdmin); err != nil {
		return err
	}

	return o.locked(ctx, orgID, func() error {
		holders, err := o.store.Users().ListByRole(ctx, roleID)
		if err != nil {
			return apperror.Internal(err, "failed to list role holders")
		}

		s := saga.New("delete_role")
		technical := role.Technical()
		if technical != "" {
			names := []string{technical}
			for _, u := range holders {
				if !u.IsAccepted() {
					continue
				}
				login := u.Login
				s.Add("unassign_role:"+login,
					func(ctx context.Context) error {
						err := o.identityRoles.RemoveRolesFromUser(ctx, login, names)
						if apperror.Is(err, apperror.KindNotFound) {
							return nil
						}
						return err
					},
					func(ctx context.Context) error {
						return o.identityRoles.AssignRolesToUser(ctx, login, names)
					})
			}
			s.Add("delete_identity_role",
				func(ctx context.Context) error { return o.identityRoles.DeleteRole(ctx, technical) },
				func(ctx context.Context) error { return o.identityRoles.AddRole(ctx, technical) })
		}
		s.Then("commit", func(ctx context.Context) error {
			return o.store.Tx(ctx, func(tx Store) error {
				for _, u := range holders {
					if _, err := tx.Users().UnlinkRole(ctx, u.ID, roleID); err != nil {
						return apperror.Internal(err, "failed to unlink role")
					}
				}
				return storeErr(tx.Roles().Delete(ctx, roleID), "failed to delete role")
			})
		})
		if err := s.Run(ctx); err != nil {
			return err
		}

		logProtocol("delete_role", "organization_id", orgID, "role_id", roleID, "holders", len(holders))
		return nil
	})
}
