package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/organization-manager/organization-manager/internal/access"
	"github.com/organization-manager/organization-manager/internal/apperror"
	"github.com/organization-manager/organization-manager/internal/db/models"
	"github.com/organization-manager/organization-manager/internal/saga"
)

// OrganizationInput carries the writable organization attributes
type OrganizationInput struct {
	Name    string
	Address models.Address
	Phone   *string
	Email   *string
}

func (in OrganizationInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return apperror.BadRequest("organization name is required")
	}
	if missing := in.Address.Missing(); len(missing) > 0 {
		return apperror.BadRequest("address is incomplete, missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Image kinds an organization can store
const (
	ImageKindImage = "image"
	ImageKindLogo  = "logo"
)

func organizationImageKey(orgID, kind string) string {
	return fmt.Sprintf("organizations/%s/%s", orgID, kind)
}

// GetOrganization returns an organization to one of its members
func (o *Orchestrator) GetOrganization(ctx context.Context, caller access.Caller, id string) (*models.Organization, error) {
	org, err := o.organization(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.policy.Check(ctx, caller, access.Organization(id), access.LevelMember); err != nil {
		return nil, err
	}
	return org, nil
}

// ListOrganizations returns every organization to a global admin and the caller's own
// organization to anyone else. The total is the number of organizations visible.
func (o *Orchestrator) ListOrganizations(ctx context.Context, caller access.Caller, limit, offset int) ([]*models.Organization, int, error) {
	if caller.GlobalAdmin {
		orgs, err := o.store.Organizations().List(ctx, limit, offset)
		if err != nil {
			return nil, 0, apperror.Internal(err, "failed to list organizations")
		}
		total, err := o.store.Organizations().Count(ctx)
		if err != nil {
			return nil, 0, apperror.Internal(err, "failed to count organizations")
		}
		return orgs, total, nil
	}

	me, err := o.store.Users().GetByLogin(ctx, caller.Login)
	if err != nil {
		return nil, 0, apperror.Internal(err, "failed to load caller")
	}
	if me == nil || me.OrganizationID == nil || !me.IsAccepted() {
		return []*models.Organization{}, 0, nil
	}
	org, err := o.store.Organizations().GetByID(ctx, *me.OrganizationID)
	if err != nil {
		return nil, 0, apperror.Internal(err, "failed to load organization")
	}
	if org == nil || offset > 0 {
		return []*models.Organization{}, 0, nil
	}
	return []*models.Organization{org}, 1, nil
}

// CreateOrganization creates an organization together with its admin role in the identity
// provider. A caller that is not a global admin becomes its accepted admin and, when the
// identity provider knows the caller, holds that role; such a caller must not already belong
// to another organization.
func (o *Orchestrator) CreateOrganization(ctx context.Context, caller access.Caller, in OrganizationInput) (*models.Organization, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if caller.Login == "" && !caller.GlobalAdmin {
		return nil, apperror.Forbidden("authentication required")
	}

	org := &models.Organization{
		ID:      uuid.NewString(),
		Name:    in.Name,
		Address: in.Address,
		Phone:   in.Phone,
		Email:   in.Email,
	}

	err := o.locked(ctx, "name:"+in.Name, func() error {
		existing, err := o.store.Organizations().GetByName(ctx, in.Name)
		if err != nil {
			return apperror.Internal(err, "failed to check organization name")
		}
		if existing != nil {
			return apperror.Conflict("an organization with this name already exists")
		}

		var founder *models.User
		foundingNewUser := false
		if !caller.GlobalAdmin {
			founder, err = o.store.Users().GetByLogin(ctx, caller.Login)
			if err != nil {
				return apperror.Internal(err, "failed to load caller")
			}
			if founder != nil && founder.OrganizationID != nil {
				return apperror.Conflict("caller already belongs to an organization")
			}
			if founder == nil {
				founder = models.NewUser(uuid.NewString(), caller.Login, nil)
				foundingNewUser = true
			}
			founder.AcceptAsFounder(org.ID)
		}

		adminRole, err := o.roleNames.Generate(ctx, org, "admin")
		if err != nil {
			return err
		}
		org.AdminRole = &adminRole

		s := saga.New("create_organization")
		o.addCreateIdentityRoleStep(s, adminRole)
		if founder != nil {
			known, err := o.identityKnows(ctx, founder.Login)
			if err != nil {
				return err
			}
			if known {
				o.addAssignAdminRoleStep(s, founder.Login, adminRole)
			}
		}
		s.Then("commit", func(ctx context.Context) error {
			return o.store.Tx(ctx, func(tx Store) error {
				if err := tx.Organizations().Create(ctx, org); err != nil {
					return storeErr(err, "failed to create organization")
				}
				if founder == nil {
					return nil
				}
				if foundingNewUser {
					return storeErr(tx.Users().Create(ctx, founder), "failed to create founder")
				}
				return storeErr(tx.Users().Update(ctx, founder), "failed to link founder")
			})
		})
		return s.Run(ctx)
	})
	if err != nil {
		return nil, err
	}

	logProtocol("create_organization", "organization_id", org.ID, "admin_role", org.AdminRoleName(), "caller", caller.Login)
	return org, nil
}

func (o *Orchestrator) addCreateIdentityRoleStep(s *saga.Saga, technicalName string) {
	s.Add("add_identity_role:"+technicalName,
		func(ctx context.Context) error {
			return o.identityRoles.AddRole(ctx, technicalName)
		},
		func(ctx context.Context) error {
			return o.identityRoles.DeleteRole(ctx, technicalName)
		})
}

func (o *Orchestrator) addAssignAdminRoleStep(s *saga.Saga, login, adminRole string) {
	s.Add("assign_admin_role",
		func(ctx context.Context) error {
			return o.identityRoles.AssignRolesToUser(ctx, login, []string{adminRole})
		},
		func(ctx context.Context) error {
			return o.identityRoles.RemoveRolesFromUser(ctx, login, []string{adminRole})
		})
}

// UpdateOrganization changes name, address and contact data. Users and roles are never
// changed through this path.
func (o *Orchestrator) UpdateOrganization(ctx context.Context, caller access.Caller, id string, in OrganizationInput) (*models.Organization, error) {
	if _, err := o.organization(ctx, id); err != nil {
		return nil, err
	}
	if err := o.policy.Check(ctx, caller, access.Organization(id), access.LevelOrganizationAdmin); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	var org *models.Organization
	err := o.locked(ctx, id, func() error {
		var err error
		if org, err = o.organization(ctx, id); err != nil {
			return err
		}

		if in.Name != org.Name {
			existing, err := o.store.Organizations().GetByName(ctx, in.Name)
			if err != nil {
				return apperror.Internal(err, "failed to check organization name")
			}
			if existing != nil {
				return apperror.Conflict("an organization with this name already exists")
			}
		}

		org.Name = in.Name
		org.Address = in.Address
		org.Phone = in.Phone
		org.Email = in.Email
		return storeErr(o.store.Organizations().Update(ctx, org), "failed to update organization")
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

// UploadOrganizationImage stores the organization's image or logo and records its location
func (o *Orchestrator) UploadOrganizationImage(ctx context.Context, caller access.Caller, id, kind string, data []byte, contentType string) (*models.Organization, error) {
	if kind != ImageKindImage && kind != ImageKindLogo {
		return nil, apperror.BadRequest("unknown image kind %q", kind)
	}
	if _, err := o.organization(ctx, id); err != nil {
		return nil, err
	}
	if err := o.policy.Check(ctx, caller, access.Organization(id), access.LevelOrganizationAdmin); err != nil {
		return nil, err
	}

	var org *models.Organization
	err := o.locked(ctx, id, func() error {
		var err error
		if org, err = o.organization(ctx, id); err != nil {
			return err
		}
		location, err := o.images.Upload(ctx, organizationImageKey(id, kind), data, contentType)
		if err != nil {
			return err
		}
		if kind == ImageKindLogo {
			org.Logo = &location
		} else {
			org.Image = &location
		}
		return storeErr(o.store.Organizations().Update(ctx, org), "failed to update organization")
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

// DeleteOrganization deletes an empty organization and its admin role in the identity
// provider. The callback receiver is asked first; its refusal is returned unchanged. The
// organization may still hold the calling admin, whose user row goes with it.
func (o *Orchestrator) DeleteOrganization(ctx context.Context, caller access.Caller, id string) error {
	if _, err := o.organization(ctx, id); err != nil {
		return err
	}
	if err := o.policy.Check(ctx, caller, access.Organization(id), access.LevelOrganizationAdmin); err != nil {
		return err
	}

	return o.locked(ctx, id, func() error {
		org, err := o.organization(ctx, id)
		if err != nil {
			return err
		}
		if err := o.callbacks.PreDeleteCheck(ctx, id); err != nil {
			return err
		}

		roles, err := o.store.Roles().CountByOrganization(ctx, id)
		if err != nil {
			return apperror.Internal(err, "failed to count roles")
		}
		if roles > 0 {
			return apperror.BadRequest("organization is not empty, it still has %d roles", roles)
		}
		users, err := o.store.Users().ListByOrganization(ctx, id)
		if err != nil {
			return apperror.Internal(err, "failed to list users")
		}
		for _, u := range users {
			if u.Login != models.NormalizeLogin(caller.Login) {
				return apperror.BadRequest("organization is not empty, it still has users")
			}
		}

		s := saga.New("delete_organization")
		if adminRole := org.AdminRoleName(); adminRole != "" {
			if err := o.addDeleteIdentityRoleStep(ctx, s, adminRole); err != nil {
				return err
			}
		}
		s.Then("commit", func(ctx context.Context) error {
			if err := o.store.Organizations().Delete(ctx, id); err != nil {
				return apperror.Internal(err, "failed to delete organization")
			}
			return nil
		})
		if err := s.Run(ctx); err != nil {
			return err
		}
		o.deleteOrganizationImages(ctx, org)
		logProtocol("delete_organization", "organization_id", id, "caller", caller.Login)
		return nil
	})
}

// CascadeDeleteOrganization deletes an organization with everything in it. In order: device
// associations are cleared in the asset service, the organization's roles and its admin role
// are deleted in the identity provider, then users, roles and the organization are deleted locally and the
// "organization removed" callback is fired before the local deletion commits. A failing step
// stops the protocol and the completed external steps are compensated.
func (o *Orchestrator) CascadeDeleteOrganization(ctx context.Context, caller access.Caller, id string) error {
	if _, err := o.organization(ctx, id); err != nil {
		return err
	}
	if err := o.policy.Check(ctx, caller, access.Organization(id), access.LevelOrganizationAdmin); err != nil {
		return err
	}

	return o.locked(ctx, id, func() error {
		org, err := o.organization(ctx, id)
		if err != nil {
			return err
		}
		roles, err := o.store.Roles().ListByOrganization(ctx, id)
		if err != nil {
			return apperror.Internal(err, "failed to list roles")
		}

		s := saga.New("cascade_delete_organization")

		if o.assets != nil {
			assets, err := o.assets.SearchByOrganizationID(ctx, id)
			if err != nil {
				return err
			}
			for _, a := range assets {
				o.addClearDeviceStep(s, a)
			}
		}

		for _, r := range roles {
			if r.Technical() != "" {
				if err := o.addDeleteIdentityRoleStep(ctx, s, r.Technical()); err != nil {
					return err
				}
			}
		}
		if adminRole := org.AdminRoleName(); adminRole != "" {
			if err := o.addDeleteIdentityRoleStep(ctx, s, adminRole); err != nil {
				return err
			}
		}

		s.Then("commit", func(ctx context.Context) error {
			return o.store.Tx(ctx, func(tx Store) error {
				if _, err := tx.Users().DeleteByOrganization(ctx, id); err != nil {
					return apperror.Internal(err, "failed to delete users")
				}
				if _, err := tx.Roles().DeleteByOrganization(ctx, id); err != nil {
					return apperror.Internal(err, "failed to delete roles")
				}
				if err := tx.Organizations().Delete(ctx, id); err != nil {
					return apperror.Internal(err, "failed to delete organization")
				}
				return o.callbacks.OrganizationRemoved(ctx, id)
			})
		})

		if err := s.Run(ctx); err != nil {
			return err
		}
		o.deleteOrganizationImages(ctx, org)
		logProtocol("cascade_delete_organization", "organization_id", id, "roles", len(roles), "caller", caller.Login)
		return nil
	})
}

// addDeleteIdentityRoleStep deletes a role in the identity provider. The compensation
// recreates it and restores the assignments read beforehand.
func (o *Orchestrator) addDeleteIdentityRoleStep(ctx context.Context, s *saga.Saga, technicalName string) error {
	holders, err := o.identityRoles.GetUsersInRole(ctx, technicalName)
	if err != nil && !apperror.Is(err, apperror.KindNotFound) {
		return err
	}
	s.Add("delete_identity_role:"+technicalName,
		func(ctx context.Context) error {
			return o.identityRoles.DeleteRole(ctx, technicalName)
		},
		func(ctx context.Context) error {
			if err := o.identityRoles.AddRole(ctx, technicalName); err != nil {
				return err
			}
			for _, login := range holders {
				if err := o.identityRoles.AssignRolesToUser(ctx, login, []string{technicalName}); err != nil {
					return err
				}
			}
			return nil
		})
	return nil
}

// deleteOrganizationImages removes stored images after the organization is gone. Failures
// only leave orphaned objects behind.
func (o *Orchestrator) deleteOrganizationImages(ctx context.Context, org *models.Organization) {
	for kind, ref := range map[string]*string{ImageKindImage: org.Image, ImageKindLogo: org.Logo} {
		if ref == nil {
			continue
		}
		if err := o.images.Delete(ctx, organizationImageKey(org.ID, kind)); err != nil {
			slog.Warn("failed to delete organization image", "organization_id", org.ID, "kind", kind, "error", err)
		}
	}
}
