package lifecycle

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/organization-manager/organization-manager/internal/access"
	"github.com/organization-manager/organization-manager/internal/apperror"
	"github.com/organization-manager/organization-manager/internal/db/models"
	"github.com/organization-manager/organization-manager/internal/saga"
)

func validLogin(login string) bool {
	login = models.NormalizeLogin(login)
	at := strings.IndexByte(login, '@')
	return at > 0 && at < len(login)-1 && !strings.ContainsAny(login, " \t")
}

// CreateUser creates a standalone user that can later be added to an organization
func (o *Orchestrator) CreateUser(ctx context.Context, caller access.Caller, login string, inviteLanguage *string) (*models.User, error) {
	if caller.Login == "" && !caller.GlobalAdmin {
		return nil, apperror.Forbidden("authentication required")
	}
	if !validLogin(login) {
		return nil, apperror.BadRequest("login must be an email address")
	}

	existing, err := o.store.Users().GetByLogin(ctx, login)
	if err != nil {
		return nil, apperror.Internal(err, "failed to check login")
	}
	if existing != nil {
		return nil, apperror.Conflict("a user with this login already exists")
	}

	u := models.NewUser(uuid.NewString(), login, inviteLanguage)
	if err := o.store.Users().Create(ctx, u); err != nil {
		return nil, storeErr(err, "failed to create user")
	}
	return u, nil
}

// Me returns the caller's own user record
func (o *Orchestrator) Me(ctx context.Context, caller access.Caller) (*models.User, error) {
	u, err := o.store.Users().GetByLogin(ctx, caller.Login)
	if err != nil {
		return nil, apperror.Internal(err, "failed to load user")
	}
	if u == nil {
		return nil, apperror.NotFound("no user for %s", caller.Login)
	}
	return u, nil
}

// ListUsers returns the members of an organization to its members
func (o *Orchestrator) ListUsers(ctx context.Context, caller access.Caller, orgID string) ([]*models.User, error) {
	if _, err := o.organization(ctx, orgID); err != nil {
		return nil, err
	}
	if err := o.policy.Check(ctx, caller, access.Organization(orgID), access.LevelMember); err != nil {
		return nil, err
	}
	users, err := o.store.Users().ListByOrganization(ctx, orgID)
	if err != nil {
		return nil, apperror.Internal(err, "failed to list users")
	}
	return users, nil
}

// InviteUser adds the user with login to an organization, creating it first when needed
func (o *Orchestrator) InviteUser(ctx context.Context, caller access.Caller, orgID, login string, inviteLanguage *string) (*models.User, error) {
	if !validLogin(login) {
		return nil, apperror.BadRequest("login must be an email address")
	}
	if _, err := o.organization(ctx, orgID); err != nil {
		return nil, err
	}
	if err := o.policy.Check(ctx, caller, access.Organization(orgID), access.LevelOrganizationAdmin); err != nil {
		return nil, err
	}

	u, err := o.store.Users().GetByLogin(ctx, login)
	if err != nil {
		return nil, apperror.Internal(err, "failed to load user")
	}
	if u == nil {
		u = models.NewUser(uuid.NewString(), login, inviteLanguage)
		if err := o.store.Users().Create(ctx, u); err != nil {
			return nil, storeErr(err, "failed to create user")
		}
	}
	return o.AddUserToOrganization(ctx, caller, orgID, u.ID)
}

// AddUserToOrganization links a user to an organization. Re-adding a member is a no-op.
// A login unknown to the identity provider is invited right away; a known one stays
// CREATED until MarkUsersUsed.
func (o *Orchestrator) AddUserToOrganization(ctx context.Context, caller access.Caller, orgID, userID string) (*models.User, error) {
	if _, err := o.organization(ctx, orgID); err != nil {
		return nil, err
	}
	u, err := o.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := o.policy.Check(ctx, caller, access.Organization(orgID), access.LevelOrganizationAdmin); err != nil {
		return nil, err
	}
	if u.BelongsTo(orgID) {
		return u, nil
	}
	if u.OrganizationID != nil {
		return nil, o.linkedElsewhere(ctx, caller, *u.OrganizationID)
	}

	err = o.locked(ctx, orgID, func() error {
		org, err := o.organization(ctx, orgID)
		if err != nil {
			return err
		}
		if u, err = o.user(ctx, userID); err != nil {
			return err
		}
		if u.BelongsTo(orgID) {
			return nil
		}
		if u.OrganizationID != nil {
			return o.linkedElsewhere(ctx, caller, *u.OrganizationID)
		}

		known, err := o.identityKnows(ctx, u.Login)
		if err != nil {
			return err
		}

		u.LinkTo(orgID)
		return o.store.Tx(ctx, func(tx Store) error {
			if known {
				return storeErr(tx.Users().Update(ctx, u), "failed to link user")
			}
			return o.issueAndInvite(ctx, tx, caller, org, u, true)
		})
	})
	if err != nil {
		return nil, err
	}

	logProtocol("add_user", "organization_id", orgID, "user_id", userID, "status", u.Status)
	return u, nil
}

// linkedElsewhere explains why a user of another organization cannot be linked. Admins of
// that organization learn it is a conflict; anyone else is denied.
func (o *Orchestrator) linkedElsewhere(ctx context.Context, caller access.Caller, otherOrgID string) error {
	allowed, err := o.policy.Allowed(ctx, caller, access.Organization(otherOrgID), access.LevelOrganizationAdmin)
	if err != nil {
		return apperror.Internal(err, "failed to evaluate access")
	}
	if !allowed {
		return apperror.Forbidden("user belongs to an organization you do not administer")
	}
	return apperror.Conflict("user already belongs to another organization")
}

// MarkUsersUsed invites the CREATED members of an organization among logins. Other logins,
// members already invited or accepted, a missing organization and callers that are not its
// admins are all silently ignored.
func (o *Orchestrator) MarkUsersUsed(ctx context.Context, caller access.Caller, orgID string, logins []string) error {
	org, err := o.store.Organizations().GetByID(ctx, orgID)
	if err != nil {
		return apperror.Internal(err, "failed to load organization")
	}
	if org == nil || len(logins) == 0 {
		return nil
	}
	allowed, err := o.policy.Allowed(ctx, caller, access.Organization(orgID), access.LevelOrganizationAdmin)
	if err != nil {
		return apperror.Internal(err, "failed to evaluate access")
	}
	if !allowed {
		slog.Debug("users/used ignored for non-admin caller", "organization_id", orgID, "caller", caller.Login)
		return nil
	}

	return o.locked(ctx, orgID, func() error {
		users, err := o.store.Users().ListByLoginsInOrganization(ctx, orgID, logins)
		if err != nil {
			return apperror.Internal(err, "failed to load users")
		}
		invited := 0
		for _, u := range users {
			if u.Status != models.UserStatusCreated {
				continue
			}
			known, err := o.identityKnows(ctx, u.Login)
			if err != nil {
				return err
			}
			err = o.store.Tx(ctx, func(tx Store) error {
				return o.issueAndInvite(ctx, tx, caller, org, u, !known)
			})
			if err != nil {
				return err
			}
			invited++
		}
		logProtocol("mark_users_used", "organization_id", orgID, "invited", invited)
		return nil
	})
}

// ResendInvite issues a new accept key and mails the invitation again. This is where
// expired keys lead.
func (o *Orchestrator) ResendInvite(ctx context.Context, caller access.Caller, userID string) error {
	u, err := o.user(ctx, userID)
	if err != nil {
		return err
	}
	if u.OrganizationID == nil {
		return apperror.BadRequest("user has no pending invitation")
	}
	orgID := *u.OrganizationID
	if err := o.policy.Check(ctx, caller, access.Organization(orgID), access.LevelOrganizationAdmin); err != nil {
		return err
	}
	if u.IsAccepted() {
		return apperror.BadRequest("%s", models.ErrAlreadyAccepted.Error())
	}

	return o.locked(ctx, orgID, func() error {
		org, err := o.organization(ctx, orgID)
		if err != nil {
			return err
		}
		known, err := o.identityKnows(ctx, u.Login)
		if err != nil {
			return err
		}
		return o.store.Tx(ctx, func(tx Store) error {
			return o.issueAndInvite(ctx, tx, caller, org, u, !known)
		})
	})
}

// selfOnly rejects answering an invitation on someone else's behalf, global admins included
func selfOnly(caller access.Caller, u *models.User) error {
	if models.NormalizeLogin(caller.Login) != u.Login {
		return apperror.BadRequest("an invitation can only be answered by the invited user")
	}
	return nil
}

// AcceptInvite moves the caller's invitation to ACCEPTED. An already accepted user is a
// no-op. Otherwise the user is unblocked in the identity provider, gets all technical names
// of its roles in one call and its organization in the app metadata; the "user accepted"
// callback fires before the local change commits.
//
// A nil key skips accept-key validation entirely. Only the invited user can accept, so the
// key adds nothing a forged request could bypass: the caller already proved to be that user.
func (o *Orchestrator) AcceptInvite(ctx context.Context, caller access.Caller, userID string, key *string) (*models.User, error) {
	u, err := o.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := selfOnly(caller, u); err != nil {
		return nil, err
	}
	if u.IsAccepted() {
		return u, nil
	}
	if u.OrganizationID == nil {
		return nil, apperror.BadRequest("user has no pending invitation")
	}
	if err := o.keys.Admit(u, key); err != nil {
		return nil, err
	}

	orgID := *u.OrganizationID
	err = o.locked(ctx, orgID, func() error {
		roles, err := o.store.Users().ListRoles(ctx, u.ID)
		if err != nil {
			return apperror.Internal(err, "failed to load user roles")
		}
		names := models.TechnicalNames(roles)
		login := u.Login

		return saga.New("accept_invite").
			Then("unblock_user", func(ctx context.Context) error {
				return o.identityUsers.UnblockUser(ctx, login)
			}).
			Add("assign_roles",
				func(ctx context.Context) error { return o.identityRoles.AssignRolesToUser(ctx, login, names) },
				func(ctx context.Context) error { return o.identityRoles.RemoveRolesFromUser(ctx, login, names) }).
			Add("update_app_metadata",
				func(ctx context.Context) error {
					return o.identityUsers.UpdateAppMetadata(ctx, login, map[string]any{"organization_id": orgID})
				},
				func(ctx context.Context) error {
					return o.identityUsers.UpdateAppMetadata(ctx, login, map[string]any{"organization_id": nil})
				}).
			Then("commit", func(ctx context.Context) error {
				return o.store.Tx(ctx, func(tx Store) error {
					if _, err := o.keys.Consume(u); err != nil {
						return err
					}
					if err := tx.Users().Update(ctx, u); err != nil {
						return storeErr(err, "failed to store acceptance")
					}
					return o.callbacks.UserAccepted(ctx, login, orgID)
				})
			}).
			Run(ctx)
	})
	if err != nil {
		return nil, err
	}

	logProtocol("accept_invite", "organization_id", orgID, "user_id", userID)
	return u, nil
}

// DeclineInvite removes the caller from the organization it was invited to. The identity
// provider is not touched.
func (o *Orchestrator) DeclineInvite(ctx context.Context, caller access.Caller, userID string) error {
	u, err := o.user(ctx, userID)
	if err != nil {
		return err
	}
	if err := selfOnly(caller, u); err != nil {
		return err
	}
	if u.OrganizationID == nil {
		return apperror.BadRequest("user has no pending invitation")
	}

	orgID := *u.OrganizationID
	return o.locked(ctx, orgID, func() error {
		// re-read: the invitation may have been answered or revoked while waiting
		if u, err = o.user(ctx, userID); err != nil {
			return err
		}
		if err := u.Decline(); err != nil {
			return apperror.BadRequest("%s", err.Error())
		}
		if err := o.store.Users().Delete(ctx, u.ID); err != nil {
			return storeErr(err, "failed to delete user")
		}
		logProtocol("decline_invite", "organization_id", orgID, "user_id", userID)
		return nil
	})
}

// CreateEmailVerificationTicket returns a link that verifies the caller's email address
func (o *Orchestrator) CreateEmailVerificationTicket(ctx context.Context, caller access.Caller) (string, error) {
	if caller.Login == "" {
		return "", apperror.Forbidden("authentication required")
	}
	return o.identityUsers.CreateEmailVerificationTicket(ctx, caller.Login, o.opts.AcceptURL, o.opts.EmailVerificationTTL)
}

// memberOf loads a user addressed through an organization and authorizes the caller as
// admin of it
func (o *Orchestrator) memberOf(ctx context.Context, caller access.Caller, orgID, userID string) (*models.User, error) {
	if _, err := o.organization(ctx, orgID); err != nil {
		return nil, err
	}
	u, err := o.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := o.policy.Check(ctx, caller, access.Nested(orgID, u.OrganizationID), access.LevelOrganizationAdmin); err != nil {
		return nil, err
	}
	if !u.BelongsTo(orgID) {
		return nil, apperror.NotFound("user %s not found in organization", userID)
	}
	return u, nil
}

// PromoteToAdmin grants organization admin rights and the organization's admin role in the
// identity provider. Users unknown to the identity provider cannot be promoted. An
// organization stored without an admin role gets one provisioned here.
func (o *Orchestrator) PromoteToAdmin(ctx context.Context, caller access.Caller, orgID, userID string) (*models.User, error) {
	u, err := o.memberOf(ctx, caller, orgID, userID)
	if err != nil {
		return nil, err
	}

	err = o.locked(ctx, orgID, func() error {
		known, err := o.identityKnows(ctx, u.Login)
		if err != nil {
			return err
		}
		if !known {
			return apperror.BadRequest("user %s is not known to the identity provider", u.Login)
		}

		org, err := o.organization(ctx, orgID)
		if err != nil {
			return err
		}

		s := saga.New("promote_to_admin")
		adminRole, provision := org.AdminRoleName(), false
		if adminRole == "" {
			if adminRole, err = o.roleNames.Generate(ctx, org, "admin"); err != nil {
				return err
			}
			provision = true
			o.addCreateIdentityRoleStep(s, adminRole)
		}
		o.addAssignAdminRoleStep(s, u.Login, adminRole)
		s.Then("commit", func(ctx context.Context) error {
			u.Promote()
			err := o.store.Tx(ctx, func(tx Store) error {
				if provision {
					org.AdminRole = &adminRole
					if err := tx.Organizations().Update(ctx, org); err != nil {
						return storeErr(err, "failed to store admin role")
					}
				}
				return storeErr(tx.Users().Update(ctx, u), "failed to promote user")
			})
			if err != nil {
				u.RemoveAdminRights()
				if provision {
					org.AdminRole = nil
				}
			}
			return err
		})
		return s.Run(ctx)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// RemoveAdminRights revokes organization admin rights locally. The identity-provider admin
// role stays assigned, see retainIdentityAdminRole.
func (o *Orchestrator) RemoveAdminRights(ctx context.Context, caller access.Caller, orgID, userID string) (*models.User, error) {
	u, err := o.memberOf(ctx, caller, orgID, userID)
	if err != nil {
		return nil, err
	}

	err = o.locked(ctx, orgID, func() error {
		u.RemoveAdminRights()
		if err := o.store.Users().Update(ctx, u); err != nil {
			return storeErr(err, "failed to remove admin rights")
		}
		o.retainIdentityAdminRole(ctx, u, orgID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// retainIdentityAdminRole is the identity-provider half of removing admin rights. It leaves
// the admin role assignment in place and makes no call, so it also succeeds for users the
// identity provider does not know. DeleteUser removes the assignment for good.
func (o *Orchestrator) retainIdentityAdminRole(ctx context.Context, u *models.User, orgID string) {
	var role string
	if org, err := o.store.Organizations().GetByID(ctx, orgID); err == nil && org != nil {
		role = org.AdminRoleName()
	}
	slog.Debug("admin role assignment kept in identity provider", "user_id", u.ID, "role", role)
}

// userRoleLink loads a user and a role for linking and authorizes the caller as admin of
// the user's organization, which must also own the role
func (o *Orchestrator) userRoleLink(ctx context.Context, caller access.Caller, userID, roleID string) (*models.User, *models.Role, error) {
	u, err := o.user(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	r, err := o.role(ctx, roleID)
	if err != nil {
		return nil, nil, err
	}
	if u.OrganizationID == nil {
		return nil, nil, apperror.BadRequest("user does not belong to an organization")
	}
	if err := o.policy.Check(ctx, caller, access.Nested(*u.OrganizationID, r.OrganizationID), access.LevelOrganizationAdmin); err != nil {
		return nil, nil, err
	}
	if !r.BelongsTo(*u.OrganizationID) {
		return nil, nil, apperror.BadRequest("role and user belong to different organizations")
	}
	return u, r, nil
}

func hasRole(roles []*models.Role, roleID string) bool {
	for _, r := range roles {
		if r.ID == roleID {
			return true
		}
	}
	return false
}

// LinkRoleToUser links a role to a user. An accepted user gets the full resulting set of
// technical names in the identity provider; invited users only change locally.
func (o *Orchestrator) LinkRoleToUser(ctx context.Context, caller access.Caller, userID, roleID string) error {
	u, r, err := o.userRoleLink(ctx, caller, userID, roleID)
	if err != nil {
		return err
	}

	return o.locked(ctx, *u.OrganizationID, func() error {
		current, err := o.store.Users().ListRoles(ctx, userID)
		if err != nil {
			return apperror.Internal(err, "failed to load user roles")
		}
		if hasRole(current, roleID) {
			return apperror.Conflict("role already linked to user")
		}

		s := saga.New("link_role")
		if u.IsAccepted() && r.Technical() != "" {
			names := models.TechnicalNames(append(current, r))
			added := []string{r.Technical()}
			s.Add("assign_roles",
				func(ctx context.Context) error { return o.identityRoles.AssignRolesToUser(ctx, u.Login, names) },
				func(ctx context.Context) error { return o.identityRoles.RemoveRolesFromUser(ctx, u.Login, added) })
		}
		s.Then("commit", func(ctx context.Context) error {
			linked, err := o.store.Users().LinkRole(ctx, userID, roleID)
			if err != nil {
				return storeErr(err, "failed to link role")
			}
			if !linked {
				return apperror.Conflict("role already linked to user")
			}
			return nil
		})
		return s.Run(ctx)
	})
}

// UnlinkRoleFromUser removes a role link. An accepted user loses the role in the identity
// provider too. Unlinking a role the user does not hold is a no-op.
func (o *Orchestrator) UnlinkRoleFromUser(ctx context.Context, caller access.Caller, userID, roleID string) error {
	u, r, err := o.userRoleLink(ctx, caller, userID, roleID)
	if err != nil {
		return err
	}

	return o.locked(ctx, *u.OrganizationID, func() error {
		current, err := o.store.Users().ListRoles(ctx, userID)
		if err != nil {
			return apperror.Internal(err, "failed to load user roles")
		}
		if !hasRole(current, roleID) {
			return nil
		}

		s := saga.New("unlink_role")
		if u.IsAccepted() && r.Technical() != "" {
			names := []string{r.Technical()}
			s.Add("remove_roles",
				func(ctx context.Context) error { return o.identityRoles.RemoveRolesFromUser(ctx, u.Login, names) },
				func(ctx context.Context) error { return o.identityRoles.AssignRolesToUser(ctx, u.Login, names) })
		}
		s.Then("commit", func(ctx context.Context) error {
			_, err := o.store.Users().UnlinkRole(ctx, userID, roleID)
			return storeErr(err, "failed to unlink role")
		})
		return s.Run(ctx)
	})
}

// exclusiveRoleNames returns the technical names of roles owned by orgID
func exclusiveRoleNames(roles []*models.Role, orgID string) []string {
	var names []string
	for _, r := range roles {
		if !r.BelongsTo(orgID) || r.Technical() == "" {
			continue
		}
		names = append(names, r.Technical())
	}
	return names
}

// DeleteUser deletes a user. The user's roles of its organization are removed in the
// identity provider when it knows the login, together with the organization's admin role if
// the user still holds it, and the "user removed" callback fires before the local deletion
// commits. Users may always delete themselves; a user outside any
// organization is then simply removed.
func (o *Orchestrator) DeleteUser(ctx context.Context, caller access.Caller, userID string) error {
	u, err := o.user(ctx, userID)
	if err != nil {
		return err
	}
	self := models.NormalizeLogin(caller.Login) == u.Login

	if u.OrganizationID == nil {
		if !self && !caller.GlobalAdmin {
			return apperror.Forbidden("%s access required", access.LevelGlobalAdmin)
		}
		return storeErr(o.store.Users().Delete(ctx, userID), "failed to delete user")
	}

	orgID := *u.OrganizationID
	if !self {
		if err := o.policy.Check(ctx, caller, access.Organization(orgID), access.LevelOrganizationAdmin); err != nil {
			return err
		}
	}

	return o.locked(ctx, orgID, func() error {
		org, err := o.organization(ctx, orgID)
		if err != nil {
			return err
		}
		roles, err := o.store.Users().ListRoles(ctx, userID)
		if err != nil {
			return apperror.Internal(err, "failed to load user roles")
		}
		names := exclusiveRoleNames(roles, orgID)

		s := saga.New("delete_user")
		known, err := o.identityKnows(ctx, u.Login)
		if err != nil {
			return err
		}
		if known {
			if adminRole := org.AdminRoleName(); adminRole != "" {
				held, err := o.identityRoles.GetUsersRoles(ctx, u.Login)
				if err != nil {
					return err
				}
				if slices.Contains(held, adminRole) {
					names = append(names, adminRole)
				}
			}
			if len(names) > 0 {
				s.Add("remove_roles",
					func(ctx context.Context) error { return o.identityRoles.RemoveRolesFromUser(ctx, u.Login, names) },
					func(ctx context.Context) error { return o.identityRoles.AssignRolesToUser(ctx, u.Login, names) })
			}
		}
		s.Then("commit", func(ctx context.Context) error {
			return o.store.Tx(ctx, func(tx Store) error {
				if err := tx.Users().Delete(ctx, userID); err != nil {
					return apperror.Internal(err, "failed to delete user")
				}
				return o.callbacks.UserRemoved(ctx, u.Login, orgID)
			})
		})
		if err := s.Run(ctx); err != nil {
			return err
		}

		logProtocol("delete_user", "organization_id", orgID, "user_id", userID, "removed_roles", len(names))
		return nil
	})
}
