// Package lifecycle implements the organization lifecycle: every protocol that changes
// organizations, their users, roles and devices while keeping the identity provider, the
// asset service, the image store and the callback receiver consistent with the local store.
//
// Each protocol authorizes the caller before any side effect, holds the organization lock
// for its whole run and executes its external calls as a saga whose last step commits the
// local transaction. Callbacks that must succeed for a change to stand are fired inside that
// transaction, so their failure rolls the local writes back.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/organization-manager/organization-manager/internal/acceptkey"
	"github.com/organization-manager/organization-manager/internal/access"
	"github.com/organization-manager/organization-manager/internal/apperror"
	"github.com/organization-manager/organization-manager/internal/db/models"
	"github.com/organization-manager/organization-manager/internal/gateway"
	"github.com/organization-manager/organization-manager/internal/orglock"
	"github.com/organization-manager/organization-manager/internal/rolename"
)

// Authorizer makes access decisions, see access.Policy
type Authorizer interface {
	Allowed(ctx context.Context, caller access.Caller, resource access.Resource, level access.Level) (bool, error)
	Check(ctx context.Context, caller access.Caller, resource access.Resource, level access.Level) error
}

// Dependencies are the collaborators of the orchestrator. Assets is nil when asset
// management is disabled.
type Dependencies struct {
	Store         Store
	Policy        Authorizer
	Locker        orglock.Locker
	Keys          *acceptkey.Manager
	IdentityRoles gateway.IdentityRoleGateway
	IdentityUsers gateway.IdentityUserGateway
	Assets        gateway.AssetGateway
	Images        gateway.ImageGateway
	Mailing       gateway.MailingGateway
	Callbacks     gateway.OrganizationCallbackGateway
}

// Options tune the protocols
type Options struct {
	// AcceptURL is the page invitation mails link to
	AcceptURL       string
	DefaultLanguage string
	// AllowedDeviceProperties are the device keys clients may write
	AllowedDeviceProperties []string
	// CustomDeviceProperties are cleared along with the well-known keys on device removal
	CustomDeviceProperties []string
	EmailVerificationTTL   time.Duration
	RoleNameMaxAttempts    int
}

// Orchestrator runs the organization lifecycle protocols
type Orchestrator struct {
	store     Store
	policy    Authorizer
	locker    orglock.Locker
	keys      *acceptkey.Manager
	roleNames *rolename.Generator

	identityRoles gateway.IdentityRoleGateway
	identityUsers gateway.IdentityUserGateway
	assets        gateway.AssetGateway
	images        gateway.ImageGateway
	mailing       gateway.MailingGateway
	callbacks     gateway.OrganizationCallbackGateway

	opts Options
}

// New creates an orchestrator
func New(deps Dependencies, opts Options) *Orchestrator {
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "en"
	}
	if opts.EmailVerificationTTL <= 0 {
		opts.EmailVerificationTTL = 24 * time.Hour
	}
	return &Orchestrator{
		store:         deps.Store,
		policy:        deps.Policy,
		locker:        deps.Locker,
		keys:          deps.Keys,
		roleNames:     rolename.NewGenerator(deps.Store.Roles(), deps.IdentityRoles, opts.RoleNameMaxAttempts),
		identityRoles: deps.IdentityRoles,
		identityUsers: deps.IdentityUsers,
		assets:        deps.Assets,
		images:        deps.Images,
		mailing:       deps.Mailing,
		callbacks:     deps.Callbacks,
		opts:          opts,
	}
}

// locked runs fn while holding the lock of key
func (o *Orchestrator) locked(ctx context.Context, key string, fn func() error) error {
	unlock, err := o.locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// organization loads an organization or fails with NotFound
func (o *Orchestrator) organization(ctx context.Context, id string) (*models.Organization, error) {
	org, err := o.store.Organizations().GetByID(ctx, id)
	if err != nil {
		return nil, apperror.Internal(err, "failed to load organization")
	}
	if org == nil {
		return nil, apperror.NotFound("organization %s not found", id)
	}
	return org, nil
}

func (o *Orchestrator) user(ctx context.Context, id string) (*models.User, error) {
	u, err := o.store.Users().GetByID(ctx, id)
	if err != nil {
		return nil, apperror.Internal(err, "failed to load user")
	}
	if u == nil {
		return nil, apperror.NotFound("user %s not found", id)
	}
	return u, nil
}

func (o *Orchestrator) role(ctx context.Context, id string) (*models.Role, error) {
	r, err := o.store.Roles().GetByID(ctx, id)
	if err != nil {
		return nil, apperror.Internal(err, "failed to load role")
	}
	if r == nil {
		return nil, apperror.NotFound("role %s not found", id)
	}
	return r, nil
}

// identityKnows reports whether the identity provider knows login
func (o *Orchestrator) identityKnows(ctx context.Context, login string) (bool, error) {
	return o.identityUsers.UserExists(ctx, login)
}

// storeErr keeps classified errors and hides everything else behind a generic Internal.
func storeErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := apperror.As(err); ok {
		return err
	}
	return apperror.Internal(err, "%s", msg)
}

func logProtocol(protocol string, attrs ...any) {
	slog.Info("lifecycle protocol completed", append([]any{"protocol", protocol}, attrs...)...)
}
