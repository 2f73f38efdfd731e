package lifecycle

import (
	"context"

	"github.com/organization-manager/organization-manager/internal/db/models"
	"github.com/organization-manager/organization-manager/internal/db/repositories"
)

// OrganizationStore persists organizations
type OrganizationStore interface {
	Create(ctx context.Context, org *models.Organization) error
	GetByID(ctx context.Context, id string) (*models.Organization, error)
	GetByName(ctx context.Context, name string) (*models.Organization, error)
	List(ctx context.Context, limit, offset int) ([]*models.Organization, error)
	Count(ctx context.Context) (int, error)
	Update(ctx context.Context, org *models.Organization) error
	Delete(ctx context.Context, id string) error
}

// UserStore persists users and their role links
type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByLogin(ctx context.Context, login string) (*models.User, error)
	ListByOrganization(ctx context.Context, orgID string) ([]*models.User, error)
	ListByLoginsInOrganization(ctx context.Context, orgID string, logins []string) ([]*models.User, error)
	ListByRole(ctx context.Context, roleID string) ([]*models.User, error)
	Update(ctx context.Context, user *models.User) error
	Delete(ctx context.Context, id string) error
	DeleteByOrganization(ctx context.Context, orgID string) (int64, error)
	ListRoles(ctx context.Context, userID string) ([]*models.Role, error)
	LinkRole(ctx context.Context, userID, roleID string) (bool, error)
	UnlinkRole(ctx context.Context, userID, roleID string) (bool, error)
}

// RoleStore persists roles
type RoleStore interface {
	Create(ctx context.Context, role *models.Role) error
	GetByID(ctx context.Context, id string) (*models.Role, error)
	ListByOrganization(ctx context.Context, orgID string) ([]*models.Role, error)
	CountByOrganization(ctx context.Context, orgID string) (int, error)
	NameExistsInOrganization(ctx context.Context, orgID, name, excludeID string) (bool, error)
	TechnicalNameExists(ctx context.Context, technicalName string) (bool, error)
	Update(ctx context.Context, role *models.Role) error
	Delete(ctx context.Context, id string) error
	DeleteByOrganization(ctx context.Context, orgID string) (int64, error)
}

// Store groups the repositories. Tx runs fn against a transactional binding that commits
// when fn returns nil.
type Store interface {
	Organizations() OrganizationStore
	Users() UserStore
	Roles() RoleStore
	Tx(ctx context.Context, fn func(Store) error) error
}

type sqlStore struct {
	s *repositories.Store
}

// NewSQLStore adapts the postgres repositories
func NewSQLStore(s *repositories.Store) Store {
	return sqlStore{s: s}
}

func (s sqlStore) Organizations() OrganizationStore { return s.s.Organizations() }
func (s sqlStore) Users() UserStore                 { return s.s.Users() }
func (s sqlStore) Roles() RoleStore                 { return s.s.Roles() }

func (s sqlStore) Tx(ctx context.Context, fn func(Store) error) error {
	return s.s.Tx(ctx, func(tx *repositories.Store) error {
		return fn(sqlStore{s: tx})
	})
}
