// user_repository.go implements UserRepository: user CRUD, organization membership queries
// and the user_roles link table.
package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/organization-manager/organization-manager/internal/db/models"
)

const userColumns = `id, login, admin, status, invite_language, organization_id,
	accept_key_hash, accept_key_created_at, created_at, updated_at`

// UserRepository handles database operations for users
type UserRepository struct {
	db sqlx.ExtContext
}

// NewUserRepository creates a repository over the pool
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a user. The login is stored lowercase; a duplicate login yields a Conflict.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, login, admin, status, invite_language, organization_id, accept_key_hash, accept_key_created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	user.Login = models.NormalizeLogin(user.Login)
	err := r.db.QueryRowxContext(ctx, query,
		user.ID, user.Login, user.Admin, user.Status, user.InviteLanguage,
		user.OrganizationID, user.AcceptKeyHash, user.AcceptKeyCreatedAt,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if conflict := translateConflict(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *UserRepository) getOne(ctx context.Context, query string, args ...any) (*models.User, error) {
	var user models.User
	if err := sqlx.GetContext(ctx, r.db, &user, query, args...); err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByLogin retrieves a user by login, case-insensitively
func (r *UserRepository) GetByLogin(ctx context.Context, login string) (*models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE login = $1`, models.NormalizeLogin(login))
}

// ListByOrganization returns the members of an organization ordered by login
func (r *UserRepository) ListByOrganization(ctx context.Context, orgID string) ([]*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE organization_id = $1 ORDER BY login`

	users := []*models.User{}
	if err := sqlx.SelectContext(ctx, r.db, &users, query, orgID); err != nil {
		return nil, fmt.Errorf("failed to list organization users: %w", err)
	}
	return users, nil
}

// ListByLoginsInOrganization returns the members of orgID whose login is in logins
func (r *UserRepository) ListByLoginsInOrganization(ctx context.Context, orgID string, logins []string) ([]*models.User, error) {
	normalized := make([]string, 0, len(logins))
	for _, l := range logins {
		normalized = append(normalized, models.NormalizeLogin(l))
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE organization_id = $1 AND login = ANY($2) ORDER BY login`

	users := []*models.User{}
	if err := sqlx.SelectContext(ctx, r.db, &users, query, orgID, pq.Array(normalized)); err != nil {
		return nil, fmt.Errorf("failed to list users by login: %w", err)
	}
	return users, nil
}

// ListByRole returns the users holding a role
func (r *UserRepository) ListByRole(ctx context.Context, roleID string) ([]*models.User, error) {
	query := `
		SELECT u.id, u.login, u.admin, u.status, u.invite_language, u.organization_id,
		       u.accept_key_hash, u.accept_key_created_at, u.created_at, u.updated_at
		FROM users u
		JOIN user_roles ur ON ur.user_id = u.id
		WHERE ur.role_id = $1
		ORDER BY u.login
	`

	users := []*models.User{}
	if err := sqlx.SelectContext(ctx, r.db, &users, query, roleID); err != nil {
		return nil, fmt.Errorf("failed to list users by role: %w", err)
	}
	return users, nil
}

// CountByOrganization returns the number of users in an organization
func (r *UserRepository) CountByOrganization(ctx context.Context, orgID string) (int, error) {
	var count int
	if err := sqlx.GetContext(ctx, r.db, &count, `SELECT COUNT(*) FROM users WHERE organization_id = $1`, orgID); err != nil {
		return 0, fmt.Errorf("failed to count organization users: %w", err)
	}
	return count, nil
}

// Update writes the mutable user attributes
func (r *UserRepository) Update(ctx context.Context, user *models.User) error {
	query := `
		UPDATE users
		SET admin = $2, status = $3, invite_language = $4, organization_id = $5,
		    accept_key_hash = $6, accept_key_created_at = $7, updated_at = $8
		WHERE id = $1
	`

	user.UpdatedAt = time.Now()
	_, err := r.db.ExecContext(ctx, query,
		user.ID, user.Admin, user.Status, user.InviteLanguage, user.OrganizationID,
		user.AcceptKeyHash, user.AcceptKeyCreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// Delete removes a user and its role links
func (r *UserRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// DeleteByOrganization removes every user of an organization
func (r *UserRepository) DeleteByOrganization(ctx context.Context, orgID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE organization_id = $1`, orgID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete organization users: %w", err)
	}
	return result.RowsAffected()
}

// ListRoles returns the roles linked to a user
func (r *UserRepository) ListRoles(ctx context.Context, userID string) ([]*models.Role, error) {
	query := `
		SELECT r.id, r.name, r.technical_name, r.organization_id, r.created_at, r.updated_at
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.name
	`

	roles := []*models.Role{}
	if err := sqlx.SelectContext(ctx, r.db, &roles, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list user roles: %w", err)
	}
	return roles, nil
}

// LinkRole links a role to a user. It reports false when the link already existed.
func (r *UserRepository) LinkRole(ctx context.Context, userID, roleID string) (bool, error) {
	query := `
		INSERT INTO user_roles (user_id, role_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, role_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query, userID, roleID)
	if err != nil {
		return false, fmt.Errorf("failed to link role: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to link role: %w", err)
	}
	return rows > 0, nil
}

// UnlinkRole removes a role link. It reports false when there was nothing to remove.
func (r *UserRepository) UnlinkRole(ctx context.Context, userID, roleID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return false, fmt.Errorf("failed to unlink role: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to unlink role: %w", err)
	}
	return rows > 0, nil
}
