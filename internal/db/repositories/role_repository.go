// role_repository.go implements RoleRepository, providing role CRUD and the uniqueness
// lookups used when generating technical role names.
package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/organization-manager/organization-manager/internal/db/models"
)

const roleColumns = `id, name, technical_name, organization_id, created_at, updated_at`

// RoleRepository handles database operations for roles
type RoleRepository struct {
	db sqlx.ExtContext
}

// NewRoleRepository creates a repository over the pool
func NewRoleRepository(db *sqlx.DB) *RoleRepository {
	return &RoleRepository{db: db}
}

// Create inserts a role
func (r *RoleRepository) Create(ctx context.Context, role *models.Role) error {
	query := `
		INSERT INTO roles (id, name, technical_name, organization_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowxContext(ctx, query, role.ID, role.Name, role.TechnicalName, role.OrganizationID).
		Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if conflict := translateConflict(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("failed to create role: %w", err)
	}
	return nil
}

// GetByID retrieves a role by ID
func (r *RoleRepository) GetByID(ctx context.Context, id string) (*models.Role, error) {
	var role models.Role
	err := sqlx.GetContext(ctx, r.db, &role, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return &role, nil
}

// ListByOrganization returns the roles of an organization
func (r *RoleRepository) ListByOrganization(ctx context.Context, orgID string) ([]*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE organization_id = $1 ORDER BY name`

	roles := []*models.Role{}
	if err := sqlx.SelectContext(ctx, r.db, &roles, query, orgID); err != nil {
		return nil, fmt.Errorf("failed to list organization roles: %w", err)
	}
	return roles, nil
}

// CountByOrganization returns the number of roles in an organization
func (r *RoleRepository) CountByOrganization(ctx context.Context, orgID string) (int, error) {
	var count int
	if err := sqlx.GetContext(ctx, r.db, &count, `SELECT COUNT(*) FROM roles WHERE organization_id = $1`, orgID); err != nil {
		return 0, fmt.Errorf("failed to count organization roles: %w", err)
	}
	return count, nil
}

// NameExistsInOrganization reports whether another role of orgID already uses name
func (r *RoleRepository) NameExistsInOrganization(ctx context.Context, orgID, name, excludeID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM roles WHERE organization_id = $1 AND name = $2 AND id <> $3)`

	var exists bool
	if err := sqlx.GetContext(ctx, r.db, &exists, query, orgID, name, excludeID); err != nil {
		return false, fmt.Errorf("failed to check role name: %w", err)
	}
	return exists, nil
}

// TechnicalNameExists reports whether a technical role name is taken by a role or as an
// organization's admin role
func (r *RoleRepository) TechnicalNameExists(ctx context.Context, technicalName string) (bool, error) {
	query := `
		SELECT EXISTS (SELECT 1 FROM roles WHERE technical_name = $1)
		    OR EXISTS (SELECT 1 FROM organizations WHERE admin_role = $1)
	`

	var exists bool
	err := sqlx.GetContext(ctx, r.db, &exists, query, technicalName)
	if err != nil {
		return false, fmt.Errorf("failed to check technical role name: %w", err)
	}
	return exists, nil
}

// Update writes the role's name, technical name and organization. Unique violations on the
// technical name or on the per-organization name yield a Conflict.
func (r *RoleRepository) Update(ctx context.Context, role *models.Role) error {
	query := `
		UPDATE roles
		SET name = $2, technical_name = $3, organization_id = $4, updated_at = $5
		WHERE id = $1
	`

	role.UpdatedAt = time.Now()
	_, err := r.db.ExecContext(ctx, query, role.ID, role.Name, role.TechnicalName, role.OrganizationID, role.UpdatedAt)
	if err != nil {
		if conflict := translateConflict(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("failed to update role: %w", err)
	}
	return nil
}

// Delete removes a role and its user links
func (r *RoleRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return nil
}

// DeleteByOrganization removes every role of an organization
func (r *RoleRepository) DeleteByOrganization(ctx context.Context, orgID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM roles WHERE organization_id = $1`, orgID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete organization roles: %w", err)
	}
	return result.RowsAffected()
}
