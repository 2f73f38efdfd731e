// organization_repository.go implements OrganizationRepository, providing database queries
// for organization CRUD.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/organization-manager/organization-manager/internal/db/models"
)

const organizationColumns = `id, name, street, postal_code, city, country, phone, email, image, logo, admin_role, created_at, updated_at`

// OrganizationRepository handles database operations for organizations
type OrganizationRepository struct {
	db sqlx.ExtContext
}

// NewOrganizationRepository creates a repository over the pool
func NewOrganizationRepository(db *sqlx.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

// Create inserts an organization. A duplicate name yields a Conflict.
func (r *OrganizationRepository) Create(ctx context.Context, org *models.Organization) error {
	query := `
		INSERT INTO organizations (id, name, street, postal_code, city, country, phone, email, image, logo, admin_role)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		org.ID, org.Name, org.Street, org.PostalCode, org.City, org.Country,
		org.Phone, org.Email, org.Image, org.Logo, org.AdminRole,
	).Scan(&org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		if conflict := translateConflict(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("failed to create organization: %w", err)
	}

	return nil
}

// GetByID retrieves an organization by ID
func (r *OrganizationRepository) GetByID(ctx context.Context, id string) (*models.Organization, error) {
	query := `SELECT ` + organizationColumns + ` FROM organizations WHERE id = $1`

	var org models.Organization
	if err := sqlx.GetContext(ctx, r.db, &org, query, id); err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &org, nil
}

// GetByName retrieves an organization by its exact name
func (r *OrganizationRepository) GetByName(ctx context.Context, name string) (*models.Organization, error) {
	query := `SELECT ` + organizationColumns + ` FROM organizations WHERE name = $1`

	var org models.Organization
	if err := sqlx.GetContext(ctx, r.db, &org, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get organization by name: %w", err)
	}
	return &org, nil
}

// List returns organizations ordered by name
func (r *OrganizationRepository) List(ctx context.Context, limit, offset int) ([]*models.Organization, error) {
	query := `SELECT ` + organizationColumns + ` FROM organizations ORDER BY name LIMIT $1 OFFSET $2`

	orgs := []*models.Organization{}
	if err := sqlx.SelectContext(ctx, r.db, &orgs, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	return orgs, nil
}

// Count returns the number of organizations
func (r *OrganizationRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := sqlx.GetContext(ctx, r.db, &count, `SELECT COUNT(*) FROM organizations`); err != nil {
		return 0, fmt.Errorf("failed to count organizations: %w", err)
	}
	return count, nil
}

// Update writes the mutable organization attributes and the admin role name. A duplicate name yields a Conflict.
func (r *OrganizationRepository) Update(ctx context.Context, org *models.Organization) error {
	query := `
		UPDATE organizations
		SET name = $2, street = $3, postal_code = $4, city = $5, country = $6,
		    phone = $7, email = $8, image = $9, logo = $10, admin_role = $11, updated_at = $12
		WHERE id = $1
	`

	org.UpdatedAt = time.Now()
	_, err := r.db.ExecContext(ctx, query,
		org.ID, org.Name, org.Street, org.PostalCode, org.City, org.Country,
		org.Phone, org.Email, org.Image, org.Logo, org.AdminRole, org.UpdatedAt,
	)
	if err != nil {
		if conflict := translateConflict(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("failed to update organization: %w", err)
	}
	return nil
}

// Delete removes an organization. Users still linked to it are removed by the foreign key.
func (r *OrganizationRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete organization: %w", err)
	}
	return nil
}
