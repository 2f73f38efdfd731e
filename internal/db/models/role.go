// Package models - role.go defines the Role model: a functional label scoped to one
// organization and the globally unique technical name pushed to the identity provider.
package models

import "time"

// Role represents an organization role
type Role struct {
	ID             string  `db:"id" json:"id"`
	Name           string  `db:"name" json:"name"`
	TechnicalName  *string `db:"technical_name" json:"technicalName,omitempty"`
	OrganizationID *string `db:"organization_id" json:"organizationId,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// BelongsTo reports whether the role is linked to the organization.
func (r *Role) BelongsTo(orgID string) bool {
	return r.OrganizationID != nil && *r.OrganizationID == orgID
}

// Technical returns the technical name or "" before the role is linked.
func (r *Role) Technical() string {
	if r.TechnicalName == nil {
		return ""
	}
	return *r.TechnicalName
}

// TechnicalNames collects the technical names of linked roles.
func TechnicalNames(roles []*Role) []string {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		if n := r.Technical(); n != "" {
			names = append(names, n)
		}
	}
	return names
}
