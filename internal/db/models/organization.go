// Package models - organization.go defines the Organization model: a tenant owning users and
// roles, identified by a unique, case-sensitive name.
package models

import "time"

// Address is the postal address of an organization. All fields are required.
type Address struct {
	Street     string `db:"street" json:"street"`
	PostalCode string `db:"postal_code" json:"postalCode"`
	City       string `db:"city" json:"city"`
	Country    string `db:"country" json:"country"`
}

// Missing returns the names of empty address fields.
func (a Address) Missing() []string {
	var missing []string
	if a.Street == "" {
		missing = append(missing, "street")
	}
	if a.PostalCode == "" {
		missing = append(missing, "postalCode")
	}
	if a.City == "" {
		missing = append(missing, "city")
	}
	if a.Country == "" {
		missing = append(missing, "country")
	}
	return missing
}

// Organization represents a tenant
type Organization struct {
	ID      string `db:"id" json:"id"`
	Name    string `db:"name" json:"name"`
	Address `json:"address"`
	Phone   *string `db:"phone" json:"phone,omitempty"`
	Email   *string `db:"email" json:"email,omitempty"`
	// Image and Logo are opaque locations returned by the image gateway
	Image *string `db:"image" json:"image,omitempty"`
	Logo  *string `db:"logo" json:"logo,omitempty"`
	// AdminRole is the technical name of the organization's admin role in the identity
	// provider. Promoted users hold it.
	AdminRole *string   `db:"admin_role" json:"adminRole,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// AdminRoleName returns the technical admin role name, or "" when none was provisioned
func (o *Organization) AdminRoleName() string {
	if o.AdminRole == nil {
		return ""
	}
	return *o.AdminRole
}

// LogoURL returns the logo location, falling back to the image location.
func (o *Organization) LogoURL() string {
	if o.Logo != nil && *o.Logo != "" {
		return *o.Logo
	}
	if o.Image != nil {
		return *o.Image
	}
	return ""
}
