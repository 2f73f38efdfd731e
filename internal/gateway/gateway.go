// Package gateway defines the collaborating services the organization lifecycle depends on:
// the identity provider (roles and users), asset management, image storage, mailing and the
// organization callback receiver. Implementations live in the sub-packages; every HTTP-based
// one goes through the instrumented Client in this package.
//
// Failures are returned as *apperror.Error values that keep the status the collaborator
// answered with, so callers can pass it through unchanged.
package gateway

import (
	"context"
	"time"
)

// IdentityRoleGateway manages roles in the identity provider, addressed by technical name
type IdentityRoleGateway interface {
	AddRole(ctx context.Context, name string) error
	DeleteRole(ctx context.Context, name string) error
	AssignRolesToUser(ctx context.Context, login string, roleNames []string) error
	RemoveRolesFromUser(ctx context.Context, login string, roleNames []string) error
	GetUsersInRole(ctx context.Context, roleName string) ([]string, error)
	GetUsersRoles(ctx context.Context, login string) ([]string, error)
	GetAllRoleNames(ctx context.Context) ([]string, error)
}

// UserInfo is the identity provider's profile of a login
type UserInfo struct {
	FirstName         string `json:"given_name"`
	LastName          string `json:"family_name"`
	Email             string `json:"email"`
	ProfilePictureURL string `json:"picture"`
}

// DisplayName falls back from first name to last name to email.
func (u *UserInfo) DisplayName() string {
	switch {
	case u == nil:
		return ""
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	default:
		return u.Email
	}
}

// IdentityUserGateway reads and updates users in the identity provider
type IdentityUserGateway interface {
	UserExists(ctx context.Context, login string) (bool, error)
	// GetUserInfo returns nil, nil for an unknown login
	GetUserInfo(ctx context.Context, login string) (*UserInfo, error)
	UnblockUser(ctx context.Context, login string) error
	UpdateAppMetadata(ctx context.Context, login string, metadata map[string]any) error
	CreateEmailVerificationTicket(ctx context.Context, login, returnURL string, ttl time.Duration) (string, error)
}

// Asset is a device record owned by the asset-management service
type Asset struct {
	ID         string         `json:"id"`
	DeviceID   string         `json:"deviceId"`
	Properties map[string]any `json:"properties"`
}

// PropertyOrganizationID is the asset property linking a device to an organization
const PropertyOrganizationID = "organizationId"

// OrganizationID returns the organization the asset is linked to, or "".
func (a *Asset) OrganizationID() string {
	if a == nil || a.Properties == nil {
		return ""
	}
	id, _ := a.Properties[PropertyOrganizationID].(string)
	return id
}

// AssetGateway finds and updates asset records
type AssetGateway interface {
	// FindByDeviceID returns nil, nil for an unknown device
	FindByDeviceID(ctx context.Context, deviceID string) (*Asset, error)
	SearchByOrganizationID(ctx context.Context, organizationID string) ([]*Asset, error)
	// UpdateProperties merges properties into the asset; a nil value clears the key
	UpdateProperties(ctx context.Context, assetID string, properties map[string]any) error
}

// ImageGateway stores uploaded images and returns the location clients fetch them from
type ImageGateway interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Mail is one templated message
type Mail struct {
	Template  string
	Subject   string
	Recipient string
	Language  string
	Variables map[string]any
}

// MailingGateway delivers templated mails
type MailingGateway interface {
	Send(ctx context.Context, mail Mail) error
}

// OrganizationCallbackGateway notifies the organization callback receiver of lifecycle events.
// A 404 from the receiver counts as success.
type OrganizationCallbackGateway interface {
	PreDeleteCheck(ctx context.Context, organizationID string) error
	OrganizationRemoved(ctx context.Context, organizationID string) error
	UserAccepted(ctx context.Context, login, organizationID string) error
	UserRemoved(ctx context.Context, login, organizationID string) error
	DeviceRemoved(ctx context.Context, organizationID, deviceID string) error
}
