// Package models - user.go defines the User model and its invitation state machine.
// Status only moves through the transition methods below; callers never assign it directly.
package models

import (
	"errors"
	"strings"
	"time"
)

// UserStatus is the invitation state of a user
type UserStatus string

const (
	UserStatusCreated  UserStatus = "CREATED"
	UserStatusInvited  UserStatus = "INVITED"
	UserStatusAccepted UserStatus = "ACCEPTED"
	UserStatusDeclined UserStatus = "DECLINED"
)

var (
	ErrAlreadyAccepted = errors.New("user already accepted the invitation")
	ErrDeclined        = errors.New("user declined the invitation")
)

// AcceptKey is the stored half of an invitation key. Only the bcrypt hash is kept.
type AcceptKey struct {
	Hash      string
	CreatedAt time.Time
}

// User represents a person belonging to at most one organization
type User struct {
	ID             string     `db:"id" json:"id"`
	Login          string     `db:"login" json:"login"`
	Admin          bool       `db:"admin" json:"admin"`
	Status         UserStatus `db:"status" json:"status"`
	InviteLanguage *string    `db:"invite_language" json:"inviteLanguage,omitempty"`
	OrganizationID *string    `db:"organization_id" json:"organizationId,omitempty"`

	AcceptKeyHash      *string    `db:"accept_key_hash" json:"-"`
	AcceptKeyCreatedAt *time.Time `db:"accept_key_created_at" json:"-"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// NewUser creates a standalone user in status CREATED
func NewUser(id, login string, inviteLanguage *string) *User {
	return &User{
		ID:             id,
		Login:          NormalizeLogin(login),
		Status:         UserStatusCreated,
		InviteLanguage: inviteLanguage,
	}
}

// NormalizeLogin lowercases and trims a login (email).
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

// BelongsTo reports whether the user is linked to the organization.
func (u *User) BelongsTo(orgID string) bool {
	return u.OrganizationID != nil && *u.OrganizationID == orgID
}

// IsAccepted reports whether the user has accepted the invitation.
func (u *User) IsAccepted() bool { return u.Status == UserStatusAccepted }

// AcceptKey returns the stored key, or nil when none is issued.
func (u *User) AcceptKey() *AcceptKey {
	if u.AcceptKeyHash == nil || u.AcceptKeyCreatedAt == nil {
		return nil
	}
	return &AcceptKey{Hash: *u.AcceptKeyHash, CreatedAt: *u.AcceptKeyCreatedAt}
}

// LinkTo attaches a standalone user to an organization as a non-admin CREATED member.
func (u *User) LinkTo(orgID string) {
	u.OrganizationID = &orgID
	u.Admin = false
	if u.Status != UserStatusAccepted {
		u.Status = UserStatusCreated
	}
}

// Invite moves CREATED or INVITED to INVITED and stores a fresh key.
func (u *User) Invite(key AcceptKey) error {
	switch u.Status {
	case UserStatusAccepted:
		return ErrAlreadyAccepted
	case UserStatusDeclined:
		return ErrDeclined
	}
	u.Status = UserStatusInvited
	u.setKey(&key)
	return nil
}

// Accept moves the user to ACCEPTED and clears the key. It reports false when the user was
// already accepted.
func (u *User) Accept() (bool, error) {
	switch u.Status {
	case UserStatusAccepted:
		return false, nil
	case UserStatusDeclined:
		return false, ErrDeclined
	}
	u.Status = UserStatusAccepted
	u.setKey(nil)
	return true, nil
}

// Decline marks the user as declined. The row is removed by the caller afterwards.
func (u *User) Decline() error {
	if u.Status == UserStatusAccepted {
		return ErrAlreadyAccepted
	}
	u.Status = UserStatusDeclined
	u.setKey(nil)
	return nil
}

// AcceptAsFounder makes the user the accepted admin of a freshly created organization.
func (u *User) AcceptAsFounder(orgID string) {
	u.OrganizationID = &orgID
	u.Admin = true
	u.Status = UserStatusAccepted
	u.setKey(nil)
}

// Promote grants organization admin rights.
func (u *User) Promote() { u.Admin = true }

// RemoveAdminRights revokes organization admin rights locally.
func (u *User) RemoveAdminRights() { u.Admin = false }

func (u *User) setKey(key *AcceptKey) {
	if key == nil {
		u.AcceptKeyHash = nil
		u.AcceptKeyCreatedAt = nil
		return
	}
	hash, created := key.Hash, key.CreatedAt
	u.AcceptKeyHash = &hash
	u.AcceptKeyCreatedAt = &created
}
