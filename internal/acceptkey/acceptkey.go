// Package acceptkey issues and checks the single-use keys that prove a user's identity when
// answering an invitation. The raw key only ever appears in the invitation mail; users keep
// its bcrypt hash and issue time.
package acceptkey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/organization-manager/organization-manager/internal/apperror"
	"github.com/organization-manager/organization-manager/internal/db/models"
	"github.com/organization-manager/organization-manager/internal/telemetry"
)

const (
	// KeyLength is the number of random bytes in a raw key
	KeyLength = 32

	// DefaultBcryptCost is the cost factor used outside tests
	DefaultBcryptCost = 10
)

// Validity is the outcome of comparing a supplied key with the stored one
type Validity struct {
	Valid   bool
	Expired bool
}

// ExpiryPolicy decides whether a matching key that is past its max age still admits the user
type ExpiryPolicy func(Validity) bool

// AcceptExpiredKeys admits matching keys regardless of age. Expiry is only reported.
func AcceptExpiredKeys(v Validity) bool { return v.Valid }

// RejectExpiredKeys admits only matching keys that are within their max age
func RejectExpiredKeys(v Validity) bool { return v.Valid && !v.Expired }

// Manager issues, validates and consumes accept keys
type Manager struct {
	maxAge time.Duration
	cost   int
	policy ExpiryPolicy
	now    func() time.Time
}

// NewManager creates a manager for keys valid maxAgeHours after issue
func NewManager(maxAgeHours int, policy ExpiryPolicy) *Manager {
	if policy == nil {
		policy = AcceptExpiredKeys
	}
	return &Manager{
		maxAge: time.Duration(maxAgeHours) * time.Hour,
		cost:   DefaultBcryptCost,
		policy: policy,
		now:    time.Now,
	}
}

// WithCost returns a copy using a different bcrypt cost
func (m *Manager) WithCost(cost int) *Manager {
	cp := *m
	cp.cost = cost
	return &cp
}

// Issue generates a fresh key, replaces any prior key on u and moves u to INVITED.
// It returns the raw key for the invitation mail.
func (m *Manager) Issue(u *models.User) (string, error) {
	randomBytes := make([]byte, KeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate accept key: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(randomBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), m.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash accept key: %w", err)
	}

	if err := u.Invite(models.AcceptKey{Hash: string(hash), CreatedAt: m.now().UTC()}); err != nil {
		return "", apperror.BadRequest("%s", err.Error())
	}
	return raw, nil
}

// Validate compares supplied with the key stored on u. A missing stored key never matches.
// Expiry does not affect Valid.
func (m *Manager) Validate(u *models.User, supplied string) Validity {
	stored := u.AcceptKey()
	if stored == nil {
		return Validity{}
	}
	valid := bcrypt.CompareHashAndPassword([]byte(stored.Hash), []byte(supplied)) == nil
	return Validity{
		Valid:   valid,
		Expired: m.now().Sub(stored.CreatedAt) > m.maxAge,
	}
}

// Admit decides whether u may accept with the optionally supplied key. Already accepted users
// and self-accepts without a key are admitted; a key is only checked against a stored one.
func (m *Manager) Admit(u *models.User, supplied *string) error {
	if u.IsAccepted() || supplied == nil || u.AcceptKey() == nil {
		return nil
	}

	v := m.Validate(u, *supplied)
	if !v.Valid {
		return apperror.BadRequest("invalid accept key")
	}
	if v.Expired {
		telemetry.AcceptKeysExpiredTotal.Inc()
		slog.Info("accept key past max age", "user_id", u.ID, "max_age", m.maxAge)
	}
	if !m.policy(v) {
		return apperror.BadRequest("accept key expired, request a new invitation")
	}
	return nil
}

// Consume moves u to ACCEPTED and clears its key. It reports false when u was already
// accepted, in which case nothing changed.
func (m *Manager) Consume(u *models.User) (bool, error) {
	changed, err := u.Accept()
	if err != nil {
		return false, apperror.BadRequest("%s", err.Error())
	}
	return changed, nil
}
