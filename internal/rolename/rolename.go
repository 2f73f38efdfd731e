// Package rolename derives the technical role names pushed to the identity provider.
// A name is ROLE_<PREFIX>_<6 hex digits> where PREFIX comes from the organization name.
package rolename

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/organization-manager/organization-manager/internal/apperror"
	"github.com/organization-manager/organization-manager/internal/db/models"
)

const maxPrefixLength = 12

// LocalNames reports technical names already stored locally
type LocalNames interface {
	TechnicalNameExists(ctx context.Context, technicalName string) (bool, error)
}

// RemoteNames lists the role names known to the identity provider
type RemoteNames interface {
	GetAllRoleNames(ctx context.Context) ([]string, error)
}

// Generator produces technical names free in both authorities
type Generator struct {
	local       LocalNames
	remote      RemoteNames
	maxAttempts int
	suffix      func() (string, error)
}

// Option configures a Generator
type Option func(*Generator)

// WithSuffix replaces the random 6 hex digit disambiguator
func WithSuffix(fn func() (string, error)) Option {
	return func(g *Generator) { g.suffix = fn }
}

// NewGenerator creates a generator that gives up after maxAttempts collisions
func NewGenerator(local LocalNames, remote RemoteNames, maxAttempts int, opts ...Option) *Generator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	g := &Generator{local: local, remote: remote, maxAttempts: maxAttempts, suffix: randomSuffix}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Prefix derives the organization token: the name uppercased with everything but letters
// and digits dropped, cut to 12 characters. Organizations whose name yields nothing fall back
// to their id.
func Prefix(org *models.Organization) string {
	if p := normalize(org.Name); p != "" {
		return p
	}
	if p := normalize(org.ID); p != "" {
		return p
	}
	return "ORG"
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == maxPrefixLength {
				break
			}
		}
	}
	return b.String()
}

// Generate returns a technical name for a role called functionalName in org. It fails with
// Conflict when every attempt collides.
func (g *Generator) Generate(ctx context.Context, org *models.Organization, functionalName string) (string, error) {
	remote, err := g.remote.GetAllRoleNames(ctx)
	if err != nil {
		return "", err
	}
	taken := make(map[string]struct{}, len(remote))
	for _, n := range remote {
		taken[n] = struct{}{}
	}

	prefix := Prefix(org)
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		suffix, err := g.suffix()
		if err != nil {
			return "", fmt.Errorf("failed to generate role name suffix: %w", err)
		}
		candidate := "ROLE_" + prefix + "_" + suffix

		if _, ok := taken[candidate]; ok {
			slog.Debug("technical role name taken in identity provider", "candidate", candidate, "attempt", attempt)
			continue
		}
		exists, err := g.local.TechnicalNameExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if exists {
			slog.Debug("technical role name taken locally", "candidate", candidate, "attempt", attempt)
			continue
		}

		slog.Debug("technical role name generated", "role", functionalName, "technical_name", candidate)
		return candidate, nil
	}

	return "", apperror.Conflict("could not generate a unique technical role name")
}

func randomSuffix() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}
