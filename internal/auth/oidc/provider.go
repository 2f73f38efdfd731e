// Package oidc verifies ID tokens issued by the identity provider. Discovery, key fetching
// and signature checks are done by go-oidc; this package maps the configured email and roles
// claims onto an auth.Identity.
package oidc

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/organization-manager/organization-manager/internal/auth"
	"github.com/organization-manager/organization-manager/internal/config"
	"github.com/organization-manager/organization-manager/internal/db/models"
)

// Provider verifies ID tokens of one issuer
type Provider struct {
	verifier   *oidc.IDTokenVerifier
	emailClaim string
	rolesClaim string
}

// NewProvider discovers the issuer and builds a verifier for the configured client
func NewProvider(ctx context.Context, cfg *config.OIDCConfig) (*Provider, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("OIDC is not enabled")
	}
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("OIDC issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("OIDC client ID is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	return newProvider(verifier, cfg.EmailClaim, cfg.RolesClaim), nil
}

func newProvider(verifier *oidc.IDTokenVerifier, emailClaim, rolesClaim string) *Provider {
	if emailClaim == "" {
		emailClaim = "email"
	}
	return &Provider{verifier: verifier, emailClaim: emailClaim, rolesClaim: rolesClaim}
}

// Verify implements auth.Verifier
func (p *Provider) Verify(ctx context.Context, rawIDToken string) (*auth.Identity, error) {
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}

	email, _ := claims[p.emailClaim].(string)
	if email == "" {
		return nil, fmt.Errorf("ID token missing %q claim", p.emailClaim)
	}
	return &auth.Identity{
		Login:  models.NormalizeLogin(email),
		Roles:  ExtractGroups(claims, p.rolesClaim),
		Method: "oidc",
	}, nil
}

// ExtractGroups reads the named claim and returns its string values. Namespaced claims such
// as "https://example.com/roles" work as well. An absent claim yields nil.
func ExtractGroups(claims map[string]interface{}, claimName string) []string {
	if claimName == "" {
		return nil
	}
	switch v := claims[claimName].(type) {
	case []interface{}:
		groups := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				groups = append(groups, s)
			}
		}
		return groups
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
