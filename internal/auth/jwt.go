package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/organization-manager/organization-manager/internal/config"
	"github.com/organization-manager/organization-manager/internal/db/models"
)

const minSecretLength = 32

// Claims represents the JWT claims structure
type Claims struct {
	Email string   `json:"email"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWT signs and verifies HS256 service tokens
type JWT struct {
	secret []byte
	issuer string
}

// NewJWT creates a signer from the configured shared secret
func NewJWT(cfg *config.JWTConfig) (*JWT, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth.jwt.secret is required")
	}
	if len(cfg.Secret) < minSecretLength {
		slog.Warn("JWT secret is shorter than recommended", "min_length", minSecretLength)
	}
	return &JWT{secret: []byte(cfg.Secret), issuer: cfg.Issuer}, nil
}

// Generate creates a token for login carrying roles
func (j *JWT) Generate(login string, roles []string, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = time.Hour
	}
	now := time.Now()
	claims := &Claims{
		Email: models.NormalizeLogin(login),
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    j.issuer,
			Subject:   models.NormalizeLogin(login),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and validates a token
func (j *JWT) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Email == "" {
		return nil, errors.New("token has no email claim")
	}
	return claims, nil
}

// Verify implements Verifier
func (j *JWT) Verify(_ context.Context, token string) (*Identity, error) {
	claims, err := j.Validate(token)
	if err != nil {
		return nil, err
	}
	return &Identity{Login: models.NormalizeLogin(claims.Email), Roles: claims.Roles, Method: "jwt"}, nil
}
