// Package identity implements the identity-role and identity-user gateways against an
// Auth0-style management API (v2). The service authenticates with the OAuth2 client
// credentials grant. Logins and role names are resolved to provider ids once and kept in an
// expiring LRU cache, since every management endpoint is addressed by id.
package identity

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/organization-manager/organization-manager/internal/apperror"
	"github.com/organization-manager/organization-manager/internal/config"
	"github.com/organization-manager/organization-manager/internal/db/models"
	"github.com/organization-manager/organization-manager/internal/gateway"
)

const (
	gatewayName = "identity"
	pageSize    = 100
	apiPrefix   = "/api/v2"
)

// Client implements gateway.IdentityRoleGateway and gateway.IdentityUserGateway
type Client struct {
	http    *gateway.Client
	userIDs *lru.LRU[string, string]
	roleIDs *lru.LRU[string, string]
}

// New creates a client that fetches management tokens from cfg.TokenURL
func New(cfg *config.IdentityConfig, timeout time.Duration) *Client {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	if cfg.Audience != "" {
		cc.EndpointParams = url.Values{"audience": {cfg.Audience}}
	}

	transport := &oauth2.Transport{
		Source: cc.TokenSource(context.Background()),
		Base:   http.DefaultTransport,
	}
	return newClient(gateway.NewClient(gatewayName, cfg.BaseURL, timeout, gateway.WithTransport(transport)), cfg.CacheSize, cfg.CacheTTL)
}

func newClient(c *gateway.Client, cacheSize int, cacheTTL time.Duration) *Client {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &Client{
		http:    c,
		userIDs: lru.NewLRU[string, string](cacheSize, nil, cacheTTL),
		roleIDs: lru.NewLRU[string, string](cacheSize, nil, cacheTTL),
	}
}

type user struct {
	UserID string `json:"user_id"`
	gateway.UserInfo
}

type role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type rolesPage struct {
	Roles []role `json:"roles"`
	Total int    `json:"total"`
}

type roleUsersPage struct {
	Users []user `json:"users"`
	Total int    `json:"total"`
}

func pageQuery(page int) url.Values {
	return url.Values{
		"page":           {strconv.Itoa(page)},
		"per_page":       {strconv.Itoa(pageSize)},
		"include_totals": {"true"},
	}
}

// ----------------------------------------------------------------------------
// id resolution
// ----------------------------------------------------------------------------

// lookupUser returns nil, nil when the provider does not know the login.
func (c *Client) lookupUser(ctx context.Context, login string) (*user, error) {
	login = models.NormalizeLogin(login)
	var users []user
	_, err := c.http.Do(ctx, gateway.Request{
		Operation: "get_user_by_email",
		Method:    http.MethodGet,
		Path:      apiPrefix + "/users-by-email",
		Query:     url.Values{"email": {login}},
	}, &users)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	c.userIDs.Add(login, users[0].UserID)
	return &users[0], nil
}

func (c *Client) userID(ctx context.Context, login string) (string, error) {
	if id, ok := c.userIDs.Get(models.NormalizeLogin(login)); ok {
		return id, nil
	}
	u, err := c.lookupUser(ctx, login)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", apperror.NotFound("user %s not found in identity provider", login)
	}
	return u.UserID, nil
}

func (c *Client) roleID(ctx context.Context, name string) (string, error) {
	if id, ok := c.roleIDs.Get(name); ok {
		return id, nil
	}
	var roles []role
	_, err := c.http.Do(ctx, gateway.Request{
		Operation: "find_role",
		Method:    http.MethodGet,
		Path:      apiPrefix + "/roles",
		Query:     url.Values{"name_filter": {name}},
	}, &roles)
	if err != nil {
		return "", err
	}
	for _, r := range roles {
		if r.Name == name {
			c.roleIDs.Add(name, r.ID)
			return r.ID, nil
		}
	}
	return "", apperror.NotFound("role %s not found in identity provider", name)
}

func (c *Client) resolveRoleIDs(ctx context.Context, names []string) ([]string, error) {
	ids := make([]string, 0, len(names))
	for _, name := range names {
		id, err := c.roleID(ctx, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ----------------------------------------------------------------------------
// IdentityRoleGateway
// ----------------------------------------------------------------------------

// AddRole creates a role named by its technical name
func (c *Client) AddRole(ctx context.Context, name string) error {
	var created role
	_, err := c.http.Do(ctx, gateway.Request{
		Operation: "add_role",
		Method:    http.MethodPost,
		Path:      apiPrefix + "/roles",
		Body:      map[string]string{"name": name, "description": name},
	}, &created)
	if err != nil {
		return err
	}
	if created.ID != "" {
		c.roleIDs.Add(name, created.ID)
	}
	return nil
}

// DeleteRole deletes a role; an unknown role counts as deleted
func (c *Client) DeleteRole(ctx context.Context, name string) error {
	id, err := c.roleID(ctx, name)
	if apperror.Is(err, apperror.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = c.http.Do(ctx, gateway.Request{
		Operation: "delete_role",
		Method:    http.MethodDelete,
		Path:      gateway.Path(apiPrefix+"/roles", id),
	}, nil)
	c.roleIDs.Remove(name)
	if gateway.IsStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

func (c *Client) changeUserRoles(ctx context.Context, operation, method, login string, roleNames []string) error {
	if len(roleNames) == 0 {
		return nil
	}
	uid, err := c.userID(ctx, login)
	if err != nil {
		return err
	}
	ids, err := c.resolveRoleIDs(ctx, roleNames)
	if err != nil {
		return err
	}
	_, err = c.http.Do(ctx, gateway.Request{
		Operation: operation,
		Method:    method,
		Path:      gateway.Path(apiPrefix+"/users", uid, "roles"),
		Body:      map[string][]string{"roles": ids},
	}, nil)
	return err
}

// AssignRolesToUser assigns all roles in one call
func (c *Client) AssignRolesToUser(ctx context.Context, login string, roleNames []string) error {
	return c.changeUserRoles(ctx, "assign_roles", http.MethodPost, login, roleNames)
}

// RemoveRolesFromUser removes all roles in one call
func (c *Client) RemoveRolesFromUser(ctx context.Context, login string, roleNames []string) error {
	return c.changeUserRoles(ctx, "remove_roles", http.MethodDelete, login, roleNames)
}

// GetUsersInRole returns the logins holding a role
func (c *Client) GetUsersInRole(ctx context.Context, roleName string) ([]string, error) {
	id, err := c.roleID(ctx, roleName)
	if err != nil {
		return nil, err
	}

	var logins []string
	for page := 0; ; page++ {
		var p roleUsersPage
		_, err := c.http.Do(ctx, gateway.Request{
			Operation: "get_role_users",
			Method:    http.MethodGet,
			Path:      gateway.Path(apiPrefix+"/roles", id, "users"),
			Query:     pageQuery(page),
		}, &p)
		if err != nil {
			return nil, err
		}
		for _, u := range p.Users {
			logins = append(logins, models.NormalizeLogin(u.Email))
		}
		if len(p.Users) < pageSize || len(logins) >= p.Total {
			return logins, nil
		}
	}
}

// GetUsersRoles returns the role names a login holds
func (c *Client) GetUsersRoles(ctx context.Context, login string) ([]string, error) {
	uid, err := c.userID(ctx, login)
	if err != nil {
		return nil, err
	}

	var roles []role
	_, err = c.http.Do(ctx, gateway.Request{
		Operation: "get_user_roles",
		Method:    http.MethodGet,
		Path:      gateway.Path(apiPrefix+"/users", uid, "roles"),
	}, &roles)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		c.roleIDs.Add(r.Name, r.ID)
		names = append(names, r.Name)
	}
	return names, nil
}

// GetAllRoleNames pages through every role
func (c *Client) GetAllRoleNames(ctx context.Context) ([]string, error) {
	var names []string
	for page := 0; ; page++ {
		var p rolesPage
		_, err := c.http.Do(ctx, gateway.Request{
			Operation: "list_roles",
			Method:    http.MethodGet,
			Path:      apiPrefix + "/roles",
			Query:     pageQuery(page),
		}, &p)
		if err != nil {
			return nil, err
		}
		for _, r := range p.Roles {
			c.roleIDs.Add(r.Name, r.ID)
			names = append(names, r.Name)
		}
		if len(p.Roles) < pageSize || len(names) >= p.Total {
			return names, nil
		}
	}
}

// ----------------------------------------------------------------------------
// IdentityUserGateway
// ----------------------------------------------------------------------------

// UserExists reports whether the provider knows the login
func (c *Client) UserExists(ctx context.Context, login string) (bool, error) {
	if _, ok := c.userIDs.Get(models.NormalizeLogin(login)); ok {
		return true, nil
	}
	u, err := c.lookupUser(ctx, login)
	return u != nil, err
}

// GetUserInfo returns the provider profile, or nil for an unknown login
func (c *Client) GetUserInfo(ctx context.Context, login string) (*gateway.UserInfo, error) {
	u, err := c.lookupUser(ctx, login)
	if err != nil || u == nil {
		return nil, err
	}
	info := u.UserInfo
	return &info, nil
}

func (c *Client) patchUser(ctx context.Context, operation, login string, body map[string]any) error {
	uid, err := c.userID(ctx, login)
	if err != nil {
		return err
	}
	_, err = c.http.Do(ctx, gateway.Request{
		Operation: operation,
		Method:    http.MethodPatch,
		Path:      gateway.Path(apiPrefix+"/users", uid),
		Body:      body,
	}, nil)
	return err
}

// UnblockUser clears the blocked flag set on sign-up
func (c *Client) UnblockUser(ctx context.Context, login string) error {
	return c.patchUser(ctx, "unblock_user", login, map[string]any{"blocked": false})
}

// UpdateAppMetadata merges metadata into the user's app_metadata
func (c *Client) UpdateAppMetadata(ctx context.Context, login string, metadata map[string]any) error {
	return c.patchUser(ctx, "update_app_metadata", login, map[string]any{"app_metadata": metadata})
}

// CreateEmailVerificationTicket returns a link that verifies the login's email and then
// redirects to returnURL
func (c *Client) CreateEmailVerificationTicket(ctx context.Context, login, returnURL string, ttl time.Duration) (string, error) {
	uid, err := c.userID(ctx, login)
	if err != nil {
		return "", err
	}
	var out struct {
		Ticket string `json:"ticket"`
	}
	_, err = c.http.Do(ctx, gateway.Request{
		Operation: "email_verification_ticket",
		Method:    http.MethodPost,
		Path:      apiPrefix + "/tickets/email-verification",
		Body: map[string]any{
			"user_id":    uid,
			"result_url": returnURL,
			"ttl_sec":    int(ttl.Seconds()),
		},
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Ticket == "" {
		return "", gateway.Errorf(gatewayName, "empty email verification ticket")
	}
	return out.Ticket, nil
}

var (
	_ gateway.IdentityRoleGateway = (*Client)(nil)
	_ gateway.IdentityUserGateway = (*Client)(nil)
)
