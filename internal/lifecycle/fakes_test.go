package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/organization-manager/organization-manager/internal/acceptkey"
	"github.com/organization-manager/organization-manager/internal/access"
	"github.com/organization-manager/organization-manager/internal/apperror"
	"github.com/organization-manager/organization-manager/internal/db/models"
	"github.com/organization-manager/organization-manager/internal/gateway"
	"github.com/organization-manager/organization-manager/internal/orglock"
)

// ----------------------------------------------------------------------------
// In-memory store
// ----------------------------------------------------------------------------

type memState struct {
	orgs      map[string]models.Organization
	users     map[string]models.User
	roles     map[string]models.Role
	userRoles map[[2]string]bool
}

func (s memState) clone() memState {
	c := memState{
		orgs:      make(map[string]models.Organization, len(s.orgs)),
		users:     make(map[string]models.User, len(s.users)),
		roles:     make(map[string]models.Role, len(s.roles)),
		userRoles: make(map[[2]string]bool, len(s.userRoles)),
	}
	for k, v := range s.orgs {
		c.orgs[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.roles {
		c.roles[k] = v
	}
	for k, v := range s.userRoles {
		c.userRoles[k] = v
	}
	return c
}

type memStore struct {
	mu    sync.Mutex
	state memState
	// failCommit makes the next transaction fail after fn succeeded
	failCommit error
}

func newMemStore() *memStore {
	return &memStore{state: memState{
		orgs:      map[string]models.Organization{},
		users:     map[string]models.User{},
		roles:     map[string]models.Role{},
		userRoles: map[[2]string]bool{},
	}}
}

func (m *memStore) Organizations() OrganizationStore { return memOrgs{m} }
func (m *memStore) Users() UserStore                 { return memUsers{m} }
func (m *memStore) Roles() RoleStore                 { return memRoles{m} }

func (m *memStore) Tx(ctx context.Context, fn func(Store) error) error {
	m.mu.Lock()
	snapshot := m.state.clone()
	m.mu.Unlock()

	err := fn(m)
	if err == nil && m.failCommit != nil {
		err, m.failCommit = m.failCommit, nil
	}
	if err != nil {
		m.mu.Lock()
		m.state = snapshot
		m.mu.Unlock()
	}
	return err
}

func (m *memStore) org(id string) *models.Organization {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.state.orgs[id]
	if !ok {
		return nil
	}
	return &o
}

func (m *memStore) userByID(id string) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.state.users[id]
	if !ok {
		return nil
	}
	return &u
}

func (m *memStore) roleByID(id string) *models.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state.roles[id]
	if !ok {
		return nil
	}
	return &r
}

func (m *memStore) linked(userID, roleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.userRoles[[2]string{userID, roleID}]
}

type memOrgs struct{ m *memStore }

func (r memOrgs) Create(_ context.Context, org *models.Organization) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, o := range r.m.state.orgs {
		if o.Name == org.Name {
			return apperror.Conflict("an organization with this name already exists")
		}
	}
	org.CreatedAt, org.UpdatedAt = time.Now(), time.Now()
	r.m.state.orgs[org.ID] = *org
	return nil
}

func (r memOrgs) GetByID(_ context.Context, id string) (*models.Organization, error) {
	return r.m.org(id), nil
}

func (r memOrgs) GetByName(_ context.Context, name string) (*models.Organization, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, o := range r.m.state.orgs {
		if o.Name == name {
			return &o, nil
		}
	}
	return nil, nil
}

func (r memOrgs) List(_ context.Context, limit, offset int) ([]*models.Organization, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*models.Organization
	for _, o := range r.m.state.orgs {
		o := o
		out = append(out, &o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r memOrgs) Count(_ context.Context) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return len(r.m.state.orgs), nil
}

func (r memOrgs) Update(_ context.Context, org *models.Organization) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, o := range r.m.state.orgs {
		if id != org.ID && o.Name == org.Name {
			return apperror.Conflict("an organization with this name already exists")
		}
	}
	r.m.state.orgs[org.ID] = *org
	return nil
}

// Delete cascades to the organization's users like the foreign key does
func (r memOrgs) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.state.orgs, id)
	for uid, u := range r.m.state.users {
		if u.BelongsTo(id) {
			delete(r.m.state.users, uid)
		}
	}
	return nil
}

type memUsers struct{ m *memStore }

func (r memUsers) Create(_ context.Context, u *models.User) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, existing := range r.m.state.users {
		if existing.Login == u.Login {
			return apperror.Conflict("a user with this login already exists")
		}
	}
	r.m.state.users[u.ID] = *u
	return nil
}

func (r memUsers) GetByID(_ context.Context, id string) (*models.User, error) {
	return r.m.userByID(id), nil
}

func (r memUsers) GetByLogin(_ context.Context, login string) (*models.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, u := range r.m.state.users {
		if u.Login == models.NormalizeLogin(login) {
			return &u, nil
		}
	}
	return nil, nil
}

func (r memUsers) filter(keep func(models.User) bool) []*models.User {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := []*models.User{}
	for _, u := range r.m.state.users {
		if keep(u) {
			u := u
			out = append(out, &u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Login < out[j].Login })
	return out
}

func (r memUsers) ListByOrganization(_ context.Context, orgID string) ([]*models.User, error) {
	return r.filter(func(u models.User) bool { return u.BelongsTo(orgID) }), nil
}

func (r memUsers) ListByLoginsInOrganization(_ context.Context, orgID string, logins []string) ([]*models.User, error) {
	wanted := map[string]bool{}
	for _, l := range logins {
		wanted[models.NormalizeLogin(l)] = true
	}
	return r.filter(func(u models.User) bool { return u.BelongsTo(orgID) && wanted[u.Login] }), nil
}

func (r memUsers) ListByRole(_ context.Context, roleID string) ([]*models.User, error) {
	r.m.mu.Lock()
	links := make(map[string]bool)
	for k := range r.m.state.userRoles {
		if k[1] == roleID {
			links[k[0]] = true
		}
	}
	r.m.mu.Unlock()
	return r.filter(func(u models.User) bool { return links[u.ID] }), nil
}

func (r memUsers) Update(_ context.Context, u *models.User) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.state.users[u.ID] = *u
	return nil
}

func (r memUsers) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.state.users, id)
	for k := range r.m.state.userRoles {
		if k[0] == id {
			delete(r.m.state.userRoles, k)
		}
	}
	return nil
}

func (r memUsers) DeleteByOrganization(_ context.Context, orgID string) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for id, u := range r.m.state.users {
		if u.BelongsTo(orgID) {
			delete(r.m.state.users, id)
			n++
		}
	}
	return n, nil
}

func (r memUsers) ListRoles(_ context.Context, userID string) ([]*models.Role, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := []*models.Role{}
	for k := range r.m.state.userRoles {
		if k[0] == userID {
			role := r.m.state.roles[k[1]]
			out = append(out, &role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r memUsers) LinkRole(_ context.Context, userID, roleID string) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	k := [2]string{userID, roleID}
	if r.m.state.userRoles[k] {
		return false, nil
	}
	r.m.state.userRoles[k] = true
	return true, nil
}

func (r memUsers) UnlinkRole(_ context.Context, userID, roleID string) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	k := [2]string{userID, roleID}
	if !r.m.state.userRoles[k] {
		return false, nil
	}
	delete(r.m.state.userRoles, k)
	return true, nil
}

type memRoles struct{ m *memStore }

func (r memRoles) Create(_ context.Context, role *models.Role) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.state.roles[role.ID] = *role
	return nil
}

func (r memRoles) GetByID(_ context.Context, id string) (*models.Role, error) {
	return r.m.roleByID(id), nil
}

func (r memRoles) ListByOrganization(_ context.Context, orgID string) ([]*models.Role, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := []*models.Role{}
	for _, role := range r.m.state.roles {
		if role.BelongsTo(orgID) {
			role := role
			out = append(out, &role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r memRoles) CountByOrganization(ctx context.Context, orgID string) (int, error) {
	roles, _ := r.ListByOrganization(ctx, orgID)
	return len(roles), nil
}

func (r memRoles) NameExistsInOrganization(_ context.Context, orgID, name, excludeID string) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, role := range r.m.state.roles {
		if id != excludeID && role.BelongsTo(orgID) && role.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (r memRoles) TechnicalNameExists(_ context.Context, technicalName string) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, role := range r.m.state.roles {
		if role.Technical() == technicalName {
			return true, nil
		}
	}
	for _, org := range r.m.state.orgs {
		if org.AdminRoleName() == technicalName {
			return true, nil
		}
	}
	return false, nil
}

func (r memRoles) Update(_ context.Context, role *models.Role) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, other := range r.m.state.roles {
		if id != role.ID && other.Technical() != "" && other.Technical() == role.Technical() {
			return apperror.Conflict("technical role name already taken")
		}
	}
	r.m.state.roles[role.ID] = *role
	return nil
}

func (r memRoles) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.state.roles, id)
	for k := range r.m.state.userRoles {
		if k[1] == id {
			delete(r.m.state.userRoles, k)
		}
	}
	return nil
}

func (r memRoles) DeleteByOrganization(_ context.Context, orgID string) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for id, role := range r.m.state.roles {
		if role.BelongsTo(orgID) {
			delete(r.m.state.roles, id)
			n++
		}
	}
	return n, nil
}

// ----------------------------------------------------------------------------
// Gateways
// ----------------------------------------------------------------------------

// calls records gateway calls across all fakes in order
type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, call)
}

func (c *calls) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.log...)
}

func (c *calls) count(prefix string) int {
	n := 0
	for _, call := range c.all() {
		if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

type fakeIdentity struct {
	calls *calls
	users map[string]*gateway.UserInfo
	roles map[string]bool
	// assignments maps login to role names
	assignments map[string]map[string]bool
	fail        map[string]error
}

func (f *fakeIdentity) err(op string) error { return f.fail[op] }

func (f *fakeIdentity) AddRole(_ context.Context, name string) error {
	f.calls.add("identity.AddRole " + name)
	if err := f.err("AddRole"); err != nil {
		return err
	}
	f.roles[name] = true
	return nil
}

func (f *fakeIdentity) DeleteRole(_ context.Context, name string) error {
	f.calls.add("identity.DeleteRole " + name)
	if err := f.err("DeleteRole"); err != nil {
		return err
	}
	delete(f.roles, name)
	for _, set := range f.assignments {
		delete(set, name)
	}
	return nil
}

func (f *fakeIdentity) AssignRolesToUser(_ context.Context, login string, names []string) error {
	f.calls.add("identity.AssignRolesToUser " + login)
	if err := f.err("AssignRolesToUser"); err != nil {
		return err
	}
	if f.assignments[login] == nil {
		f.assignments[login] = map[string]bool{}
	}
	for _, n := range names {
		f.assignments[login][n] = true
	}
	return nil
}

func (f *fakeIdentity) RemoveRolesFromUser(_ context.Context, login string, names []string) error {
	f.calls.add("identity.RemoveRolesFromUser " + login)
	if err := f.err("RemoveRolesFromUser"); err != nil {
		return err
	}
	for _, n := range names {
		delete(f.assignments[login], n)
	}
	return nil
}

func (f *fakeIdentity) GetUsersInRole(_ context.Context, name string) ([]string, error) {
	var logins []string
	for login, set := range f.assignments {
		if set[name] {
			logins = append(logins, login)
		}
	}
	sort.Strings(logins)
	return logins, nil
}

func (f *fakeIdentity) GetUsersRoles(_ context.Context, login string) ([]string, error) {
	var names []string
	for n := range f.assignments[login] {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// assignedTo lists the roles login holds, sorted
func (f *fakeIdentity) assignedTo(login string) []string {
	names, _ := f.GetUsersRoles(context.Background(), login)
	return names
}

func (f *fakeIdentity) GetAllRoleNames(_ context.Context) ([]string, error) {
	var names []string
	for n := range f.roles {
		names = append(names, n)
	}
	return names, nil
}

func (f *fakeIdentity) UserExists(_ context.Context, login string) (bool, error) {
	_, ok := f.users[login]
	return ok, nil
}

func (f *fakeIdentity) GetUserInfo(_ context.Context, login string) (*gateway.UserInfo, error) {
	return f.users[login], nil
}

func (f *fakeIdentity) UnblockUser(_ context.Context, login string) error {
	f.calls.add("identity.UnblockUser " + login)
	return f.err("UnblockUser")
}

func (f *fakeIdentity) UpdateAppMetadata(_ context.Context, login string, _ map[string]any) error {
	f.calls.add("identity.UpdateAppMetadata " + login)
	return f.err("UpdateAppMetadata")
}

func (f *fakeIdentity) CreateEmailVerificationTicket(_ context.Context, login, returnURL string, ttl time.Duration) (string, error) {
	f.calls.add("identity.CreateEmailVerificationTicket " + login)
	return "https://id.example/verify?ttl=" + ttl.String(), f.err("CreateEmailVerificationTicket")
}

type fakeAssets struct {
	calls   *calls
	assets  map[string]*gateway.Asset // by device id
	updates []map[string]any
	fail    error
}

func (f *fakeAssets) FindByDeviceID(_ context.Context, deviceID string) (*gateway.Asset, error) {
	a, ok := f.assets[deviceID]
	if !ok {
		return nil, nil
	}
	cp := *a
	cp.Properties = map[string]any{}
	for k, v := range a.Properties {
		cp.Properties[k] = v
	}
	return &cp, nil
}

func (f *fakeAssets) SearchByOrganizationID(ctx context.Context, orgID string) ([]*gateway.Asset, error) {
	var out []*gateway.Asset
	ids := make([]string, 0, len(f.assets))
	for id := range f.assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if f.assets[id].OrganizationID() == orgID {
			a, _ := f.FindByDeviceID(ctx, id)
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAssets) UpdateProperties(_ context.Context, assetID string, props map[string]any) error {
	f.calls.add("assets.UpdateProperties " + assetID)
	if f.fail != nil {
		return f.fail
	}
	f.updates = append(f.updates, props)
	for _, a := range f.assets {
		if a.ID != assetID {
			continue
		}
		for k, v := range props {
			if v == nil {
				delete(a.Properties, k)
			} else {
				a.Properties[k] = v
			}
		}
	}
	return nil
}

type fakeMailing struct {
	calls *calls
	sent  []gateway.Mail
	fail  error
}

func (f *fakeMailing) Send(_ context.Context, mail gateway.Mail) error {
	f.calls.add("mailing.Send " + mail.Recipient)
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, mail)
	return nil
}

type fakeCallbacks struct {
	calls *calls
	fail  map[string]error
}

func (f *fakeCallbacks) PreDeleteCheck(_ context.Context, orgID string) error {
	f.calls.add("callbacks.PreDeleteCheck " + orgID)
	return f.fail["PreDeleteCheck"]
}

func (f *fakeCallbacks) OrganizationRemoved(_ context.Context, orgID string) error {
	f.calls.add("callbacks.OrganizationRemoved organizationId=" + orgID)
	return f.fail["OrganizationRemoved"]
}

func (f *fakeCallbacks) UserAccepted(_ context.Context, login, orgID string) error {
	f.calls.add("callbacks.UserAccepted " + login)
	return f.fail["UserAccepted"]
}

func (f *fakeCallbacks) UserRemoved(_ context.Context, login, orgID string) error {
	f.calls.add("callbacks.UserRemoved " + login)
	return f.fail["UserRemoved"]
}

func (f *fakeCallbacks) DeviceRemoved(_ context.Context, orgID, deviceID string) error {
	f.calls.add("callbacks.DeviceRemoved " + deviceID)
	return f.fail["DeviceRemoved"]
}

type fakeImages struct {
	calls   *calls
	objects map[string][]byte
}

func (f *fakeImages) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	f.calls.add("images.Upload " + key)
	f.objects[key] = data
	return "https://cdn.example/" + key, nil
}

func (f *fakeImages) Delete(_ context.Context, key string) error {
	f.calls.add("images.Delete " + key)
	delete(f.objects, key)
	return nil
}

// ----------------------------------------------------------------------------
// Fixture
// ----------------------------------------------------------------------------

var (
	root = access.Caller{Login: "root@x.com", GlobalAdmin: true}
	// errStatus builds a gateway error carrying status
	errStatus = func(status int) error { return apperror.FromStatus(status, "upstream answered %d", status) }
	errBoom   = errors.New("boom")
)

type fixture struct {
	t         *testing.T
	store     *memStore
	calls     *calls
	identity  *fakeIdentity
	assets    *fakeAssets
	mailing   *fakeMailing
	callbacks *fakeCallbacks
	images    *fakeImages
	keys      *acceptkey.Manager
	locker    *orglock.LocalLocker
	orch      *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &calls{}
	f := &fixture{
		t:     t,
		store: newMemStore(),
		calls: c,
		identity: &fakeIdentity{
			calls:       c,
			users:       map[string]*gateway.UserInfo{},
			roles:       map[string]bool{},
			assignments: map[string]map[string]bool{},
			fail:        map[string]error{},
		},
		assets:    &fakeAssets{calls: c, assets: map[string]*gateway.Asset{}},
		mailing:   &fakeMailing{calls: c},
		callbacks: &fakeCallbacks{calls: c, fail: map[string]error{}},
		images:    &fakeImages{calls: c, objects: map[string][]byte{}},
		keys:      acceptkey.NewManager(72, acceptkey.AcceptExpiredKeys).WithCost(bcrypt.MinCost),
		locker:    orglock.NewLocalLocker(time.Second),
	}
	f.orch = f.build(true)
	return f
}

// build wires an orchestrator; withAssets false leaves asset management disabled
func (f *fixture) build(withAssets bool) *Orchestrator {
	policy, err := access.NewPolicy(context.Background(), f.store.Users())
	require.NoError(f.t, err)

	deps := Dependencies{
		Store:         f.store,
		Policy:        policy,
		Locker:        f.locker,
		Keys:          f.keys,
		IdentityRoles: f.identity,
		IdentityUsers: f.identity,
		Images:        f.images,
		Mailing:       f.mailing,
		Callbacks:     f.callbacks,
	}
	if withAssets {
		deps.Assets = f.assets
	}
	return New(deps, Options{
		AcceptURL:               "https://app.example/accept",
		AllowedDeviceProperties: []string{"name", "information", "actions", "organizationId"},
		CustomDeviceProperties:  []string{"serial"},
		RoleNameMaxAttempts:     5,
	})
}

func strPtr(s string) *string { return &s }

func validAddress() models.Address {
	return models.Address{Street: "Main 1", PostalCode: "53111", City: "Bonn", Country: "DE"}
}

// knownToIdentity registers login with the identity provider
func (f *fixture) knownToIdentity(login, firstName, lastName string) {
	f.identity.users[login] = &gateway.UserInfo{FirstName: firstName, LastName: lastName, Email: login}
}

// newOrg creates an organization founded by an accepted admin and returns both
func (f *fixture) newOrg(name, adminLogin string) (*models.Organization, access.Caller) {
	f.t.Helper()
	caller := access.Caller{Login: adminLogin}
	org, err := f.orch.CreateOrganization(context.Background(), caller, OrganizationInput{Name: name, Address: validAddress()})
	require.NoError(f.t, err)
	return org, caller
}

// member stores a user of org directly in the given status
func (f *fixture) member(orgID, login string, status models.UserStatus, admin bool) *models.User {
	f.t.Helper()
	u := models.NewUser("u-"+login, login, nil)
	u.OrganizationID = &orgID
	u.Status = status
	u.Admin = admin
	require.NoError(f.t, f.store.Users().Create(context.Background(), u))
	return u
}

// linkedRole adds a role with a technical name to org directly
func (f *fixture) linkedRole(orgID, name, technical string) *models.Role {
	f.t.Helper()
	r := &models.Role{ID: "r-" + name, Name: name, TechnicalName: &technical, OrganizationID: &orgID}
	require.NoError(f.t, f.store.Roles().Create(context.Background(), r))
	f.identity.roles[technical] = true
	return r
}

func (f *fixture) resetCalls() {
	f.calls.mu.Lock()
	f.calls.log = nil
	f.calls.mu.Unlock()
}
