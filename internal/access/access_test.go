package access

import (
	"context"
	"errors"
	"time"

	"gatekit.org/internal/directory"
)

// fakeBackend implements directory.Directory and directory.Catalog in memory
// for builder and authorizer tests.
type fakeBackend struct {
	users          map[string]*directory.User
	orgMemberships map[string][]directory.OrgMembership
	wsMemberships  map[string][]directory.WorkspaceMembership
	permissions    map[string]map[string]struct{}
	grants         map[string]struct{} // userID|resourceType|resourceID|action
	rolePerms      map[string]struct{} // userID|resourceType|action

	failLookups bool
	grantCalls  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		users:          map[string]*directory.User{},
		orgMemberships: map[string][]directory.OrgMembership{},
		wsMemberships:  map[string][]directory.WorkspaceMembership{},
		permissions:    map[string]map[string]struct{}{},
		grants:         map[string]struct{}{},
		rolePerms:      map[string]struct{}{},
	}
}

var errBackendDown = errors.New("backend unavailable")

func (f *fakeBackend) addUser(id, email string, systemAdmin bool) {
	now := time.Now().UTC()
	f.users[id] = &directory.User{
		ID: id, Email: email, SystemAdmin: systemAdmin,
		Status: directory.UserStatusActive, CreatedAt: now, UpdatedAt: now,
	}
}

func (f *fakeBackend) addPermission(userID, key string) {
	if f.permissions[userID] == nil {
		f.permissions[userID] = map[string]struct{}{}
	}
	f.permissions[userID][key] = struct{}{}
}

func (f *fakeBackend) FindUser(ctx context.Context, userID string) (*directory.User, error) {
	if f.failLookups {
		return nil, errBackendDown
	}
	u, ok := f.users[userID]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return u, nil
}

func (f *fakeBackend) OrganizationMemberships(ctx context.Context, userID string) ([]directory.OrgMembership, error) {
	if f.failLookups {
		return nil, errBackendDown
	}
	return f.orgMemberships[userID], nil
}

func (f *fakeBackend) WorkspaceMemberships(ctx context.Context, userID string) ([]directory.WorkspaceMembership, error) {
	if f.failLookups {
		return nil, errBackendDown
	}
	return f.wsMemberships[userID], nil
}

func (f *fakeBackend) FlattenedPermissions(ctx context.Context, userID string) (map[string]struct{}, error) {
	if f.failLookups {
		return nil, errBackendDown
	}
	perms := make(map[string]struct{}, len(f.permissions[userID]))
	for k := range f.permissions[userID] {
		perms[k] = struct{}{}
	}
	return perms, nil
}

func (f *fakeBackend) HasDirectResourceGrant(ctx context.Context, userID, resourceType, resourceID, action string) (bool, error) {
	f.grantCalls++
	if f.failLookups {
		return false, errBackendDown
	}
	_, ok := f.grants[userID+"|"+resourceType+"|"+resourceID+"|"+action]
	return ok, nil
}

func (f *fakeBackend) HasRolePermission(ctx context.Context, userID, resourceType, action string) (bool, error) {
	if f.failLookups {
		return false, errBackendDown
	}
	_, ok := f.rolePerms[userID+"|"+resourceType+"|"+action]
	return ok, nil
}
