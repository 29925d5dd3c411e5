package directory

import (
	"context"
	"database/sql"
	"errors"
)

var (
	_ Directory = (*PGStore)(nil)
	_ Catalog   = (*PGStore)(nil)
)

// PGStore implements Directory and Catalog over PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) FindUser(ctx context.Context, userID string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, system_admin, status, created_at, updated_at from users where id=$1`, userID)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.SystemAdmin, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *PGStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, system_admin, status, created_at, updated_at from users where email=$1`, email)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.SystemAdmin, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *PGStore) OrganizationMemberships(ctx context.Context, userID string) ([]OrgMembership, error) {
	rows, err := s.db.QueryContext(ctx,
		`select organization_id, role, created_at from organization_members where user_id=$1 order by created_at asc`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []OrgMembership
	for rows.Next() {
		var m OrgMembership
		if err := rows.Scan(&m.OrganizationID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s *PGStore) WorkspaceMemberships(ctx context.Context, userID string) ([]WorkspaceMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		select wm.workspace_id, w.organization_id, wm.role, wm.created_at
		from workspace_members wm
		join workspaces w on w.id = wm.workspace_id
		where wm.user_id=$1
		order by wm.created_at asc`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []WorkspaceMembership
	for rows.Next() {
		var m WorkspaceMembership
		if err := rows.Scan(&m.WorkspaceID, &m.OrganizationID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s *PGStore) FlattenedPermissions(ctx context.Context, userID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct rp.resource_type, rp.action
		from role_permissions rp
		join organization_members om on om.role = rp.role
		where om.user_id=$1
		union
		select distinct rp.resource_type, rp.action
		from role_permissions rp
		join workspace_members wm on wm.role = rp.role
		where wm.user_id=$1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perms := make(map[string]struct{})
	for rows.Next() {
		var resourceType, action string
		if err := rows.Scan(&resourceType, &action); err != nil {
			return nil, err
		}
		perms[PermissionKey(resourceType, action)] = struct{}{}
	}
	return perms, rows.Err()
}

func (s *PGStore) HasDirectResourceGrant(ctx context.Context, userID, resourceType, resourceID, action string) (bool, error) {
	// resource_id is matched literally; "*" is an ordinary id here.
	row := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from resource_grants
			where user_id=$1 and resource_type=$2 and resource_id=$3 and action=$4
		)`, userID, resourceType, resourceID, action)
	var ok bool
	if err := row.Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (s *PGStore) HasRolePermission(ctx context.Context, userID, resourceType, action string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from role_permissions rp
			join organization_members om on om.role = rp.role
			where om.user_id=$1 and rp.resource_type=$2 and rp.action=$3
		) or exists(
			select 1 from role_permissions rp
			join workspace_members wm on wm.role = rp.role
			where wm.user_id=$1 and rp.resource_type=$2 and rp.action=$3
		)`, userID, resourceType, action)
	var ok bool
	if err := row.Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
