package sql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/amlume/identity/repository"
)

// RoleRepo is the RoleRepository view of a Store.
type RoleRepo struct{ store *Store }

// PermissionRepo is the PermissionRepository view of a Store.
type PermissionRepo struct{ store *Store }

var _ repository.RoleRepository = RoleRepo{}
var _ repository.PermissionRepository = PermissionRepo{}

func scanRole(row scanner) (repository.Role, error) {
	var r repository.Role
	var parentID sql.NullInt64
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Path, &parentID)
	if err == sql.ErrNoRows {
		return repository.Role{}, repository.ErrNotFound
	}
	if err != nil {
		return repository.Role{}, fmt.Errorf("sql: scan role: %w", err)
	}
	if parentID.Valid {
		r.ParentID = &parentID.Int64
	}
	return r, nil
}

func (r RoleRepo) Create(ctx context.Context, role repository.Role) (repository.Role, error) {
	row := r.store.conn.QueryRowContext(ctx, `
		insert into role (name, description, path, parent_id, version)
		values ($1, $2, $3, $4, 1) returning id`,
		role.Name, role.Description, role.Path, role.ParentID)
	if err := row.Scan(&role.ID); err != nil {
		if r.store.conn.isUniqueViolation(err) {
			return repository.Role{}, repository.ErrAlreadyExists
		}
		return repository.Role{}, fmt.Errorf("sql: create role: %w", err)
	}
	return role, nil
}

func (r RoleRepo) Get(ctx context.Context, id int64) (repository.Role, error) {
	row := r.store.conn.QueryRowContext(ctx, `select id, name, description, path, parent_id from role where id = $1`, id)
	return scanRole(row)
}

func (r RoleRepo) GetByName(ctx context.Context, name string) (repository.Role, error) {
	row := r.store.conn.QueryRowContext(ctx, `select id, name, description, path, parent_id from role where name = $1`, name)
	return scanRole(row)
}

// Descendants matches every role whose materialized path is prefixed
// by the target's path, the SQL equivalent of the in-memory prefix
// scan in repository/memory/role.go — an LTREE deployment would
// instead use `path <@ $1`'s domain-stack note.
func (r RoleRepo) Descendants(ctx context.Context, roleID int64) ([]repository.Role, error) {
	root, err := r.Get(ctx, roleID)
	if err != nil {
		return nil, err
	}
	rows, err := r.store.conn.QueryContext(ctx, `select id, name, description, path, parent_id from role where path like $1`, root.Path+".%")
	if err != nil {
		return nil, fmt.Errorf("sql: list descendants: %w", err)
	}
	defer rows.Close()
	var out []repository.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(role.Path, root.Path+".") {
			out = append(out, role)
		}
	}
	return out, rows.Err()
}

func (r RoleRepo) List(ctx context.Context) ([]repository.Role, error) {
	rows, err := r.store.conn.QueryContext(ctx, `select id, name, description, path, parent_id from role`)
	if err != nil {
		return nil, fmt.Errorf("sql: list roles: %w", err)
	}
	defer rows.Close()
	var out []repository.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (r PermissionRepo) Create(ctx context.Context, p repository.Permission) (repository.Permission, error) {
	_, err := r.store.conn.ExecContext(ctx, `insert into permission (id, name, description) values ($1, $2, $3)`, p.ID, p.Name, p.Description)
	if err != nil {
		if r.store.conn.isUniqueViolation(err) {
			return repository.Permission{}, repository.ErrAlreadyExists
		}
		return repository.Permission{}, fmt.Errorf("sql: create permission: %w", err)
	}
	return p, nil
}

func (r PermissionRepo) Get(ctx context.Context, id string) (repository.Permission, error) {
	var p repository.Permission
	row := r.store.conn.QueryRowContext(ctx, `select id, name, description from permission where id = $1`, id)
	err := row.Scan(&p.ID, &p.Name, &p.Description)
	if err == sql.ErrNoRows {
		return repository.Permission{}, repository.ErrNotFound
	}
	if err != nil {
		return repository.Permission{}, fmt.Errorf("sql: scan permission: %w", err)
	}
	return p, nil
}

func (r PermissionRepo) ListForRole(ctx context.Context, roleID int64) ([]repository.Permission, error) {
	rows, err := r.store.conn.QueryContext(ctx, `
		select p.id, p.name, p.description from permission p
		join role_permission rp on rp.permission_id = p.id
		where rp.role_id = $1`, roleID)
	if err != nil {
		return nil, fmt.Errorf("sql: list role permissions: %w", err)
	}
	defer rows.Close()
	var out []repository.Permission
	for rows.Next() {
		var p repository.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r PermissionRepo) GrantToRole(ctx context.Context, roleID int64, permissionID string) error {
	_, err := r.store.conn.ExecContext(ctx, `insert into role_permission (role_id, permission_id) values ($1, $2) on conflict do nothing`, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("sql: grant permission: %w", err)
	}
	return nil
}

func (r PermissionRepo) RevokeFromRole(ctx context.Context, roleID int64, permissionID string) error {
	_, err := r.store.conn.ExecContext(ctx, `delete from role_permission where role_id = $1 and permission_id = $2`, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("sql: revoke permission: %w", err)
	}
	return nil
}
