package memory

import (
	"context"
	"strings"

	"github.com/amlume/identity/repository"
)

// RoleRepo and PermissionRepo are thin views over the same Store.
// Both repository.RoleRepository and repository.PermissionRepository
// declare a method named Create with different signatures, so one
// receiver type cannot satisfy both; splitting into
// per-aggregate ports (repository.ports.go) reintroduces the clash,
// so each aggregate gets its own lightweight wrapper type instead.
type RoleRepo struct{ *Store }
type PermissionRepo struct{ *Store }

var _ repository.RoleRepository = RoleRepo{}
var _ repository.PermissionRepository = PermissionRepo{}

// Roles returns the RoleRepository view of this store.
func (s *Store) Roles() RoleRepo { return RoleRepo{s} }

// Permissions returns the PermissionRepository view of this store.
func (s *Store) Permissions() PermissionRepo { return PermissionRepo{s} }

func (s RoleRepo) Create(ctx context.Context, r repository.Role) (repository.Role, error) {
	var out repository.Role
	var err error
	s.tx(func() {
		for _, existing := range s.roles {
			if existing.Name == r.Name {
				err = repository.ErrAlreadyExists
				return
			}
		}
		s.nextRoleID++
		r.ID = s.nextRoleID
		r.Audit.Version = 1
		s.roles[r.ID] = r
		out = r
	})
	return out, err
}

func (s RoleRepo) Get(ctx context.Context, id int64) (repository.Role, error) {
	var out repository.Role
	var err error
	s.tx(func() {
		r, ok := s.roles[id]
		if !ok {
			err = repository.ErrNotFound
			return
		}
		out = r
	})
	return out, err
}

func (s RoleRepo) GetByName(ctx context.Context, name string) (repository.Role, error) {
	var out repository.Role
	var err = repository.ErrNotFound
	s.tx(func() {
		for _, r := range s.roles {
			if r.Name == name {
				out = r
				err = nil
				return
			}
		}
	})
	return out, err
}

// Descendants returns every role whose materialized path is prefixed
// by the target role's path's LTREE-style
// hierarchy — used to cascade a revocation down the tree.
func (s RoleRepo) Descendants(ctx context.Context, roleID int64) ([]repository.Role, error) {
	var out []repository.Role
	var err error
	s.tx(func() {
		root, ok := s.roles[roleID]
		if !ok {
			err = repository.ErrNotFound
			return
		}
		prefix := root.Path + "."
		for _, r := range s.roles {
			if r.ID != roleID && strings.HasPrefix(r.Path, prefix) {
				out = append(out, r)
			}
		}
	})
	return out, err
}

func (s RoleRepo) List(ctx context.Context) ([]repository.Role, error) {
	var out []repository.Role
	s.tx(func() {
		for _, r := range s.roles {
			out = append(out, r)
		}
	})
	return out, nil
}

// --- PermissionRepository ---

func (s PermissionRepo) Create(ctx context.Context, p repository.Permission) (repository.Permission, error) {
	var err error
	s.tx(func() {
		if _, ok := s.permissions[p.ID]; ok {
			err = repository.ErrAlreadyExists
			return
		}
		s.permissions[p.ID] = p
	})
	return p, err
}

func (s PermissionRepo) Get(ctx context.Context, id string) (repository.Permission, error) {
	var out repository.Permission
	var err error
	s.tx(func() {
		p, ok := s.permissions[id]
		if !ok {
			err = repository.ErrNotFound
			return
		}
		out = p
	})
	return out, err
}

func (s PermissionRepo) ListForRole(ctx context.Context, roleID int64) ([]repository.Permission, error) {
	var out []repository.Permission
	s.tx(func() {
		for permID := range s.rolePermissions[roleID] {
			if p, ok := s.permissions[permID]; ok {
				out = append(out, p)
			}
		}
	})
	return out, nil
}

func (s PermissionRepo) GrantToRole(ctx context.Context, roleID int64, permissionID string) error {
	var err error
	s.tx(func() {
		if _, ok := s.permissions[permissionID]; !ok {
			err = repository.ErrNotFound
			return
		}
		if s.rolePermissions[roleID] == nil {
			s.rolePermissions[roleID] = make(map[string]struct{})
		}
		s.rolePermissions[roleID][permissionID] = struct{}{}
	})
	return err
}

func (s PermissionRepo) RevokeFromRole(ctx context.Context, roleID int64, permissionID string) error {
	s.tx(func() {
		delete(s.rolePermissions[roleID], permissionID)
	})
	return nil
}
