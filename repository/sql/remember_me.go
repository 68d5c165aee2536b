package sql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/amlume/identity/repository"
)

// PersistentLoginRepo is the PersistentLoginRepository view of a
// Store, backing the remember-me series/token table.
type PersistentLoginRepo struct{ store *Store }

var _ repository.PersistentLoginRepository = PersistentLoginRepo{}

func (r PersistentLoginRepo) Create(ctx context.Context, p repository.PersistentLogin) error {
	_, err := r.store.conn.ExecContext(ctx, `
		insert into persistent_login (username, series, token, last_used)
		values ($1, $2, $3, $4)`, p.Username, p.Series, p.Token, p.LastUsed)
	if err != nil {
		if r.store.conn.isUniqueViolation(err) {
			return repository.ErrAlreadyExists
		}
		return fmt.Errorf("sql: create persistent login: %w", err)
	}
	return nil
}

func (r PersistentLoginRepo) GetBySeries(ctx context.Context, series string) (repository.PersistentLogin, error) {
	var p repository.PersistentLogin
	row := r.store.conn.QueryRowContext(ctx, `select username, series, token, last_used from persistent_login where series = $1`, series)
	err := row.Scan(&p.Username, &p.Series, &p.Token, &p.LastUsed)
	if err == sql.ErrNoRows {
		return repository.PersistentLogin{}, repository.ErrNotFound
	}
	if err != nil {
		return repository.PersistentLogin{}, fmt.Errorf("sql: scan persistent login: %w", err)
	}
	return p, nil
}

func (r PersistentLoginRepo) UpdateToken(ctx context.Context, series, newToken string, lastUsed time.Time) error {
	res, err := r.store.conn.ExecContext(ctx, `update persistent_login set token = $1, last_used = $2 where series = $3`, newToken, lastUsed, series)
	if err != nil {
		return fmt.Errorf("sql: update persistent login token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r PersistentLoginRepo) RemoveUserTokens(ctx context.Context, username string) error {
	_, err := r.store.conn.ExecContext(ctx, `delete from persistent_login where username = $1`, username)
	if err != nil {
		return fmt.Errorf("sql: remove persistent logins: %w", err)
	}
	return nil
}
