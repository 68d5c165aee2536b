package sql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/amlume/identity/repository"
)

// ConsentRepo is the ConsentRepository view of a Store.
type ConsentRepo struct{ store *Store }

var _ repository.ConsentRepository = ConsentRepo{}

func (r ConsentRepo) Get(ctx context.Context, clientID, principalName string) (repository.OAuth2AuthorizationConsent, error) {
	var c repository.OAuth2AuthorizationConsent
	row := r.store.conn.QueryRowContext(ctx, `
		select registered_client_id, principal_name, scopes, created_at, updated_at, version
		from oauth2_authorization_consent where registered_client_id = $1 and principal_name = $2`,
		clientID, principalName)
	err := row.Scan(&c.RegisteredClientID, &c.PrincipalName, jsonCol(&c.Scopes), &c.Audit.CreatedAt, &c.Audit.UpdatedAt, &c.Audit.Version)
	if err == sql.ErrNoRows {
		return repository.OAuth2AuthorizationConsent{}, repository.ErrNotFound
	}
	if err != nil {
		return repository.OAuth2AuthorizationConsent{}, fmt.Errorf("sql: scan consent: %w", err)
	}
	return c, nil
}

// Upsert merges the given scopes into any existing consent row as a
// set union, inside a transaction so the read-merge-write is atomic
// under concurrent consent grants for the same principal/client pair.
func (r ConsentRepo) Upsert(ctx context.Context, c repository.OAuth2AuthorizationConsent) error {
	return r.store.conn.execTx(ctx, func(tx *trans) error {
		var existing []string
		row := tx.QueryRow(`select scopes from oauth2_authorization_consent where registered_client_id = $1 and principal_name = $2`,
			c.RegisteredClientID, c.PrincipalName)
		err := row.Scan(jsonCol(&existing))
		switch err {
		case sql.ErrNoRows:
			_, err := tx.Exec(`
				insert into oauth2_authorization_consent (registered_client_id, principal_name, scopes, version)
				values ($1, $2, $3, 1)`, c.RegisteredClientID, c.PrincipalName, jsonCol(c.Scopes))
			return err
		case nil:
			merged := mergeScopes(existing, c.Scopes)
			_, err := tx.Exec(`
				update oauth2_authorization_consent set scopes = $1, updated_at = $2, version = version + 1
				where registered_client_id = $3 and principal_name = $4`,
				jsonCol(merged), time.Now(), c.RegisteredClientID, c.PrincipalName)
			return err
		default:
			return fmt.Errorf("sql: upsert consent: %w", err)
		}
	})
}

func mergeScopes(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func (r ConsentRepo) Revoke(ctx context.Context, clientID, principalName string) error {
	_, err := r.store.conn.ExecContext(ctx, `delete from oauth2_authorization_consent where registered_client_id = $1 and principal_name = $2`, clientID, principalName)
	if err != nil {
		return fmt.Errorf("sql: revoke consent: %w", err)
	}
	return nil
}

func (r ConsentRepo) RevokeAllForPrincipal(ctx context.Context, principalName string) error {
	_, err := r.store.conn.ExecContext(ctx, `delete from oauth2_authorization_consent where principal_name = $1`, principalName)
	if err != nil {
		return fmt.Errorf("sql: revoke all consents for principal: %w", err)
	}
	return nil
}
