package sql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/amlume/identity/repository"
)

// ClientRepo is the ClientRepository view of a Store.
type ClientRepo struct{ store *Store }

var _ repository.ClientRepository = ClientRepo{}

const clientColumns = `
	id, client_id, client_secret_hash, client_secret_expires_at, client_name,
	authentication_methods, grant_types, redirect_uris, post_logout_redirect_uris, scopes,
	public, access_token_ttl, refresh_token_ttl, id_token_ttl, authorization_code_ttl,
	created_at, updated_at, created_by, last_modified_by, version`

func scanClient(row scanner) (repository.OAuth2RegisteredClient, error) {
	var c repository.OAuth2RegisteredClient
	var secretExpiresAt sql.NullTime
	var accessTTL, refreshTTL, idTTL, codeTTL int64

	err := row.Scan(
		&c.ID, &c.ClientID, &c.ClientSecretHash, &secretExpiresAt, &c.ClientName,
		jsonCol(&c.AuthenticationMethods), jsonCol(&c.GrantTypes), jsonCol(&c.RedirectURIs), jsonCol(&c.PostLogoutRedirectURIs), jsonCol(&c.Scopes),
		&c.Public, &accessTTL, &refreshTTL, &idTTL, &codeTTL,
		&c.Audit.CreatedAt, &c.Audit.UpdatedAt, &c.Audit.CreatedBy, &c.Audit.LastModifiedBy, &c.Audit.Version,
	)
	if err == sql.ErrNoRows {
		return repository.OAuth2RegisteredClient{}, repository.ErrNotFound
	}
	if err != nil {
		return repository.OAuth2RegisteredClient{}, fmt.Errorf("sql: scan client: %w", err)
	}
	c.ClientSecretExpiresAt = secretExpiresAt.Time
	c.AccessTokenTTL = time.Duration(accessTTL)
	c.RefreshTokenTTL = time.Duration(refreshTTL)
	c.IDTokenTTL = time.Duration(idTTL)
	c.AuthorizationCodeTTL = time.Duration(codeTTL)
	return c, nil
}

func (r ClientRepo) Create(ctx context.Context, c repository.OAuth2RegisteredClient) error {
	_, err := r.store.conn.ExecContext(ctx, `
		insert into oauth2_registered_client (
			id, client_id, client_secret_hash, client_secret_expires_at, client_name,
			authentication_methods, grant_types, redirect_uris, post_logout_redirect_uris, scopes,
			public, access_token_ttl, refresh_token_ttl, id_token_ttl, authorization_code_ttl, version
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)`,
		c.ID, c.ClientID, c.ClientSecretHash, nullableTime(c.ClientSecretExpiresAt), c.ClientName,
		jsonCol(c.AuthenticationMethods), jsonCol(c.GrantTypes), jsonCol(c.RedirectURIs), jsonCol(c.PostLogoutRedirectURIs), jsonCol(c.Scopes),
		c.Public, int64(c.AccessTokenTTL), int64(c.RefreshTokenTTL), int64(c.IDTokenTTL), int64(c.AuthorizationCodeTTL),
	)
	if err != nil {
		if r.store.conn.isUniqueViolation(err) {
			return repository.ErrAlreadyExists
		}
		return fmt.Errorf("sql: create client: %w", err)
	}
	return nil
}

func (r ClientRepo) Get(ctx context.Context, clientID string) (repository.OAuth2RegisteredClient, error) {
	row := r.store.conn.QueryRowContext(ctx, `select `+clientColumns+` from oauth2_registered_client where client_id = $1`, clientID)
	return scanClient(row)
}

func (r ClientRepo) List(ctx context.Context) ([]repository.OAuth2RegisteredClient, error) {
	rows, err := r.store.conn.QueryContext(ctx, `select `+clientColumns+` from oauth2_registered_client`)
	if err != nil {
		return nil, fmt.Errorf("sql: list clients: %w", err)
	}
	defer rows.Close()
	var out []repository.OAuth2RegisteredClient
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r ClientRepo) Update(ctx context.Context, clientID string, updater func(repository.OAuth2RegisteredClient) (repository.OAuth2RegisteredClient, error)) (repository.OAuth2RegisteredClient, error) {
	var result repository.OAuth2RegisteredClient
	err := r.store.conn.execTx(ctx, func(tx *trans) error {
		row := tx.QueryRow(`select `+clientColumns+` from oauth2_registered_client where client_id = $1`, clientID)
		current, err := scanClient(row)
		if err != nil {
			return err
		}
		startVersion := current.Audit.Version
		updated, err := updater(current)
		if err != nil {
			return err
		}
		res, err := tx.Exec(`
			update oauth2_registered_client set
				client_secret_hash = $1, client_secret_expires_at = $2, client_name = $3,
				authentication_methods = $4, grant_types = $5, redirect_uris = $6,
				post_logout_redirect_uris = $7, scopes = $8, public = $9,
				access_token_ttl = $10, refresh_token_ttl = $11, id_token_ttl = $12,
				authorization_code_ttl = $13, updated_at = $14, version = $15
			where client_id = $16 and version = $17`,
			updated.ClientSecretHash, nullableTime(updated.ClientSecretExpiresAt), updated.ClientName,
			jsonCol(updated.AuthenticationMethods), jsonCol(updated.GrantTypes), jsonCol(updated.RedirectURIs),
			jsonCol(updated.PostLogoutRedirectURIs), jsonCol(updated.Scopes), updated.Public,
			int64(updated.AccessTokenTTL), int64(updated.RefreshTokenTTL), int64(updated.IDTokenTTL),
			int64(updated.AuthorizationCodeTTL), time.Now(), startVersion+1,
			clientID, startVersion,
		)
		if err != nil {
			return fmt.Errorf("sql: update client: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return repository.ErrVersionConflict
		}
		updated.Audit.Version = startVersion + 1
		result = updated
		return nil
	})
	return result, err
}

func (r ClientRepo) Delete(ctx context.Context, clientID string) error {
	_, err := r.store.conn.ExecContext(ctx, `delete from oauth2_registered_client where client_id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("sql: delete client: %w", err)
	}
	return nil
}
