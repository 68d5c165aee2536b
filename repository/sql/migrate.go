package sql

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate brings the database schema up to date, returning the number
// of migrations applied. Each migration runs in its own transaction
// and is recorded in the migrations table, so concurrent runs and
// re-runs are safe: an already-applied migration is skipped.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	return s.conn.migrate(ctx)
}

func (c *conn) migrate(ctx context.Context) (int, error) {
	_, err := c.ExecContext(ctx, `
		create table if not exists migrations (
			num integer not null,
			at timestamptz not null
		)`)
	if err != nil {
		return 0, fmt.Errorf("sql: creating migration table: %w", err)
	}

	applied := 0
	done := false
	for !done {
		err := c.execTx(ctx, func(tx *trans) error {
			var num sql.NullInt64
			if err := tx.QueryRow(`select max(num) from migrations`).Scan(&num); err != nil {
				return fmt.Errorf("sql: select max migration: %w", err)
			}
			n := 0
			if num.Valid {
				n = int(num.Int64)
			}
			if n >= len(migrations) {
				done = true
				return nil
			}
			if _, err := tx.Exec(migrations[n].stmt); err != nil {
				return fmt.Errorf("sql: migration %d failed: %w", n+1, err)
			}
			if _, err := tx.Exec(`insert into migrations (num, at) values ($1, now())`, n+1); err != nil {
				return fmt.Errorf("sql: update migration table: %w", err)
			}
			return nil
		})
		if err != nil {
			return applied, err
		}
		if !done {
			applied++
		}
	}
	return applied, nil
}

type migration struct {
	stmt string
}

// Statements are written in Postgres syntax; the flavor replacers
// translate types and binds for MySQL and SQLite.
var migrations = []migration{
	{stmt: `
		create table identity_user (
			id bigserial primary key,
			external_id text not null unique,
			auth_server_subject_id text not null default '',
			given_name text not null default '',
			middle_name text not null default '',
			surname text not null default '',
			nickname text not null default '',
			email_enc text,
			email_blind_index text not null unique,
			recovery_email_enc text,
			recovery_blind_index text unique,
			phone_enc text,
			password_hash text not null default '',
			email_verified boolean not null default false,
			profile_picture_url text not null default '',
			enabled boolean not null default true,
			account_non_expired boolean not null default true,
			credentials_non_expired boolean not null default true,
			account_non_locked boolean not null default true,
			failed_login_attempts integer not null default 0,
			lockout_expiration_time timestamptz,
			last_login_at timestamptz,
			last_password_change_at timestamptz,
			deleted_at timestamptz,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now(),
			created_by text not null default '',
			last_modified_by text not null default '',
			version bigint not null default 1
		)`},
	{stmt: `create index identity_user_subject_idx on identity_user (auth_server_subject_id)`},
	{stmt: `
		create table role (
			id bigserial primary key,
			name text not null unique,
			description text not null default '',
			path text not null default '',
			parent_id bigint,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now(),
			created_by text not null default '',
			last_modified_by text not null default '',
			version bigint not null default 1
		)`},
	{stmt: `
		create table permission (
			id text not null primary key,
			name text not null unique,
			description text not null default ''
		)`},
	{stmt: `
		create table user_role (
			user_id bigint not null,
			role_id bigint not null,
			primary key (user_id, role_id)
		)`},
	{stmt: `
		create table role_permission (
			role_id bigint not null,
			permission_id text not null,
			primary key (role_id, permission_id)
		)`},
	{stmt: `
		create table persistent_login (
			username text not null,
			series text not null primary key,
			token text not null,
			last_used timestamptz not null
		)`},
	{stmt: `create index persistent_login_username_idx on persistent_login (username)`},
	{stmt: `
		create table passkey_credential (
			credential_id text not null primary key,
			user_id bigint not null,
			user_handle text not null,
			cose_public_key_enc text not null,
			signature_count bigint not null default 0,
			transports bytea,
			uv_initialized boolean not null default false,
			backup_eligible boolean not null default false,
			backup_state boolean not null default false,
			friendly_name text not null default '',
			last_used_at timestamptz,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now(),
			created_by text not null default '',
			last_modified_by text not null default '',
			version bigint not null default 1
		)`},
	{stmt: `create index passkey_credential_user_idx on passkey_credential (user_id)`},
	{stmt: `
		create table oauth2_registered_client (
			id text not null primary key,
			client_id text not null unique,
			client_secret_hash text not null default '',
			client_secret_expires_at timestamptz,
			client_name text not null default '',
			authentication_methods bytea,
			grant_types bytea,
			redirect_uris bytea,
			post_logout_redirect_uris bytea,
			scopes bytea,
			public boolean not null default false,
			access_token_ttl bigint not null default 0,
			refresh_token_ttl bigint not null default 0,
			id_token_ttl bigint not null default 0,
			authorization_code_ttl bigint not null default 0,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now(),
			created_by text not null default '',
			last_modified_by text not null default '',
			version bigint not null default 1
		)`},
	{stmt: `
		create table oauth2_authorization (
			id text not null primary key,
			registered_client_id text not null,
			principal_name text not null,
			grant_type text not null,
			authorization_code text,
			access_token text,
			refresh_token text,
			id_token text,
			device_code text,
			user_code text,
			code_challenge text not null default '',
			code_challenge_method text not null default '',
			redirect_uri text not null default '',
			state text not null default '',
			nonce text not null default '',
			scopes bytea,
			refresh_family_id text not null default '',
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now(),
			created_by text not null default '',
			last_modified_by text not null default '',
			version bigint not null default 1
		)`},
	{stmt: `create index oauth2_authorization_principal_idx on oauth2_authorization (principal_name)`},
	{stmt: `create index oauth2_authorization_family_idx on oauth2_authorization (refresh_family_id)`},
	{stmt: `
		create table oauth2_authorization_consent (
			registered_client_id text not null,
			principal_name text not null,
			scopes bytea,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now(),
			version bigint not null default 1,
			primary key (registered_client_id, principal_name)
		)`},
	{stmt: `
		create table user_device_fingerprint (
			user_id bigint not null,
			fingerprint_hash text not null,
			first_seen timestamptz not null,
			last_used_at timestamptz not null,
			active boolean not null default true,
			trusted boolean not null default false,
			failed_attempts integer not null default 0,
			successful_logins integer not null default 0,
			device_name text not null default '',
			last_known_ip text not null default '',
			last_known_country text not null default '',
			browser_info text not null default '',
			source text not null default '',
			primary key (user_id, fingerprint_hash)
		)`},
	{stmt: `
		create table security_event (
			id text not null primary key,
			user_id bigint not null default 0,
			kind text not null,
			detail bytea,
			ip text not null default '',
			created_at timestamptz not null
		)`},
	{stmt: `create index security_event_user_idx on security_event (user_id, created_at)`},
	{stmt: `
		create table ip_block (
			ip text not null primary key,
			reason text not null default '',
			until timestamptz not null
		)`},
	{stmt: `
		create table revoked_token (
			token_hash text not null primary key,
			expires_at timestamptz not null
		)`},
}
