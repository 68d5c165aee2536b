package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amlume/identity/repository"
)

// AuthorizationRepo is the AuthorizationRepository view of a Store:
// one row per authorization holding every token in
// its family as a JSON column — this keeps rotation and family-wide
// revocation a single-row update rather than a join
// across five tables.
type AuthorizationRepo struct{ store *Store }

var _ repository.AuthorizationRepository = AuthorizationRepo{}

const authColumns = `
	id, registered_client_id, principal_name, grant_type,
	authorization_code, access_token, refresh_token, id_token, device_code, user_code,
	code_challenge, code_challenge_method, redirect_uri, state, nonce, scopes, refresh_family_id,
	created_at, updated_at, created_by, last_modified_by, version`

func scanAuthorization(row scanner) (repository.OAuth2Authorization, error) {
	var a repository.OAuth2Authorization
	var authCode, accessToken, refreshToken, idToken, deviceCode, userCode sql.NullString

	err := row.Scan(
		&a.ID, &a.RegisteredClientID, &a.PrincipalName, &a.GrantType,
		&authCode, &accessToken, &refreshToken, &idToken, &deviceCode, &userCode,
		&a.CodeChallenge, &a.CodeChallengeMethod, &a.RedirectURI, &a.State, &a.Nonce, jsonCol(&a.Scopes), &a.RefreshFamilyID,
		&a.Audit.CreatedAt, &a.Audit.UpdatedAt, &a.Audit.CreatedBy, &a.Audit.LastModifiedBy, &a.Audit.Version,
	)
	if err == sql.ErrNoRows {
		return repository.OAuth2Authorization{}, repository.ErrNotFound
	}
	if err != nil {
		return repository.OAuth2Authorization{}, fmt.Errorf("sql: scan authorization: %w", err)
	}
	a.AuthorizationCode = decodeTokenRecord(authCode)
	a.AccessToken = decodeTokenRecord(accessToken)
	a.RefreshToken = decodeTokenRecord(refreshToken)
	a.IDToken = decodeTokenRecord(idToken)
	a.DeviceCode = decodeTokenRecord(deviceCode)
	a.UserCode = decodeTokenRecord(userCode)
	return a, nil
}

func decodeTokenRecord(col sql.NullString) *repository.TokenRecord {
	if !col.Valid || col.String == "" {
		return nil
	}
	var t repository.TokenRecord
	if err := jsonCol(&t).Scan([]byte(col.String)); err != nil {
		return nil
	}
	return &t
}

// encodeTokenRecord renders a token record as a JSON string rather
// than raw bytes: the token columns are text, and the
// lookup-by-value-hash LIKE only matches text operands on SQLite.
func encodeTokenRecord(t *repository.TokenRecord) interface{} {
	if t == nil {
		return nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	return string(b)
}

func (r AuthorizationRepo) Create(ctx context.Context, a repository.OAuth2Authorization) error {
	_, err := r.store.conn.ExecContext(ctx, `
		insert into oauth2_authorization (
			id, registered_client_id, principal_name, grant_type,
			authorization_code, access_token, refresh_token, id_token, device_code, user_code,
			code_challenge, code_challenge_method, redirect_uri, state, nonce, scopes, refresh_family_id, version
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1)`,
		a.ID, a.RegisteredClientID, a.PrincipalName, a.GrantType,
		encodeTokenRecord(a.AuthorizationCode), encodeTokenRecord(a.AccessToken), encodeTokenRecord(a.RefreshToken),
		encodeTokenRecord(a.IDToken), encodeTokenRecord(a.DeviceCode), encodeTokenRecord(a.UserCode),
		a.CodeChallenge, a.CodeChallengeMethod, a.RedirectURI, a.State, a.Nonce, jsonCol(a.Scopes), a.RefreshFamilyID,
	)
	if err != nil {
		if r.store.conn.isUniqueViolation(err) {
			return repository.ErrAlreadyExists
		}
		return fmt.Errorf("sql: create authorization: %w", err)
	}
	return nil
}

func (r AuthorizationRepo) getByTokenColumn(ctx context.Context, column, hash string) (repository.OAuth2Authorization, error) {
	row := r.store.conn.QueryRowContext(ctx, `select `+authColumns+` from oauth2_authorization where `+column+` like '%' || $1 || '%'`, `"value_hash":"`+hash+`"`)
	return scanAuthorization(row)
}

func (r AuthorizationRepo) GetByAuthorizationCodeHash(ctx context.Context, hash string) (repository.OAuth2Authorization, error) {
	return r.getByTokenColumn(ctx, "authorization_code", hash)
}

func (r AuthorizationRepo) GetByAccessTokenHash(ctx context.Context, hash string) (repository.OAuth2Authorization, error) {
	return r.getByTokenColumn(ctx, "access_token", hash)
}

func (r AuthorizationRepo) GetByRefreshTokenHash(ctx context.Context, hash string) (repository.OAuth2Authorization, error) {
	return r.getByTokenColumn(ctx, "refresh_token", hash)
}

func (r AuthorizationRepo) GetByDeviceCodeHash(ctx context.Context, hash string) (repository.OAuth2Authorization, error) {
	return r.getByTokenColumn(ctx, "device_code", hash)
}

func (r AuthorizationRepo) GetByUserCode(ctx context.Context, userCode string) (repository.OAuth2Authorization, error) {
	return r.getByTokenColumn(ctx, "user_code", userCode)
}

func (r AuthorizationRepo) GetByID(ctx context.Context, id string) (repository.OAuth2Authorization, error) {
	row := r.store.conn.QueryRowContext(ctx, `select `+authColumns+` from oauth2_authorization where id = $1`, id)
	return scanAuthorization(row)
}

func (r AuthorizationRepo) Update(ctx context.Context, id string, updater func(repository.OAuth2Authorization) (repository.OAuth2Authorization, error)) (repository.OAuth2Authorization, error) {
	var result repository.OAuth2Authorization
	err := r.store.conn.execTx(ctx, func(tx *trans) error {
		row := tx.QueryRow(`select `+authColumns+` from oauth2_authorization where id = $1`, id)
		current, err := scanAuthorization(row)
		if err != nil {
			return err
		}
		startVersion := current.Audit.Version
		updated, err := updater(current)
		if err != nil {
			return err
		}
		res, err := tx.Exec(`
			update oauth2_authorization set
				authorization_code = $1, access_token = $2, refresh_token = $3, id_token = $4,
				device_code = $5, user_code = $6, scopes = $7, refresh_family_id = $8,
				updated_at = $9, version = $10
			where id = $11 and version = $12`,
			encodeTokenRecord(updated.AuthorizationCode), encodeTokenRecord(updated.AccessToken), encodeTokenRecord(updated.RefreshToken),
			encodeTokenRecord(updated.IDToken), encodeTokenRecord(updated.DeviceCode), encodeTokenRecord(updated.UserCode),
			jsonCol(updated.Scopes), updated.RefreshFamilyID,
			time.Now(), startVersion+1,
			id, startVersion,
		)
		if err != nil {
			return fmt.Errorf("sql: update authorization: %w", err)
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

// RevokeFamily revokes every token sharing familyID, not just the
// token whose reuse was detected.
func (r AuthorizationRepo) RevokeFamily(ctx context.Context, familyID string) error {
	rows, err := r.store.conn.QueryContext(ctx, `select `+authColumns+` from oauth2_authorization where refresh_family_id = $1`, familyID)
	if err != nil {
		return fmt.Errorf("sql: revoke family: %w", err)
	}
	var authorizations []repository.OAuth2Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			rows.Close()
			return err
		}
		authorizations = append(authorizations, a)
	}
	rows.Close()

	for _, a := range authorizations {
		for _, t := range []*repository.TokenRecord{a.AccessToken, a.RefreshToken, a.AuthorizationCode, a.IDToken, a.DeviceCode} {
			if t != nil {
				t.Revoked = true
			}
		}
		if _, err := r.Update(ctx, a.ID, func(repository.OAuth2Authorization) (repository.OAuth2Authorization, error) {
			return a, nil
		}); err != nil && err != repository.ErrVersionConflict {
			return err
		}
	}
	return nil
}

// RevokeAllForPrincipal revokes every authorization issued to
// principalName, for account deletion and role-change cascades.
func (r AuthorizationRepo) RevokeAllForPrincipal(ctx context.Context, principalName string) error {
	rows, err := r.store.conn.QueryContext(ctx, `select `+authColumns+` from oauth2_authorization where principal_name = $1`, principalName)
	if err != nil {
		return fmt.Errorf("sql: revoke all for principal: %w", err)
	}
	var authorizations []repository.OAuth2Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			rows.Close()
			return err
		}
		authorizations = append(authorizations, a)
	}
	rows.Close()

	for _, a := range authorizations {
		for _, t := range []*repository.TokenRecord{a.AccessToken, a.RefreshToken, a.AuthorizationCode, a.IDToken, a.DeviceCode} {
			if t != nil {
				t.Revoked = true
			}
		}
		if _, err := r.Update(ctx, a.ID, func(repository.OAuth2Authorization) (repository.OAuth2Authorization, error) {
			return a, nil
		}); err != nil && err != repository.ErrVersionConflict {
			return err
		}
	}
	return nil
}

func (r AuthorizationRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.store.conn.ExecContext(ctx, `delete from oauth2_authorization where created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("sql: delete expired authorizations: %w", err)
	}
	return res.RowsAffected()
}
