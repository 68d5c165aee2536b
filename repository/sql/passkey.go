package sql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/amlume/identity/repository"
)

// PasskeyRepo is the PasskeyRepository view of a Store. The COSE
// public key column is passed through the Store's field encryptor —
// it is long-lived secret-equivalent material
type PasskeyRepo struct{ store *Store }

var _ repository.PasskeyRepository = PasskeyRepo{}

const passkeyColumns = `
	credential_id, user_id, user_handle, cose_public_key_enc, signature_count,
	transports, uv_initialized, backup_eligible, backup_state, friendly_name, last_used_at,
	created_at, updated_at, created_by, last_modified_by, version`

func (r PasskeyRepo) scan(row scanner) (repository.PasskeyCredential, error) {
	var c repository.PasskeyCredential
	var keyEnc string
	var lastUsed sql.NullTime
	err := row.Scan(
		&c.CredentialID, &c.UserID, &c.UserHandle, &keyEnc, &c.SignatureCount,
		jsonCol(&c.Transports), &c.UVInitialized, &c.BackupEligible, &c.BackupState, &c.FriendlyName, &lastUsed,
		&c.Audit.CreatedAt, &c.Audit.UpdatedAt, &c.Audit.CreatedBy, &c.Audit.LastModifiedBy, &c.Audit.Version,
	)
	if err == sql.ErrNoRows {
		return repository.PasskeyCredential{}, repository.ErrNotFound
	}
	if err != nil {
		return repository.PasskeyCredential{}, fmt.Errorf("sql: scan passkey: %w", err)
	}
	c.LastUsedAt = lastUsed.Time
	if keyEnc != "" {
		key, err := r.store.fields.decryptBytes(keyEnc)
		if err != nil {
			return repository.PasskeyCredential{}, fmt.Errorf("sql: decrypt cose key: %w", err)
		}
		c.COSEPublicKey = key
	}
	return c, nil
}

func (r PasskeyRepo) Create(ctx context.Context, c repository.PasskeyCredential) error {
	keyEnc, err := r.store.fields.encryptBytes(c.COSEPublicKey)
	if err != nil {
		return err
	}
	_, err = r.store.conn.ExecContext(ctx, `
		insert into passkey_credential (
			credential_id, user_id, user_handle, cose_public_key_enc, signature_count,
			transports, uv_initialized, backup_eligible, backup_state, friendly_name, version
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)`,
		c.CredentialID, c.UserID, c.UserHandle, keyEnc, c.SignatureCount,
		jsonCol(c.Transports), c.UVInitialized, c.BackupEligible, c.BackupState, c.FriendlyName,
	)
	if err != nil {
		if r.store.conn.isUniqueViolation(err) {
			return repository.ErrAlreadyExists
		}
		return fmt.Errorf("sql: create passkey: %w", err)
	}
	return nil
}

func (r PasskeyRepo) Get(ctx context.Context, credentialID string) (repository.PasskeyCredential, error) {
	row := r.store.conn.QueryRowContext(ctx, `select `+passkeyColumns+` from passkey_credential where credential_id = $1`, credentialID)
	return r.scan(row)
}

func (r PasskeyRepo) ListByUser(ctx context.Context, userID int64) ([]repository.PasskeyCredential, error) {
	rows, err := r.store.conn.QueryContext(ctx, `select `+passkeyColumns+` from passkey_credential where user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("sql: list passkeys: %w", err)
	}
	defer rows.Close()
	var out []repository.PasskeyCredential
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateSignatureCount is a single compare-and-swap against the stored
// counter: the WHERE clause requires the new count to exceed what is
// stored, so a cloned-authenticator replay (stale or repeated counter)
// affects zero rows instead of silently overwriting.
func (r PasskeyRepo) UpdateSignatureCount(ctx context.Context, credentialID string, newCount uint32) error {
	res, err := r.store.conn.ExecContext(ctx, `
		update passkey_credential set signature_count = $1, last_used_at = now(), version = version + 1
		where credential_id = $2 and ($1 = 0 or signature_count < $1)`, newCount, credentialID)
	if err != nil {
		return fmt.Errorf("sql: update signature count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrVersionConflict
	}
	return nil
}

func (r PasskeyRepo) Delete(ctx context.Context, credentialID string) error {
	_, err := r.store.conn.ExecContext(ctx, `delete from passkey_credential where credential_id = $1`, credentialID)
	if err != nil {
		return fmt.Errorf("sql: delete passkey: %w", err)
	}
	return nil
}

func (r PasskeyRepo) DeleteAllForUser(ctx context.Context, userID int64) error {
	_, err := r.store.conn.ExecContext(ctx, `delete from passkey_credential where user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("sql: delete user passkeys: %w", err)
	}
	return nil
}
