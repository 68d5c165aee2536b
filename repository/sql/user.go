package sql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/amlume/identity/repository"
	"github.com/amlume/identity/valueobject"
)

// UserRepo is the UserRepository view of a Store: a Create/Get/Update
// trio over the full user aggregate, with email/phone columns passed through
// the Store's field encryptor and an additional blind-index column
// for equality lookups over the encrypted email.
type UserRepo struct{ store *Store }

var _ repository.UserRepository = UserRepo{}

const userColumns = `
	id, external_id, auth_server_subject_id, given_name, middle_name, surname, nickname,
	email_enc, email_blind_index, recovery_email_enc, recovery_blind_index, phone_enc,
	password_hash, email_verified, profile_picture_url,
	enabled, account_non_expired, credentials_non_expired, account_non_locked,
	failed_login_attempts, lockout_expiration_time, last_login_at, last_password_change_at,
	deleted_at, created_at, updated_at, created_by, last_modified_by, version`

func (r UserRepo) scanUser(row scanner) (repository.User, error) {
	var u repository.User
	var emailEnc, recoveryEnc, phoneEnc sql.NullString
	var lockoutExp, lastLogin, lastPwChange, deletedAt sql.NullTime
	var recoveryIdx sql.NullString
	var passwordHash string

	err := row.Scan(
		&u.ID, &u.ExternalID, &u.AuthServerSubjectID, &u.GivenName, &u.MiddleName, &u.Surname, &u.Nickname,
		&emailEnc, &u.EmailBlindIndex, &recoveryEnc, &recoveryIdx, &phoneEnc,
		&passwordHash, &u.EmailVerified, &u.ProfilePictureURL,
		&u.Status.Enabled, &u.Status.AccountNonExpired, &u.Status.CredentialsNonExpired, &u.Status.AccountNonLocked,
		&u.Status.FailedLoginAttempts, &lockoutExp, &lastLogin, &lastPwChange,
		&deletedAt, &u.Audit.CreatedAt, &u.Audit.UpdatedAt, &u.Audit.CreatedBy, &u.Audit.LastModifiedBy, &u.Audit.Version,
	)
	if err == sql.ErrNoRows {
		return repository.User{}, repository.ErrNotFound
	}
	if err != nil {
		return repository.User{}, fmt.Errorf("sql: scan user: %w", err)
	}

	u.RecoveryBlindIndex = recoveryIdx.String
	u.Password = valueobject.HashedPasswordFromEncoded(passwordHash)
	u.Status.LockoutExpirationTime = lockoutExp.Time
	u.Status.LastLoginAt = lastLogin.Time
	u.Status.LastPasswordChangeAt = lastPwChange.Time
	u.DeletedAt = deletedAt.Time

	if emailEnc.Valid {
		plain, err := r.store.fields.decrypt(emailEnc.String)
		if err != nil {
			return repository.User{}, fmt.Errorf("sql: decrypt email: %w", err)
		}
		if email, err := valueobject.NewEmail(plain); err == nil {
			u.Email = email
		}
	}
	if recoveryEnc.Valid {
		plain, err := r.store.fields.decrypt(recoveryEnc.String)
		if err != nil {
			return repository.User{}, fmt.Errorf("sql: decrypt recovery email: %w", err)
		}
		if email, err := valueobject.NewEmail(plain); err == nil {
			u.RecoveryEmail = email
		}
	}
	if phoneEnc.Valid {
		plain, err := r.store.fields.decrypt(phoneEnc.String)
		if err != nil {
			return repository.User{}, fmt.Errorf("sql: decrypt phone: %w", err)
		}
		if phone, err := valueobject.NewPhone(plain, ""); err == nil {
			u.Phone = phone
		}
	}
	return u, nil
}

func (r UserRepo) Create(ctx context.Context, u repository.User) (repository.User, error) {
	emailEnc, err := r.store.fields.encrypt(u.Email.Normalized())
	if err != nil {
		return repository.User{}, err
	}
	recoveryEnc, err := r.store.fields.encrypt(u.RecoveryEmail.Normalized())
	if err != nil {
		return repository.User{}, err
	}
	phoneEnc, err := r.store.fields.encrypt(u.Phone.String())
	if err != nil {
		return repository.User{}, err
	}

	row := r.store.conn.QueryRowContext(ctx, `
		insert into identity_user (
			external_id, auth_server_subject_id, given_name, middle_name, surname, nickname,
			email_enc, email_blind_index, recovery_email_enc, recovery_blind_index, phone_enc,
			password_hash, email_verified, profile_picture_url,
			enabled, account_non_expired, credentials_non_expired, account_non_locked,
			failed_login_attempts, version
		) values (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, 1
		)
		returning id`,
		u.ExternalID, u.AuthServerSubjectID, u.GivenName, u.MiddleName, u.Surname, u.Nickname,
		emailEnc, u.EmailBlindIndex, recoveryEnc, u.RecoveryBlindIndex, phoneEnc,
		u.Password.Encoded(), u.EmailVerified, u.ProfilePictureURL,
		u.Status.Enabled, u.Status.AccountNonExpired, u.Status.CredentialsNonExpired, u.Status.AccountNonLocked,
		u.Status.FailedLoginAttempts,
	)
	if err := row.Scan(&u.ID); err != nil {
		if r.store.conn.isUniqueViolation(err) {
			return repository.User{}, repository.ErrAlreadyExists
		}
		return repository.User{}, fmt.Errorf("sql: create user: %w", err)
	}
	u.Audit.Version = 1
	return u, nil
}

func (r UserRepo) Get(ctx context.Context, id int64) (repository.User, error) {
	row := r.store.conn.QueryRowContext(ctx, `select `+userColumns+` from identity_user where id = $1 and deleted_at is null`, id)
	return r.scanUser(row)
}

func (r UserRepo) GetByExternalID(ctx context.Context, externalID string) (repository.User, error) {
	row := r.store.conn.QueryRowContext(ctx, `select `+userColumns+` from identity_user where external_id = $1 and deleted_at is null`, externalID)
	return r.scanUser(row)
}

func (r UserRepo) GetByEmailBlindIndex(ctx context.Context, blindIndex string) (repository.User, error) {
	row := r.store.conn.QueryRowContext(ctx, `select `+userColumns+` from identity_user where email_blind_index = $1 and deleted_at is null`, blindIndex)
	return r.scanUser(row)
}

func (r UserRepo) GetBySubjectID(ctx context.Context, subjectID string) (repository.User, error) {
	row := r.store.conn.QueryRowContext(ctx, `select `+userColumns+` from identity_user where auth_server_subject_id = $1 and deleted_at is null`, subjectID)
	return r.scanUser(row)
}

// Update performs a version compare-and-swap: the
// update statement's WHERE clause pins both id and the version the
// caller started from, so a concurrent writer causes zero rows to be
// affected rather than a lost update. Combined with Postgres
// SERIALIZABLE transactions (flavorPostgres.executeTx) this also
// protects sqlite/mysql deployments that lack that isolation level.
func (r UserRepo) Update(ctx context.Context, id int64, updater func(repository.User) (repository.User, error)) (repository.User, error) {
	var result repository.User
	err := r.store.conn.execTx(ctx, func(tx *trans) error {
		row := tx.QueryRow(`select `+userColumns+` from identity_user where id = $1 and deleted_at is null`, id)
		current, err := r.scanUser(row)
		if err != nil {
			return err
		}
		startVersion := current.Audit.Version
		updated, err := updater(current)
		if err != nil {
			return err
		}

		emailEnc, err := r.store.fields.encrypt(updated.Email.Normalized())
		if err != nil {
			return err
		}
		recoveryEnc, err := r.store.fields.encrypt(updated.RecoveryEmail.Normalized())
		if err != nil {
			return err
		}
		phoneEnc, err := r.store.fields.encrypt(updated.Phone.String())
		if err != nil {
			return err
		}

		res, err := tx.Exec(`
			update identity_user set
				given_name = $1, middle_name = $2, surname = $3, nickname = $4,
				email_enc = $5, email_blind_index = $6, recovery_email_enc = $7,
				recovery_blind_index = $8, phone_enc = $9, password_hash = $10,
				email_verified = $11, profile_picture_url = $12,
				enabled = $13, account_non_expired = $14, credentials_non_expired = $15,
				account_non_locked = $16, failed_login_attempts = $17,
				lockout_expiration_time = $18, last_login_at = $19, last_password_change_at = $20,
				updated_at = $21, last_modified_by = $22, version = $23
			where id = $24 and version = $25`,
			updated.GivenName, updated.MiddleName, updated.Surname, updated.Nickname,
			emailEnc, updated.EmailBlindIndex, recoveryEnc,
			updated.RecoveryBlindIndex, phoneEnc, updated.Password.Encoded(),
			updated.EmailVerified, updated.ProfilePictureURL,
			updated.Status.Enabled, updated.Status.AccountNonExpired, updated.Status.CredentialsNonExpired,
			updated.Status.AccountNonLocked, updated.Status.FailedLoginAttempts,
			nullableTime(updated.Status.LockoutExpirationTime), nullableTime(updated.Status.LastLoginAt), nullableTime(updated.Status.LastPasswordChangeAt),
			time.Now(), updated.Audit.LastModifiedBy, startVersion+1,
			id, startVersion,
		)
		if err != nil {
			if r.store.conn.isUniqueViolation(err) {
				return repository.ErrAlreadyExists
			}
			return fmt.Errorf("sql: update user: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return repository.ErrVersionConflict
		}
		updated.Audit.Version = startVersion + 1
		result = updated
		return nil
	})
	return result, err
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// SoftDelete cascade-tombstones the dependent aggregates (passkeys,
// persistent logins, device fingerprints, consents) within a single
// transaction, so a half-deleted account is never observable.
func (r UserRepo) SoftDelete(ctx context.Context, id int64, now time.Time) error {
	return r.store.conn.execTx(ctx, func(tx *trans) error {
		// The principal name (normalized email) only exists encrypted in
		// the row, so decrypt it first to key the persistent-login and
		// consent cascades.
		row := tx.QueryRow(`select `+userColumns+` from identity_user where id = $1 and deleted_at is null`, id)
		u, err := r.scanUser(row)
		if err != nil {
			return err
		}
		principal := u.Email.Normalized()

		res, err := tx.Exec(`update identity_user set deleted_at = $1, updated_at = $1, version = version + 1 where id = $2 and deleted_at is null`, now, id)
		if err != nil {
			return fmt.Errorf("sql: soft delete user: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return repository.ErrNotFound
		}
		if _, err := tx.Exec(`delete from passkey_credential where user_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`delete from user_device_fingerprint where user_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`delete from persistent_login where username = $1`, principal); err != nil {
			return err
		}
		if _, err := tx.Exec(`delete from oauth2_authorization_consent where principal_name = $1`, principal); err != nil {
			return err
		}
		if _, err := tx.Exec(`delete from user_role where user_id = $1`, id); err != nil {
			return err
		}
		return nil
	})
}

func (r UserRepo) ListRoles(ctx context.Context, userID int64) ([]repository.Role, error) {
	rows, err := r.store.conn.QueryContext(ctx, `
		select r.id, r.name, r.description, r.path, r.parent_id
		from role r join user_role ur on ur.role_id = r.id
		where ur.user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("sql: list roles: %w", err)
	}
	defer rows.Close()
	var out []repository.Role
	for rows.Next() {
		var role repository.Role
		var parentID sql.NullInt64
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.Path, &parentID); err != nil {
			return nil, err
		}
		if parentID.Valid {
			role.ParentID = &parentID.Int64
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (r UserRepo) AppendRole(ctx context.Context, userID, roleID int64) error {
	_, err := r.store.conn.ExecContext(ctx, `insert into user_role (user_id, role_id) values ($1, $2) on conflict do nothing`, userID, roleID)
	if err != nil {
		return fmt.Errorf("sql: append role: %w", err)
	}
	return nil
}

func (r UserRepo) RevokeRole(ctx context.Context, userID, roleID int64) error {
	_, err := r.store.conn.ExecContext(ctx, `delete from user_role where user_id = $1 and role_id = $2`, userID, roleID)
	if err != nil {
		return fmt.Errorf("sql: revoke role: %w", err)
	}
	return nil
}

// scanner abstracts *sql.Row vs *sql.Rows so the row-decode helper
// serves both single-row and list queries.
type scanner interface {
	Scan(dest ...interface{}) error
}
