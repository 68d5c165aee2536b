package sql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/amlume/identity/repository"
)

// DeviceFingerprintRepo is the DeviceFingerprintRepository view of a Store.
type DeviceFingerprintRepo struct{ store *Store }

var _ repository.DeviceFingerprintRepository = DeviceFingerprintRepo{}

const deviceFingerprintColumns = `
	user_id, fingerprint_hash, first_seen, last_used_at, active, trusted, failed_attempts,
	successful_logins, device_name, last_known_ip, last_known_country, browser_info, source`

func scanDeviceFingerprint(row scanner) (repository.UserDeviceFingerprint, error) {
	var f repository.UserDeviceFingerprint
	err := row.Scan(
		&f.UserID, &f.FingerprintHash, &f.FirstSeen, &f.LastUsedAt, &f.Active, &f.Trusted, &f.FailedAttempts,
		&f.SuccessfulLogins, &f.DeviceName, &f.LastKnownIP, &f.LastKnownCountry, &f.BrowserInfo, &f.Source,
	)
	if err == sql.ErrNoRows {
		return repository.UserDeviceFingerprint{}, repository.ErrNotFound
	}
	if err != nil {
		return repository.UserDeviceFingerprint{}, fmt.Errorf("sql: scan device fingerprint: %w", err)
	}
	return f, nil
}

func (r DeviceFingerprintRepo) Get(ctx context.Context, userID int64, fingerprintHash string) (repository.UserDeviceFingerprint, error) {
	row := r.store.conn.QueryRowContext(ctx, `select `+deviceFingerprintColumns+` from user_device_fingerprint where user_id = $1 and fingerprint_hash = $2`, userID, fingerprintHash)
	return scanDeviceFingerprint(row)
}

func (r DeviceFingerprintRepo) Upsert(ctx context.Context, f repository.UserDeviceFingerprint) error {
	_, err := r.store.conn.ExecContext(ctx, `
		insert into user_device_fingerprint (
			user_id, fingerprint_hash, first_seen, last_used_at, active, trusted, failed_attempts,
			successful_logins, device_name, last_known_ip, last_known_country, browser_info, source
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		on conflict (user_id, fingerprint_hash) do update set
			last_used_at = excluded.last_used_at, active = excluded.active, trusted = excluded.trusted,
			failed_attempts = excluded.failed_attempts, successful_logins = excluded.successful_logins,
			last_known_ip = excluded.last_known_ip,
			last_known_country = excluded.last_known_country, browser_info = excluded.browser_info`,
		f.UserID, f.FingerprintHash, f.FirstSeen, f.LastUsedAt, f.Active, f.Trusted, f.FailedAttempts,
		f.SuccessfulLogins, f.DeviceName, f.LastKnownIP, f.LastKnownCountry, f.BrowserInfo, f.Source,
	)
	if err != nil {
		return fmt.Errorf("sql: upsert device fingerprint: %w", err)
	}
	return nil
}

func (r DeviceFingerprintRepo) ListForUser(ctx context.Context, userID int64) ([]repository.UserDeviceFingerprint, error) {
	rows, err := r.store.conn.QueryContext(ctx, `select `+deviceFingerprintColumns+` from user_device_fingerprint where user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("sql: list device fingerprints: %w", err)
	}
	defer rows.Close()
	var out []repository.UserDeviceFingerprint
	for rows.Next() {
		f, err := scanDeviceFingerprint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r DeviceFingerprintRepo) DeleteAllForUser(ctx context.Context, userID int64) error {
	_, err := r.store.conn.ExecContext(ctx, `delete from user_device_fingerprint where user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("sql: delete device fingerprints: %w", err)
	}
	return nil
}
