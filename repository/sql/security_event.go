package sql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amlume/identity/repository"
)

// SecurityEventRepo is the SecurityEventRepository view of a Store.
type SecurityEventRepo struct{ store *Store }

var _ repository.SecurityEventRepository = SecurityEventRepo{}

func (r SecurityEventRepo) Append(ctx context.Context, e repository.SecurityEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := r.store.conn.ExecContext(ctx, `
		insert into security_event (id, user_id, kind, detail, ip, created_at)
		values ($1, $2, $3, $4, $5, $6)`, e.ID, e.UserID, e.Kind, jsonCol(e.Detail), e.IP, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("sql: append security event: %w", err)
	}
	return nil
}

func (r SecurityEventRepo) ListForUser(ctx context.Context, userID int64, limit int) ([]repository.SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.store.conn.QueryContext(ctx, `
		select id, user_id, kind, detail, ip, created_at from security_event
		where user_id = $1 order by created_at desc limit $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("sql: list security events: %w", err)
	}
	defer rows.Close()
	var out []repository.SecurityEvent
	for rows.Next() {
		var e repository.SecurityEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, jsonCol(&e.Detail), &e.IP, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// IPReputationRepo is the IPReputationRepository view of a Store.
type IPReputationRepo struct{ store *Store }

var _ repository.IPReputationRepository = IPReputationRepo{}

func (r IPReputationRepo) IsBlocked(ctx context.Context, ip string) (bool, error) {
	var until time.Time
	row := r.store.conn.QueryRowContext(ctx, `select until from ip_block where ip = $1`, ip)
	err := row.Scan(&until)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sql: check ip block: %w", err)
	}
	return until.After(time.Now()), nil
}

func (r IPReputationRepo) Block(ctx context.Context, ip string, reason string, until time.Time) error {
	_, err := r.store.conn.ExecContext(ctx, `
		insert into ip_block (ip, reason, until) values ($1, $2, $3)
		on conflict (ip) do update set reason = excluded.reason, until = excluded.until`, ip, reason, until)
	if err != nil {
		return fmt.Errorf("sql: block ip: %w", err)
	}
	return nil
}

// RevokedTokenRepo is the RevokedTokenRepository view of a Store.
type RevokedTokenRepo struct{ store *Store }

var _ repository.RevokedTokenRepository = RevokedTokenRepo{}

func (r RevokedTokenRepo) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	var exists int
	row := r.store.conn.QueryRowContext(ctx, `select 1 from revoked_token where token_hash = $1`, tokenHash)
	err := row.Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sql: check revoked token: %w", err)
	}
	return true, nil
}

func (r RevokedTokenRepo) Revoke(ctx context.Context, tokenHash string, expiresAt time.Time) error {
	_, err := r.store.conn.ExecContext(ctx, `
		insert into revoked_token (token_hash, expires_at) values ($1, $2)
		on conflict (token_hash) do nothing`, tokenHash, expiresAt)
	if err != nil {
		return fmt.Errorf("sql: revoke token: %w", err)
	}
	return nil
}
