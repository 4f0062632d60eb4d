package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertAccount inserts or updates an account keyed by (tenant_id, id).
// The SMTP password is encrypted before it reaches the database.
// Returns the account's internal pk.
func (s *Store) UpsertAccount(ctx context.Context, a Account) (string, error) {
	if a.LimitBehavior == "" {
		a.LimitBehavior = LimitDefer
	}
	password, err := s.secrets.Encrypt(a.Password)
	if err != nil {
		return "", fmt.Errorf("encrypt account password: %w", err)
	}
	pk := a.PK
	if pk == "" {
		pk = newPK()
	}
	var out string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (pk, tenant_id, id, host, port, smtp_user, smtp_password,
			use_tls, ttl_seconds, batch_size, limit_per_minute, limit_per_hour,
			limit_per_day, limit_behavior)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			smtp_user = EXCLUDED.smtp_user,
			smtp_password = EXCLUDED.smtp_password,
			use_tls = EXCLUDED.use_tls,
			ttl_seconds = EXCLUDED.ttl_seconds,
			batch_size = EXCLUDED.batch_size,
			limit_per_minute = EXCLUDED.limit_per_minute,
			limit_per_hour = EXCLUDED.limit_per_hour,
			limit_per_day = EXCLUDED.limit_per_day,
			limit_behavior = EXCLUDED.limit_behavior
		RETURNING pk
	`, pk, a.TenantID, a.ID, a.Host, a.Port, a.User, password,
		a.UseTLS, a.TTLSeconds, a.BatchSize, a.LimitPerMinute, a.LimitPerHour,
		a.LimitPerDay, a.LimitBehavior).Scan(&out)
	if err != nil {
		return "", fmt.Errorf("upsert account %s/%s: %w", a.TenantID, a.ID, err)
	}
	return out, nil
}

// GetAccount loads an account by tenant-scoped id, decrypting credentials.
func (s *Store) GetAccount(ctx context.Context, tenantID, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, accountColumns+`
		FROM accounts WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	a, err := s.scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAccounts returns every account of a tenant.
func (s *Store) ListAccounts(ctx context.Context, tenantID string) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, accountColumns+`
		FROM accounts WHERE tenant_id = $1 ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list accounts for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DeleteAccount removes an account and purges its send log.
func (s *Store) DeleteAccount(ctx context.Context, tenantID, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var pk string
		err := tx.QueryRowContext(ctx,
			`SELECT pk FROM accounts WHERE tenant_id = $1 AND id = $2`, tenantID, id).Scan(&pk)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM send_log WHERE account_pk = $1`, pk); err != nil {
			return fmt.Errorf("purge send log: %w", err)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM accounts WHERE pk = $1`, pk)
		return err
	})
}

const accountColumns = `
	SELECT pk, tenant_id, id, host, port, smtp_user, smtp_password,
		use_tls, ttl_seconds, batch_size, limit_per_minute, limit_per_hour,
		limit_per_day, limit_behavior`

func (s *Store) scanAccount(row interface{ Scan(...interface{}) error }) (*Account, error) {
	var a Account
	var password string
	err := row.Scan(&a.PK, &a.TenantID, &a.ID, &a.Host, &a.Port, &a.User, &password,
		&a.UseTLS, &a.TTLSeconds, &a.BatchSize, &a.LimitPerMinute, &a.LimitPerHour,
		&a.LimitPerDay, &a.LimitBehavior)
	if err != nil {
		return nil, err
	}
	if password != "" {
		if a.Password, err = s.secrets.Decrypt(password); err != nil {
			return nil, fmt.Errorf("decrypt account password: %w", err)
		}
	}
	return &a, nil
}
