package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// CreateTenant inserts a tenant. The id must be unique.
func (s *Store) CreateTenant(ctx context.Context, t Tenant) error {
	suspended, _ := json.Marshal(emptyIfNil(t.SuspendedBatches))
	authPassword, err := s.secrets.Encrypt(t.Auth.Password)
	if err != nil {
		return fmt.Errorf("encrypt tenant auth password: %w", err)
	}
	if t.Auth.Method == "" {
		t.Auth.Method = AuthNone
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, active, client_base_url, client_sync_path,
			client_auth_method, client_auth_token, client_auth_user, client_auth_password,
			suspended_batches)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.Name, t.Active, t.ClientBaseURL, t.ClientSyncPath,
		t.Auth.Method, t.Auth.Token, t.Auth.User, authPassword, string(suspended))
	if err != nil {
		return fmt.Errorf("create tenant %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTenant replaces the mutable fields of a tenant.
func (s *Store) UpdateTenant(ctx context.Context, t Tenant) error {
	authPassword, err := s.secrets.Encrypt(t.Auth.Password)
	if err != nil {
		return fmt.Errorf("encrypt tenant auth password: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants
		SET name = $2, active = $3, client_base_url = $4, client_sync_path = $5,
			client_auth_method = $6, client_auth_token = $7, client_auth_user = $8,
			client_auth_password = $9
		WHERE id = $1
	`, t.ID, t.Name, t.Active, t.ClientBaseURL, t.ClientSyncPath,
		t.Auth.Method, t.Auth.Token, t.Auth.User, authPassword)
	if err != nil {
		return fmt.Errorf("update tenant %s: %w", t.ID, err)
	}
	return requireRows(res)
}

// GetTenant loads one tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, active, client_base_url, client_sync_path,
			client_auth_method, client_auth_token, client_auth_user, client_auth_password,
			suspended_batches
		FROM tenants
		WHERE id = $1
	`, id)
	t, err := s.scanTenant(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTenants returns every tenant. activeOnly restricts to active = true;
// the report synchronizer uses that to enumerate sync candidates.
func (s *Store) ListTenants(ctx context.Context, activeOnly bool) ([]Tenant, error) {
	q := `
		SELECT id, name, active, client_base_url, client_sync_path,
			client_auth_method, client_auth_token, client_auth_user, client_auth_password,
			suspended_batches
		FROM tenants`
	if activeOnly {
		q += ` WHERE active = true`
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := s.scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// DeleteTenant removes a tenant. Deletion is refused while accounts exist.
func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	var accounts int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE tenant_id = $1`, id).Scan(&accounts); err != nil {
		return fmt.Errorf("count accounts for tenant %s: %w", id, err)
	}
	if accounts > 0 {
		return fmt.Errorf("tenant %s still has %d accounts", id, accounts)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tenant %s: %w", id, err)
	}
	return requireRows(res)
}

// SuspendBatch pauses dispatch for a tenant's batch code. An empty code
// suspends everything via the wildcard.
func (s *Store) SuspendBatch(ctx context.Context, tenantID, batchCode string) ([]string, error) {
	if batchCode == "" {
		batchCode = SuspendAll
	}
	return s.mutateSuspended(ctx, tenantID, func(codes []string) []string {
		for _, c := range codes {
			if c == batchCode {
				return codes
			}
		}
		return append(codes, batchCode)
	})
}

// ActivateBatch resumes dispatch for a tenant's batch code. An empty code
// clears all suspensions.
func (s *Store) ActivateBatch(ctx context.Context, tenantID, batchCode string) ([]string, error) {
	return s.mutateSuspended(ctx, tenantID, func(codes []string) []string {
		if batchCode == "" {
			return nil
		}
		out := codes[:0]
		for _, c := range codes {
			if c != batchCode {
				out = append(out, c)
			}
		}
		return out
	})
}

// mutateSuspended applies fn to the suspended batch set under a row lock.
func (s *Store) mutateSuspended(ctx context.Context, tenantID string, fn func([]string) []string) ([]string, error) {
	var updated []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRowContext(ctx,
			`SELECT suspended_batches FROM tenants WHERE id = $1 FOR UPDATE`, tenantID).Scan(&raw)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load suspended batches: %w", err)
		}
		var codes []string
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &codes); err != nil {
				return fmt.Errorf("parse suspended batches: %w", err)
			}
		}
		updated = emptyIfNil(fn(codes))
		data, _ := json.Marshal(updated)
		_, err = tx.ExecContext(ctx,
			`UPDATE tenants SET suspended_batches = $2 WHERE id = $1`, tenantID, string(data))
		return err
	})
	return updated, err
}

func (s *Store) scanTenant(row interface{ Scan(...interface{}) error }) (*Tenant, error) {
	var t Tenant
	var suspended []byte
	var authPassword string
	err := row.Scan(&t.ID, &t.Name, &t.Active, &t.ClientBaseURL, &t.ClientSyncPath,
		&t.Auth.Method, &t.Auth.Token, &t.Auth.User, &authPassword, &suspended)
	if err != nil {
		return nil, err
	}
	if authPassword != "" {
		if t.Auth.Password, err = s.secrets.Decrypt(authPassword); err != nil {
			return nil, fmt.Errorf("decrypt tenant auth password: %w", err)
		}
	}
	if len(suspended) > 0 {
		if err := json.Unmarshal(suspended, &t.SuspendedBatches); err != nil {
			return nil, fmt.Errorf("parse suspended batches: %w", err)
		}
	}
	return &t, nil
}

func emptyIfNil(codes []string) []string {
	if codes == nil {
		return []string{}
	}
	return codes
}

func requireRows(res interface{ RowsAffected() (int64, error) }) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
