package store

import (
	"context"
	"fmt"
)

// LogSend appends one send-log row for an account. MarkSent already does
// this atomically with the state change; this entry point exists for
// out-of-band sends recorded by external collaborators.
func (s *Store) LogSend(ctx context.Context, accountPK string, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO send_log (account_pk, ts) VALUES ($1, $2)
	`, accountPK, ts)
	if err != nil {
		return fmt.Errorf("log send for %s: %w", accountPK, err)
	}
	return nil
}

// CountSendsSince counts sends strictly after sinceTS for an account.
// The rate limiter reads sliding windows through this.
func (s *Store) CountSendsSince(ctx context.Context, accountPK string, sinceTS int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM send_log WHERE account_pk = $1 AND ts > $2
	`, accountPK, sinceTS).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sends for %s: %w", accountPK, err)
	}
	return n, nil
}

// LogCommand appends an admin mutation to the command audit log.
func (s *Store) LogCommand(ctx context.Context, id string, ts int64, command, tenantID string, payload []byte) error {
	var p interface{}
	if len(payload) > 0 {
		p = string(payload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_log (id, ts, command, tenant_id, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, id, ts, command, tenantID, p)
	if err != nil {
		return fmt.Errorf("log command %s: %w", command, err)
	}
	return nil
}
