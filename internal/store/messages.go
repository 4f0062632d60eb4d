package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// InsertMessages upserts a batch of submissions keyed by (tenant_id, id).
// Resubmitting an id whose row is already processed (smtp_ts set) leaves
// the row untouched and excludes it from the result, so duplicates can
// never cause a second delivery. Unprocessed duplicates are refreshed and
// made ready again.
func (s *Store) InsertMessages(ctx context.Context, msgs []Message) ([]InsertResult, error) {
	var results []InsertResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range msgs {
			pk := m.PK
			if pk == "" {
				pk = newPK()
			}
			var outPK string
			err := tx.QueryRowContext(ctx, `
				INSERT INTO messages (pk, tenant_id, account_id, id, priority, batch_code,
					payload, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (tenant_id, id) DO UPDATE SET
					account_id = EXCLUDED.account_id,
					priority = EXCLUDED.priority,
					batch_code = EXCLUDED.batch_code,
					payload = EXCLUDED.payload,
					deferred_ts = NULL
				WHERE messages.smtp_ts IS NULL
				RETURNING pk
			`, pk, m.TenantID, m.AccountID, m.ID, m.Priority, m.BatchCode,
				[]byte(m.Payload), m.CreatedAt).Scan(&outPK)
			if err == sql.ErrNoRows {
				// Already processed; duplicate suppressed.
				continue
			}
			if err != nil {
				return fmt.Errorf("insert message %s/%s: %w", m.TenantID, m.ID, err)
			}
			results = append(results, InsertResult{ID: m.ID, PK: outPK})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// FetchReady returns up to limit pending messages joined with their
// account settings, ordered by (priority, created_at). A message is ready
// when smtp_ts is null and any deferral has expired. Rows belonging to
// inactive tenants or suspended batches are excluded. priority filters to
// an exact level, minPriority to that level or more urgent; pass -1 to
// disable either filter.
func (s *Store) FetchReady(ctx context.Context, limit int, now int64, priority, minPriority int) ([]ReadyMessage, error) {
	q := `
		SELECT m.pk, m.tenant_id, m.account_id, m.id, m.priority, COALESCE(m.batch_code, ''),
			m.payload, m.created_at, m.deferred_ts,
			a.pk, a.host, a.port, a.smtp_user, a.smtp_password, a.use_tls,
			a.ttl_seconds, a.batch_size, a.limit_per_minute, a.limit_per_hour,
			a.limit_per_day, a.limit_behavior
		FROM messages m
		JOIN accounts a ON a.tenant_id = m.tenant_id AND a.id = m.account_id
		JOIN tenants t ON t.id = m.tenant_id
		WHERE m.smtp_ts IS NULL
		  AND (m.deferred_ts IS NULL OR m.deferred_ts <= $1)
		  AND t.active = true
		  AND NOT (t.suspended_batches @> '["*"]'::jsonb)
		  AND (m.batch_code IS NULL OR NOT (t.suspended_batches @> to_jsonb(ARRAY[m.batch_code])))`
	args := []interface{}{now}
	if priority >= 0 {
		args = append(args, priority)
		q += fmt.Sprintf(" AND m.priority = $%d", len(args))
	}
	if minPriority >= 0 {
		args = append(args, minPriority)
		q += fmt.Sprintf(" AND m.priority <= $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY m.priority ASC, m.created_at ASC, m.pk ASC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch ready: %w", err)
	}
	defer rows.Close()

	var out []ReadyMessage
	for rows.Next() {
		var rm ReadyMessage
		var password string
		err := rows.Scan(&rm.PK, &rm.TenantID, &rm.AccountID, &rm.ID, &rm.Priority, &rm.BatchCode,
			&rm.Payload, &rm.CreatedAt, &rm.DeferredTS,
			&rm.Account.PK, &rm.Account.Host, &rm.Account.Port, &rm.Account.User, &password,
			&rm.Account.UseTLS, &rm.Account.TTLSeconds, &rm.Account.BatchSize,
			&rm.Account.LimitPerMinute, &rm.Account.LimitPerHour,
			&rm.Account.LimitPerDay, &rm.Account.LimitBehavior)
		if err != nil {
			return nil, fmt.Errorf("scan ready message: %w", err)
		}
		if password != "" {
			if rm.Account.Password, err = s.secrets.Decrypt(password); err != nil {
				return nil, fmt.Errorf("decrypt account password: %w", err)
			}
		}
		rm.Account.TenantID = rm.TenantID
		rm.Account.ID = rm.AccountID
		out = append(out, rm)
	}
	return out, rows.Err()
}

// SetDeferred postpones a message until untilTS and appends a deferred
// event carrying the reason, in one transaction. A message that already
// reached a terminal state is left untouched.
func (s *Store) SetDeferred(ctx context.Context, pk string, untilTS int64, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET deferred_ts = $2 WHERE pk = $1 AND smtp_ts IS NULL
		`, pk, untilTS)
		if err != nil {
			return fmt.Errorf("defer message %s: %w", pk, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		meta, _ := json.Marshal(map[string]int64{"deferred_ts": untilTS})
		return insertEvent(ctx, tx, pk, EventDeferred, untilTS, reason, meta)
	})
}

// MarkSent records the terminal sent outcome: sets smtp_ts, appends the
// sent event and writes the rate-limit send log row, atomically. Calling
// it on an already-terminal message is a no-op.
func (s *Store) MarkSent(ctx context.Context, pk string, ts int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET smtp_ts = $2, deferred_ts = NULL
			WHERE pk = $1 AND smtp_ts IS NULL
		`, pk, ts)
		if err != nil {
			return fmt.Errorf("mark sent %s: %w", pk, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if err := insertEvent(ctx, tx, pk, EventSent, ts, "", nil); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO send_log (account_pk, ts)
			SELECT a.pk, $2
			FROM messages m
			JOIN accounts a ON a.tenant_id = m.tenant_id AND a.id = m.account_id
			WHERE m.pk = $1
		`, pk, ts)
		if err != nil {
			return fmt.Errorf("log send for %s: %w", pk, err)
		}
		return nil
	})
}

// MarkError records the terminal error outcome with its description.
// Calling it on an already-terminal message is a no-op.
func (s *Store) MarkError(ctx context.Context, pk string, ts int64, description string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET smtp_ts = $2, deferred_ts = NULL
			WHERE pk = $1 AND smtp_ts IS NULL
		`, pk, ts)
		if err != nil {
			return fmt.Errorf("mark error %s: %w", pk, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		return insertEvent(ctx, tx, pk, EventError, ts, description, nil)
	})
}

// CountDeferrals returns how many deferred events a message has
// accumulated; the dispatcher derives the retry attempt index from it.
func (s *Store) CountDeferrals(ctx context.Context, pk string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM message_events WHERE message_pk = $1 AND event_type = $2
	`, pk, EventDeferred).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deferrals for %s: %w", pk, err)
	}
	return n, nil
}

// RemoveFullyReportedBefore deletes processed messages whose every event
// has been reported no later than ts. Events cascade with the message.
// Returns the number of messages removed.
func (s *Store) RemoveFullyReportedBefore(ctx context.Context, ts int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages m
		WHERE m.smtp_ts IS NOT NULL AND m.smtp_ts <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM message_events e
			WHERE e.message_pk = m.pk
			  AND (e.reported_ts IS NULL OR e.reported_ts > $1)
		  )
	`, ts)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	return res.RowsAffected()
}

// PendingCount returns the number of unprocessed messages for a tenant.
func (s *Store) PendingCount(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE tenant_id = $1 AND smtp_ts IS NULL
	`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count for %s: %w", tenantID, err)
	}
	return n, nil
}

// GetMessagePK resolves a tenant-scoped client id to the internal pk.
func (s *Store) GetMessagePK(ctx context.Context, tenantID, id string) (string, error) {
	var pk string
	err := s.db.QueryRowContext(ctx, `
		SELECT pk FROM messages WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(&pk)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve message %s/%s: %w", tenantID, id, err)
	}
	return pk, nil
}
