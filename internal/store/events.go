package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

func insertEvent(ctx context.Context, tx *sql.Tx, pk, eventType string, ts int64, description string, metadata []byte) error {
	var desc interface{}
	if description != "" {
		desc = description
	}
	var meta interface{}
	if len(metadata) > 0 {
		meta = string(metadata)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO message_events (message_pk, event_type, event_ts, description, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, pk, eventType, ts, desc, meta)
	if err != nil {
		return fmt.Errorf("insert %s event for %s: %w", eventType, pk, err)
	}
	return nil
}

// AddEvent appends an event and applies its message-state side effect in
// the same transaction: sent/error stamp smtp_ts if still unset, deferred
// pushes deferred_ts forward. Bounce and PEC events have no side effect;
// they arrive from external collectors after the terminal outcome.
func (s *Store) AddEvent(ctx context.Context, pk, eventType string, ts int64, description string, metadata map[string]interface{}) error {
	var meta []byte
	if len(metadata) > 0 {
		meta, _ = json.Marshal(metadata)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertEvent(ctx, tx, pk, eventType, ts, description, meta); err != nil {
			return err
		}
		switch eventType {
		case EventSent, EventError:
			_, err := tx.ExecContext(ctx, `
				UPDATE messages SET smtp_ts = $2, deferred_ts = NULL
				WHERE pk = $1 AND smtp_ts IS NULL
			`, pk, ts)
			return err
		case EventDeferred:
			if until, ok := metadata["deferred_ts"]; ok {
				_, err := tx.ExecContext(ctx, `
					UPDATE messages SET deferred_ts = $2 WHERE pk = $1 AND smtp_ts IS NULL
				`, pk, until)
				return err
			}
		}
		return nil
	})
}

// FetchUnreported returns events not yet acknowledged by their tenant,
// oldest first, each joined with the owning message's identifiers.
func (s *Store) FetchUnreported(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.message_pk, m.id, m.tenant_id, m.account_id,
			e.event_type, e.event_ts, COALESCE(e.description, ''), e.metadata
		FROM message_events e
		JOIN messages m ON m.pk = e.message_pk
		WHERE e.reported_ts IS NULL
		ORDER BY e.event_ts ASC, e.id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unreported: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var meta []byte
		err := rows.Scan(&e.ID, &e.MessagePK, &e.MessageID, &e.TenantID, &e.AccountID,
			&e.Type, &e.TS, &e.Description, &meta)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Metadata = meta
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkEventsReported stamps the listed events as acknowledged.
func (s *Store) MarkEventsReported(ctx context.Context, ids []int64, ts int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_events SET reported_ts = $1 WHERE id = ANY($2)
	`, ts, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark events reported: %w", err)
	}
	return nil
}

// CountUnreported returns the number of pending events for one tenant,
// used by the sync-status listing.
func (s *Store) CountUnreported(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM message_events e
		JOIN messages m ON m.pk = e.message_pk
		WHERE e.reported_ts IS NULL AND m.tenant_id = $1
	`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unreported for %s: %w", tenantID, err)
	}
	return n, nil
}
