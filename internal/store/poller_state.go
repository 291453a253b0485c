package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetPollerState returns the raw JSON cursor for a poller class/key pair
// (e.g. poller_class="chat", state_key="telegram:482913") along with
// whether a cursor already exists. Pollers unmarshal the JSON into their
// own cursor struct.
func (s *Store) GetPollerState(ctx context.Context, pollerClass, stateKey string) (cursorJSON string, found bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT cursor_json FROM poller_state WHERE poller_class = ? AND state_key = ?;
	`, pollerClass, stateKey).Scan(&cursorJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get poller state %s/%s: %w", pollerClass, stateKey, err)
	}
	return cursorJSON, true, nil
}

// SetPollerState upserts the cursor for a poller class/key pair.
func (s *Store) SetPollerState(ctx context.Context, pollerClass, stateKey, cursorJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO poller_state (poller_class, state_key, cursor_json, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (poller_class, state_key)
		DO UPDATE SET cursor_json = excluded.cursor_json, updated_at = CURRENT_TIMESTAMP;
	`, pollerClass, stateKey, cursorJSON)
	if err != nil {
		return fmt.Errorf("set poller state %s/%s: %w", pollerClass, stateKey, err)
	}
	return nil
}

// ListPollerStateKeys returns every state_key currently tracked for a
// poller class, used when a poller needs to enumerate all known cursors
// (e.g. the cleanup poller pruning stale per-channel cursors).
func (s *Store) ListPollerStateKeys(ctx context.Context, pollerClass string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state_key FROM poller_state WHERE poller_class = ?;`, pollerClass)
	if err != nil {
		return nil, fmt.Errorf("list poller state keys %s: %w", pollerClass, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("list poller state keys %s: scan: %w", pollerClass, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeletePollerState removes a tracked cursor, used when a channel or
// watched path is deprovisioned.
func (s *Store) DeletePollerState(ctx context.Context, pollerClass, stateKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM poller_state WHERE poller_class = ? AND state_key = ?;`, pollerClass, stateKey)
	if err != nil {
		return fmt.Errorf("delete poller state %s/%s: %w", pollerClass, stateKey, err)
	}
	return nil
}
