package store

import (
	"context"
	"database/sql"
	"time"
)

// UserMemory is a stored long-term fact scoped to a user and, optionally,
// a single conversation channel (empty channel_token means "global" to
// the user across channels). Produced by the Sleep-cycle poller's nightly
// extraction task and consumed by the Prompt Builder's memory section.
type UserMemory struct {
	ID             int64
	UserID         string
	ChannelToken   string
	Key            string
	Value          string
	Source         string // "sleep_cycle", "user", "agent"
	RelevanceScore float64
	AccessCount    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessed   time.Time
}

// SetMemory stores or updates a memory (UPSERT), resetting relevance to
// 1.0 on update so a re-asserted fact outranks ones that have decayed.
func (s *Store) SetMemory(ctx context.Context, userID, channelToken, key, value, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_memories (user_id, channel_token, key, value, source, relevance_score, access_count, last_accessed)
		VALUES (?, ?, ?, ?, ?, 1.0, 0, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id, channel_token, key) DO UPDATE SET
			value = excluded.value,
			source = excluded.source,
			relevance_score = 1.0,
			updated_at = CURRENT_TIMESTAMP,
			last_accessed = CURRENT_TIMESTAMP;
	`, userID, channelToken, key, value, source)
	return err
}

func scanUserMemory(row rowScanner) (UserMemory, error) {
	var m UserMemory
	err := row.Scan(&m.ID, &m.UserID, &m.ChannelToken, &m.Key, &m.Value, &m.Source,
		&m.RelevanceScore, &m.AccessCount, &m.CreatedAt, &m.UpdatedAt, &m.LastAccessed)
	return m, err
}

const memorySelectColumns = `SELECT
	id, user_id, channel_token, key, value, source, relevance_score, access_count, created_at, updated_at, last_accessed`

// GetMemory retrieves a single memory by user/channel/key.
func (s *Store) GetMemory(ctx context.Context, userID, channelToken, key string) (UserMemory, error) {
	row := s.db.QueryRowContext(ctx, memorySelectColumns+` FROM user_memories WHERE user_id = ? AND channel_token = ? AND key = ?;`,
		userID, channelToken, key)
	return scanUserMemory(row)
}

// ListMemories returns all memories for a user, scoped to a channel token
// (pass "" for global memories), ordered by relevance then recency.
func (s *Store) ListMemories(ctx context.Context, userID, channelToken string) ([]UserMemory, error) {
	rows, err := s.db.QueryContext(ctx, memorySelectColumns+`
		FROM user_memories WHERE user_id = ? AND channel_token = ?
		ORDER BY relevance_score DESC, updated_at DESC;
	`, userID, channelToken)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// ListTopMemories returns the highest-relevance memories across all of a
// user's channels, for inclusion in the Prompt Builder's memory section.
func (s *Store) ListTopMemories(ctx context.Context, userID string, limit int) ([]UserMemory, error) {
	rows, err := s.db.QueryContext(ctx, memorySelectColumns+`
		FROM user_memories WHERE user_id = ?
		ORDER BY relevance_score DESC, updated_at DESC
		LIMIT ?;
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

func scanMemoryRows(rows *sql.Rows) ([]UserMemory, error) {
	var memories []UserMemory
	for rows.Next() {
		m, err := scanUserMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// DeleteMemory removes a memory by key.
func (s *Store) DeleteMemory(ctx context.Context, userID, channelToken, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_memories WHERE user_id = ? AND channel_token = ? AND key = ?;`,
		userID, channelToken, key)
	return err
}

// SearchMemories finds memories matching a query on key or value.
func (s *Store) SearchMemories(ctx context.Context, userID, query string) ([]UserMemory, error) {
	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, memorySelectColumns+`
		FROM user_memories WHERE user_id = ? AND (key LIKE ? OR value LIKE ?)
		ORDER BY relevance_score DESC, updated_at DESC;
	`, userID, like, like)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// TouchMemory increments access_count, refreshes last_accessed, and
// boosts relevance_score slightly, reinforcing frequently-used facts.
func (s *Store) TouchMemory(ctx context.Context, userID, channelToken, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_memories SET access_count = access_count + 1,
			last_accessed = CURRENT_TIMESTAMP,
			relevance_score = MIN(1.0, relevance_score + 0.05)
		WHERE user_id = ? AND channel_token = ? AND key = ?;
	`, userID, channelToken, key)
	return err
}

// DecayMemories multiplies every one of a user's relevance scores by
// factor (e.g. 0.95 for a 5% decay per nightly sleep cycle), so facts
// that are never reinforced gradually fall out of the prompt.
func (s *Store) DecayMemories(ctx context.Context, userID string, factor float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE user_memories SET relevance_score = relevance_score * ? WHERE user_id = ?;`, factor, userID)
	return err
}

// DeleteUserMemories removes all memories for a user (account deletion).
func (s *Store) DeleteUserMemories(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_memories WHERE user_id = ?;`, userID)
	return err
}
