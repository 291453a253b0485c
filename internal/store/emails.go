package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ProcessedEmail records one inbound email's threading headers, so the
// Delivery Router can reply with In-Reply-To/References chained to the
// message that started the conversation rather than starting a new
// thread on every reply.
type ProcessedEmail struct {
	ID                int64
	UserID            string
	ConversationToken string
	MessageID         string
	InReplyTo         string
	References        string
}

// RecordProcessedEmail stores the threading headers for a newly ingested
// email. Re-recording the same (user_id, message_id) is a no-op.
func (s *Store) RecordProcessedEmail(ctx context.Context, userID, conversationToken, messageID, inReplyTo, references string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_emails (user_id, conversation_token, message_id, in_reply_to, references_header)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, message_id) DO NOTHING;
	`, userID, conversationToken, messageID, nullableString(inReplyTo), nullableString(references))
	if err != nil {
		return fmt.Errorf("record processed email: %w", err)
	}
	return nil
}

// LatestProcessedEmail returns the most recently recorded email for a
// conversation, used to derive In-Reply-To/References for the next
// outbound reply.
func (s *Store) LatestProcessedEmail(ctx context.Context, conversationToken string) (*ProcessedEmail, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, conversation_token, message_id, in_reply_to, references_header
		FROM processed_emails WHERE conversation_token = ? ORDER BY created_at DESC LIMIT 1;
	`, conversationToken)

	var e ProcessedEmail
	var inReplyTo, references sql.NullString
	err := row.Scan(&e.ID, &e.UserID, &e.ConversationToken, &e.MessageID, &inReplyTo, &references)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest processed email %s: %w", conversationToken, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest processed email %s: %w", conversationToken, err)
	}
	e.InReplyTo = inReplyTo.String
	e.References = references.String
	return &e, nil
}
