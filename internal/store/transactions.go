package store

import (
	"context"
	"database/sql"
	"fmt"
)

// TransactionStatus is the section of a tracked-transactions file a
// record came from.
type TransactionStatus string

const (
	TransactionSynced        TransactionStatus = "synced"
	TransactionImported      TransactionStatus = "imported"
	TransactionRecategorized TransactionStatus = "recategorized"
)

// TrackedTransaction is one entry the agent subprocess recorded while
// running without direct database access, destined for a single-batch
// apply by the Deferred-Effects Processor.
type TrackedTransaction struct {
	ExternalID  string
	Status      TransactionStatus
	Category    string
	AmountCents int64
	Description string
}

// ApplyTrackedTransactions upserts a batch of tracked transactions for
// userID in one transaction, per spec.md §4.8's "apply in a single
// batch" requirement. Re-applying the same external_id updates its
// status and fields rather than duplicating the row, so replaying a
// deferred-effects file after a crash is idempotent.
func (s *Store) ApplyTrackedTransactions(ctx context.Context, userID string, batch []TrackedTransaction) error {
	if len(batch) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tracked transactions batch: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tracked_transactions (user_id, external_id, status, category, amount_cents, description)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, external_id) DO UPDATE SET
				status = excluded.status,
				category = excluded.category,
				amount_cents = excluded.amount_cents,
				description = excluded.description;
		`)
		if err != nil {
			return fmt.Errorf("prepare tracked transactions upsert: %w", err)
		}
		defer stmt.Close()

		for _, t := range batch {
			if _, err := stmt.ExecContext(ctx, userID, t.ExternalID, string(t.Status), nullableString(t.Category), t.AmountCents, nullableString(t.Description)); err != nil {
				return fmt.Errorf("apply tracked transaction %s: %w", t.ExternalID, err)
			}
		}

		return tx.Commit()
	})
}

// ListTrackedTransactions returns a user's applied transactions, most
// recent first, for status reporting and tests.
func (s *Store) ListTrackedTransactions(ctx context.Context, userID string, limit int) ([]TrackedTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_id, status, category, amount_cents, description
		FROM tracked_transactions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?;
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tracked transactions: %w", err)
	}
	defer rows.Close()

	var out []TrackedTransaction
	for rows.Next() {
		var t TrackedTransaction
		var category, description sql.NullString
		var status string
		if err := rows.Scan(&t.ExternalID, &status, &category, &t.AmountCents, &description); err != nil {
			return nil, fmt.Errorf("scan tracked transaction: %w", err)
		}
		t.Status = TransactionStatus(status)
		t.Category = category.String
		t.Description = description.String
		out = append(out, t)
	}
	return out, rows.Err()
}
