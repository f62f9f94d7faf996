package store

import (
	"database/sql"
	"fmt"
	"time"
)

// claimSQLite claims inside a transaction. The single connection the SQLite
// store keeps serializes concurrent claimers.
func claimSQLite(db *sql.DB, now time.Time, limit int) ([]OutboxMessage, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin outbox claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT `+outboxColumns+` FROM outbox_messages
		 WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		string(OutboxStatusQueued), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due outbox messages: %w", err)
	}
	msgs, err := collectOutboxMessages(rows)
	if err != nil {
		return nil, err
	}

	for i := range msgs {
		if _, err := tx.Exec(
			`UPDATE outbox_messages SET status = ?, locked_at = ?, updated_at = ? WHERE id = ?`,
			string(OutboxStatusSending), now, now, msgs[i].ID,
		); err != nil {
			return nil, fmt.Errorf("lock outbox message %s: %w", msgs[i].ID, err)
		}
		locked := now
		msgs[i].Status = OutboxStatusSending
		msgs[i].LockedAt = &locked
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit outbox claim: %w", err)
	}
	return msgs, nil
}
