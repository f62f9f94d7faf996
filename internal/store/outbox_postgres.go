package store

import (
	"database/sql"
	"fmt"
	"time"
)

// claimPostgres claims in one statement. SKIP LOCKED lets several replicas
// poll the same table without handing a message to two senders.
func claimPostgres(db *sql.DB, now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := db.Query(
		`UPDATE outbox_messages SET status = $1, locked_at = $2, updated_at = $2
		 WHERE id IN (
		   SELECT id FROM outbox_messages WHERE status = $3 AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		   ORDER BY created_at ASC LIMIT $4
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		string(OutboxStatusSending), now, string(OutboxStatusQueued), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages: %w", err)
	}
	return collectOutboxMessages(rows)
}
