package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements DedupRepo.
var _ DedupRepo = (*PostgresStore)(nil)

func (s *PostgresStore) GetIdempotentResult(key string) (string, bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT submission_id FROM idempotency_keys WHERE idem_key = $1`, key).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	return id, true, nil
}

func (s *PostgresStore) RecordIdempotencyKey(key, submissionID string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO idempotency_keys (idem_key, submission_id, created_at) VALUES ($1, $2, $3) ON CONFLICT (idem_key) DO NOTHING`,
		key, submissionID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record idempotency key failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("idempotency rows affected check failed: %w", err)
	}
	return n > 0, nil
}
