package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that SQLiteStore implements DedupRepo.
var _ DedupRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) GetIdempotentResult(key string) (string, bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT submission_id FROM idempotency_keys WHERE idem_key = ?`, key).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	return id, true, nil
}

func (s *SQLiteStore) RecordIdempotencyKey(key, submissionID string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO idempotency_keys (idem_key, submission_id, created_at) VALUES (?, ?, ?)`,
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
