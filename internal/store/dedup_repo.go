// Package store provides the DedupRepo interface for idempotent submissions.
package store

import (
	"time"
)

// IdempotencyRecord ties a client-supplied Idempotency-Key to the submission it created.
type IdempotencyRecord struct {
	Key          string    `json:"key"`
	SubmissionID string    `json:"submission_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// DedupRepo defines the interface for submission deduplication.
type DedupRepo interface {
	// RecordIdempotencyKey stores key -> submissionID. Returns false if the key
	// was already recorded.
	RecordIdempotencyKey(key, submissionID string) (bool, error)

	// GetIdempotentResult returns the submission ID recorded for key.
	GetIdempotentResult(key string) (string, bool, error)
}
