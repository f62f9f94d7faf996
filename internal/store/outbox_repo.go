// Package store provides the OutboxRepo interface and model for restart-safe outgoing sends.
package store

import (
	"errors"
	"fmt"
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxKindSubmissionNotice is the kind of message announcing a new submission.
const OutboxKindSubmissionNotice = "submission_notice"

// ErrNoRecipient is returned when a notice has nowhere to go.
var ErrNoRecipient = errors.New("outbox: no recipient")

// SubmissionNoticeKey is the dedupe key of a submission's notice. A submission
// has at most one queued or in-flight notice, so replays of the same
// submission never announce it twice.
func SubmissionNoticeKey(submissionID string) string {
	return OutboxKindSubmissionNotice + ":" + submissionID
}

// EnqueueSubmissionNotice queues payload as the notice for submissionID and
// returns the outbox message ID, which is the existing one when a notice for
// the submission is still pending.
func EnqueueSubmissionNotice(repo OutboxRepo, recipient, submissionID string, payload []byte) (string, error) {
	if recipient == "" {
		return "", ErrNoRecipient
	}
	if submissionID == "" {
		return "", fmt.Errorf("submission notice: empty submission ID")
	}
	return repo.EnqueueOutboxMessage(recipient, OutboxKindSubmissionNotice, string(payload), SubmissionNoticeKey(submissionID))
}

// OutboxMessage represents a durable outgoing message record.
type OutboxMessage struct {
	ID            string       `json:"id"`
	Recipient     string       `json:"recipient"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo defines the interface for durable outbox message persistence.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a new outbox message. If dedupeKey is non-empty
	// and a non-terminal message with that key exists, returns the existing ID.
	EnqueueOutboxMessage(recipient, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages marks up to limit queued messages whose
	// next_attempt_at <= now (or is NULL) as sending and returns them.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent marks a message as successfully sent.
	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage records a send failure and schedules a retry at nextAttemptAt.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error

	// CancelOutboxMessage gives up on a message after its final failed attempt.
	CancelOutboxMessage(id string, errMsg string) error

	// RequeueStaleSendingMessages resets messages stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)

	// GetOutboxMessage returns nil, nil when the message does not exist.
	GetOutboxMessage(id string) (*OutboxMessage, error)
}
