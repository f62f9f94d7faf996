package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/VoiceForm/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeFields serializes a field map for a TEXT column.
func encodeFields(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(b), nil
}

// decodeFields parses a TEXT column written by encodeFields. Corrupt values
// decode to an empty map.
func decodeFields(raw string) map[string]string {
	m := make(map[string]string)
	if raw == "" {
		return m
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		slog.Error("store.decodeFields: JSON unmarshal failed", "error", err)
		return make(map[string]string)
	}
	return m
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.Recipient, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

const sessionColumns = `session_id, form, channel, state, field_index, retry, draft, last_prompt, created_at, updated_at`

func scanSessionState(row rowScanner) (models.SessionState, error) {
	var st models.SessionState
	var draft, lastPrompt sql.NullString
	err := row.Scan(&st.SessionID, &st.Form, &st.Channel, &st.State, &st.FieldIndex, &st.Retry,
		&draft, &lastPrompt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return st, err
	}
	st.Draft = decodeFields(draft.String)
	st.LastPrompt = lastPrompt.String
	return st, nil
}

const submissionColumns = `id, form, fields, source, created_at`

func scanSubmission(row rowScanner) (models.Submission, error) {
	var sub models.Submission
	var fields sql.NullString
	if err := row.Scan(&sub.ID, &sub.Form, &fields, &sub.Source, &sub.CreatedAt); err != nil {
		return sub, fmt.Errorf("scan submission failed: %w", err)
	}
	sub.Fields = decodeFields(fields.String)
	return sub, nil
}
