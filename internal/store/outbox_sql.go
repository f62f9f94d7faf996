package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/VoiceForm/internal/util"
)

const outboxColumns = `id, recipient, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// claimFunc moves up to limit due messages to sending and returns them.
// Each dialect claims differently.
type claimFunc func(db *sql.DB, now time.Time, limit int) ([]OutboxMessage, error)

// sqlOutbox is the OutboxRepo shared by the SQL backends. Queries are written
// with ? placeholders; numbered dialects get them rewritten to $1, $2, ...
type sqlOutbox struct {
	db       *sql.DB
	dialect  string
	numbered bool
	claim    claimFunc
}

var _ OutboxRepo = (*sqlOutbox)(nil)

func newSQLOutbox(db *sql.DB, dialect string, numbered bool, claim claimFunc) *sqlOutbox {
	return &sqlOutbox{db: db, dialect: dialect, numbered: numbered, claim: claim}
}

// bind rewrites ? placeholders for numbered dialects.
func (o *sqlOutbox) bind(query string) string {
	if !o.numbered {
		return query
	}
	return numberPlaceholders(query)
}

func numberPlaceholders(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (o *sqlOutbox) EnqueueOutboxMessage(recipient, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existing string
		err := o.db.QueryRow(
			o.bind(`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN (?, ?)`),
			dedupeKey, string(OutboxStatusSent), string(OutboxStatusCanceled),
		).Scan(&existing)
		switch {
		case err == nil:
			slog.Debug("sqlOutbox.EnqueueOutboxMessage: active message for key", "dialect", o.dialect, "dedupeKey", dedupeKey, "id", existing)
			return existing, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("outbox dedupe lookup: %w", err)
		}
	}

	id := util.GenerateRandomID("outbox_", 32)
	now := time.Now()
	_, err := o.db.Exec(
		o.bind(`INSERT INTO outbox_messages (id, recipient, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`),
		id, recipient, kind, payloadJSON, string(OutboxStatusQueued), nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message: %w", err)
	}
	slog.Debug("sqlOutbox.EnqueueOutboxMessage", "dialect", o.dialect, "id", id, "kind", kind)
	return id, nil
}

func (o *sqlOutbox) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	return o.claim(o.db, now, limit)
}

// transition applies set to one message. Missing messages yield ErrNotFound.
func (o *sqlOutbox) transition(id, set string, args ...interface{}) error {
	args = append(args, time.Now(), id)
	res, err := o.db.Exec(o.bind(`UPDATE outbox_messages SET `+set+`, updated_at = ? WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("update outbox message %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (o *sqlOutbox) MarkOutboxMessageSent(id string) error {
	return o.transition(id, `status = ?`, string(OutboxStatusSent))
}

func (o *sqlOutbox) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return o.transition(id, `status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL`,
		string(OutboxStatusQueued), errMsg, nextAttemptAt)
}

func (o *sqlOutbox) CancelOutboxMessage(id string, errMsg string) error {
	return o.transition(id, `status = ?, attempts = attempts + 1, last_error = ?, locked_at = NULL`,
		string(OutboxStatusCanceled), errMsg)
}

func (o *sqlOutbox) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	res, err := o.db.Exec(
		o.bind(`UPDATE outbox_messages SET status = ?, locked_at = NULL, updated_at = ? WHERE status = ? AND locked_at < ?`),
		string(OutboxStatusQueued), time.Now(), string(OutboxStatusSending), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("sqlOutbox.RequeueStaleSendingMessages", "dialect", o.dialect, "requeued", n)
	}
	return int(n), nil
}

func (o *sqlOutbox) GetOutboxMessage(id string) (*OutboxMessage, error) {
	m, err := scanOutboxMessage(o.db.QueryRow(o.bind(`SELECT `+outboxColumns+` FROM outbox_messages WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectOutboxMessages(rows *sql.Rows) ([]OutboxMessage, error) {
	defer rows.Close()
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read outbox rows: %w", err)
	}
	return msgs, nil
}
