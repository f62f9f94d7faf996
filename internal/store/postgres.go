// Package store provides storage backends for VoiceForm.
//
// This file implements a PostgreSQL-backed store for submissions and session snapshots.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/VoiceForm/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	*sqlOutbox
	db *sql.DB
}

var _ Backend = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{sqlOutbox: newSQLOutbox(db, "postgres", true, claimPostgres), db: db}, nil
}

func (s *PostgresStore) AddSubmission(sub models.Submission) error {
	fields, err := encodeFields(sub.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO submissions (id, form, fields, source, created_at) VALUES ($1, $2, $3, $4, $5)`,
		sub.ID, sub.Form, fields, sub.Source, sub.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddSubmission failed", "error", err, "id", sub.ID)
		return fmt.Errorf("failed to insert submission %s: %w", sub.ID, err)
	}
	slog.Debug("PostgresStore AddSubmission succeeded", "id", sub.ID, "form", sub.Form)
	return nil
}

func (s *PostgresStore) GetSubmissions() ([]models.Submission, error) {
	rows, err := s.db.Query(`SELECT ` + submissionColumns + ` FROM submissions ORDER BY created_at ASC`)
	if err != nil {
		slog.Error("PostgresStore GetSubmissions query failed", "error", err)
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer rows.Close()

	var subs []models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate submission rows: %w", err)
	}
	return subs, nil
}

// SaveSessionState upserts the snapshot of a session.
func (s *PostgresStore) SaveSessionState(state models.SessionState) error {
	draft, err := encodeFields(state.Draft)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO session_states (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
			form = EXCLUDED.form,
			channel = EXCLUDED.channel,
			state = EXCLUDED.state,
			field_index = EXCLUDED.field_index,
			retry = EXCLUDED.retry,
			draft = EXCLUDED.draft,
			last_prompt = EXCLUDED.last_prompt,
			updated_at = EXCLUDED.updated_at`,
		state.SessionID, state.Form, state.Channel, state.State, state.FieldIndex, state.Retry,
		draft, nilIfEmpty(state.LastPrompt), state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveSessionState failed", "error", err, "sessionID", state.SessionID)
		return fmt.Errorf("failed to save session %s: %w", state.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) GetSessionState(sessionID string) (*models.SessionState, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM session_states WHERE session_id = $1`, sessionID)
	st, err := scanSessionState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSessionState failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return &st, nil
}

func (s *PostgresStore) DeleteSessionState(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM session_states WHERE session_id = $1`, sessionID); err != nil {
		slog.Error("PostgresStore DeleteSessionState failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *PostgresStore) ListSessionStates() ([]models.SessionState, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM session_states ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var states []models.SessionState
	for rows.Next() {
		st, err := scanSessionState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return states, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
