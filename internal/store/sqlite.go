// Package store provides storage backends for VoiceForm.
//
// This file implements an SQLite-backed store for submissions and session snapshots.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/VoiceForm/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	*sqlOutbox
	db *sql.DB
}

var _ Backend = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer connection avoids SQLITE_BUSY between the API and the outbox sender.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{sqlOutbox: newSQLOutbox(db, "sqlite", false, claimSQLite), db: db}, nil
}

func (s *SQLiteStore) AddSubmission(sub models.Submission) error {
	fields, err := encodeFields(sub.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO submissions (id, form, fields, source, created_at) VALUES (?, ?, ?, ?, ?)`,
		sub.ID, sub.Form, fields, sub.Source, sub.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddSubmission failed", "error", err, "id", sub.ID)
		return fmt.Errorf("failed to insert submission %s: %w", sub.ID, err)
	}
	slog.Debug("SQLiteStore AddSubmission succeeded", "id", sub.ID, "form", sub.Form)
	return nil
}

func (s *SQLiteStore) GetSubmissions() ([]models.Submission, error) {
	rows, err := s.db.Query(`SELECT ` + submissionColumns + ` FROM submissions ORDER BY created_at ASC`)
	if err != nil {
		slog.Error("SQLiteStore GetSubmissions query failed", "error", err)
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
	slog.Debug("SQLiteStore GetSubmissions succeeded", "count", len(subs))
	return subs, nil
}

// SaveSessionState stores or replaces the snapshot of a session.
func (s *SQLiteStore) SaveSessionState(state models.SessionState) error {
	draft, err := encodeFields(state.Draft)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO session_states (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.SessionID, state.Form, state.Channel, state.State, state.FieldIndex, state.Retry,
		draft, nilIfEmpty(state.LastPrompt), state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveSessionState failed", "error", err, "sessionID", state.SessionID)
		return fmt.Errorf("failed to save session %s: %w", state.SessionID, err)
	}
	slog.Debug("SQLiteStore SaveSessionState succeeded", "sessionID", state.SessionID, "state", state.State)
	return nil
}

// GetSessionState retrieves the snapshot of a session, or nil if none exists.
func (s *SQLiteStore) GetSessionState(sessionID string) (*models.SessionState, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM session_states WHERE session_id = ?`, sessionID)
	st, err := scanSessionState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSessionState failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return &st, nil
}

func (s *SQLiteStore) DeleteSessionState(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM session_states WHERE session_id = ?`, sessionID); err != nil {
		slog.Error("SQLiteStore DeleteSessionState failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) ListSessionStates() ([]models.SessionState, error) {
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

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
