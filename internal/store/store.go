// Package store provides storage backends for VoiceForm.
//
// Submissions, session snapshots, the notification outbox and idempotency keys
// are kept in memory, SQLite or PostgreSQL.
package store

import (
	"errors"
	"strings"

	"github.com/BTreeMap/VoiceForm/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists submissions and session snapshots.
type Store interface {
	AddSubmission(s models.Submission) error
	GetSubmissions() ([]models.Submission, error)
	SaveSessionState(state models.SessionState) error
	// GetSessionState returns nil, nil when no snapshot exists.
	GetSessionState(sessionID string) (*models.SessionState, error)
	DeleteSessionState(sessionID string) error
	ListSessionStates() ([]models.SessionState, error)
	Close() error
}

// Backend is a Store that also provides the outbox and idempotency repositories.
type Backend interface {
	Store
	OutboxRepo
	DedupRepo
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN    string
	Driver string // "sqlite3" or "postgres"
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN selects SQLite with the given database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "sqlite3"
	}
}

// WithPostgresDSN selects PostgreSQL with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "postgres"
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key/value DSNs and
// "sqlite3" for anything else, which is treated as a file path.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the backend selected by opts. Without a DSN the in-memory store is used.
func New(opts ...Option) (Backend, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(), nil
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DetectDSNType(cfg.DSN)
	}
	if driver == "postgres" {
		return NewPostgresStore(WithPostgresDSN(cfg.DSN))
	}
	return NewSQLiteStore(WithSQLiteDSN(cfg.DSN))
}
