package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/payment"
)

// ErrNotFound is returned when a requested session is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyExists is returned when creating a session whose localId is taken.
var ErrAlreadyExists = errors.New("storage: already exists")

// Commit is a single local status write: {localId, status, attempts, lastCheckedAt}.
type Commit struct {
	LocalID       string
	Status        payment.Status
	Attempts      int
	LastCheckedAt time.Time
	At            time.Time
}

// Store persists payment sessions.
//
// CommitStatus and BindExternalRef are conditional writes. Backends must apply
// them atomically so concurrent writers can never regress a terminal status or
// overwrite a bound external reference.
type Store interface {
	CreateSession(ctx context.Context, session payment.Session) error
	GetSession(ctx context.Context, localID string) (payment.Session, error)
	// FindByExternalRef returns the session bound to ref.
	FindByExternalRef(ctx context.Context, ref string) (payment.Session, error)
	// ListActiveSessions returns every non-terminal session.
	ListActiveSessions(ctx context.Context) ([]payment.Session, error)

	// BindExternalRef sets the gateway reference if none is bound yet.
	// Binding the same value again is a no-op; a different value fails with
	// payment.ErrReferenceMismatch.
	BindExternalRef(ctx context.Context, localID, ref string) (payment.Session, error)

	// CommitStatus applies c only if the stored session is still non-terminal.
	// Attempts never decrease. The returned bool reports whether the write applied.
	CommitStatus(ctx context.Context, c Commit) (payment.Session, bool, error)

	DeleteSession(ctx context.Context, localID string) error

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", "mongodb", or "file"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	FilePath        string
	PostgresPool    config.PostgresPoolConfig
	TableName       string        // Postgres table or MongoDB collection. Default: "payment_sessions"
	Retention       time.Duration // How long finalized sessions stay in memory/file stores
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store instance with an optional shared database pool.
// If sharedDB is non-nil for the postgres backend it is used instead of opening a new connection.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(WithRetention(cfg.Retention)), nil
	case "postgres":
		if cfg.PostgresURL == "" && sharedDB == nil {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		var store *PostgresStore
		var err error
		if sharedDB != nil {
			store, err = NewPostgresStoreWithDB(sharedDB, cfg.TableName)
		} else {
			store, err = NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool, cfg.TableName)
		}
		if err != nil {
			return nil, err
		}
		return store, nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase, cfg.TableName)
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file backend requires file_path")
		}
		return NewFileStore(cfg.FilePath, WithRetention(cfg.Retention))
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// applyCommit mutates s according to c. Callers have already checked that s is non-terminal.
func applyCommit(s *payment.Session, c Commit) {
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	s.Status = c.Status
	if c.Attempts > s.Attempts {
		s.Attempts = c.Attempts
	}
	if c.LastCheckedAt.After(s.LastCheckedAt) {
		s.LastCheckedAt = c.LastCheckedAt.UTC()
	}
	s.UpdatedAt = at
	if c.Status.IsTerminal() {
		s.FinalizedAt = ptrTime(at)
	}
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

func terminalStatusStrings() []string {
	out := make([]string, len(payment.TerminalStatuses))
	for i, s := range payment.TerminalStatuses {
		out[i] = string(s)
	}
	return out
}
