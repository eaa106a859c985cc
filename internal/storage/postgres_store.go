package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/payment"
	"github.com/lib/pq"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// uniqueViolation is the Postgres SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

const sessionColumns = `local_id, external_ref, amount, currency, status, attempts, max_attempts,
	last_checked_at, redirect_url, created_at, updated_at, finalized_at`

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db        *sql.DB
	ownsDB    bool   // Track if we created the DB connection (for Close())
	tableName string // Configurable table name (default: "payment_sessions")
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig, tableName string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store, err := newPostgresStore(db, tableName)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.ownsDB = true
	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing connection pool.
func NewPostgresStoreWithDB(db *sql.DB, tableName string) (*PostgresStore, error) {
	return newPostgresStore(db, tableName)
}

func newPostgresStore(db *sql.DB, tableName string) (*PostgresStore, error) {
	if tableName == "" {
		tableName = DefaultTableName
	}
	if !tableNamePattern.MatchString(tableName) {
		return nil, fmt.Errorf("invalid table name %q", tableName)
	}
	store := &PostgresStore{db: db, tableName: tableName}
	if err := store.createPostgresTables(); err != nil {
		return nil, err
	}
	return store, nil
}

// createPostgresTables creates the session table if it doesn't exist.
func (s *PostgresStore) createPostgresTables() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			local_id TEXT PRIMARY KEY,
			external_ref TEXT NOT NULL DEFAULT '',
			amount NUMERIC(18, 4) NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			last_checked_at TIMESTAMPTZ,
			redirect_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			finalized_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s(status);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_external_ref ON %[1]s(external_ref) WHERE external_ref <> '';
	`, s.tableName)

	ctx, cancel := withQueryTimeout(context.Background())
	defer cancel()
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("create %s table: %w", s.tableName, err)
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *PostgresStore) CreateSession(ctx context.Context, session payment.Session) error {
	if err := validateAndPrepareSession(&session); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, s.tableName, sessionColumns)

	_, err := s.db.ExecContext(ctx, query,
		session.LocalID, session.ExternalRef, session.Amount, session.Currency,
		string(session.Status), session.Attempts, session.MaxAttempts,
		nullTime(session.LastCheckedAt), session.RedirectURL,
		session.CreatedAt.UTC(), session.UpdatedAt.UTC(), session.FinalizedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// GetSession retrieves a session by localId.
func (s *PostgresStore) GetSession(ctx context.Context, localID string) (payment.Session, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE local_id = $1`, sessionColumns, s.tableName)
	return scanSession(s.db.QueryRowContext(ctx, query, localID))
}

// FindByExternalRef retrieves the session bound to ref.
func (s *PostgresStore) FindByExternalRef(ctx context.Context, ref string) (payment.Session, error) {
	if ref == "" {
		return payment.Session{}, ErrNotFound
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE external_ref = $1 ORDER BY created_at DESC LIMIT 1`, sessionColumns, s.tableName)
	return scanSession(s.db.QueryRowContext(ctx, query, ref))
}

// ListActiveSessions returns non-terminal sessions ordered by creation time.
func (s *PostgresStore) ListActiveSessions(ctx context.Context) ([]payment.Session, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status <> ALL($1)
		ORDER BY created_at ASC, local_id ASC
	`, sessionColumns, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, pq.Array(terminalStatusStrings()))
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []payment.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// BindExternalRef sets external_ref only while it is still empty.
func (s *PostgresStore) BindExternalRef(ctx context.Context, localID, ref string) (payment.Session, error) {
	if ref == "" {
		return payment.Session{}, fmt.Errorf("storage: empty external reference")
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET external_ref = $2, updated_at = $3
		WHERE local_id = $1 AND external_ref = ''
		RETURNING %s
	`, s.tableName, sessionColumns)

	session, err := scanSession(s.db.QueryRowContext(ctx, query, localID, ref, time.Now().UTC()))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return payment.Session{}, err
	}

	// Nothing updated: either the row is missing or a reference is already bound.
	current, err := s.GetSession(ctx, localID)
	if err != nil {
		return payment.Session{}, err
	}
	if _, err := checkBinding(current, ref); err != nil {
		return current, err
	}
	return current, nil
}

// CommitStatus updates the row only while its status is non-terminal.
func (s *PostgresStore) CommitStatus(ctx context.Context, c Commit) (payment.Session, bool, error) {
	if err := validateCommit(c); err != nil {
		return payment.Session{}, false, err
	}
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET
			status = $2,
			attempts = GREATEST(attempts, $3),
			last_checked_at = CASE
				WHEN $4::timestamptz IS NULL THEN last_checked_at
				WHEN last_checked_at IS NULL OR last_checked_at < $4 THEN $4
				ELSE last_checked_at
			END,
			updated_at = $5,
			finalized_at = CASE WHEN $6 THEN $5 ELSE finalized_at END
		WHERE local_id = $1 AND status <> ALL($7)
		RETURNING %s
	`, s.tableName, sessionColumns)

	session, err := scanSession(s.db.QueryRowContext(ctx, query,
		c.LocalID, string(c.Status), c.Attempts, nullTime(c.LastCheckedAt),
		at.UTC(), c.Status.IsTerminal(), pq.Array(terminalStatusStrings())))
	if err == nil {
		return session, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return payment.Session{}, false, fmt.Errorf("commit status: %w", err)
	}

	// Not applied: the session is either missing or already terminal.
	current, err := s.GetSession(ctx, c.LocalID)
	if err != nil {
		return payment.Session{}, false, err
	}
	return current, false, nil
}

// DeleteSession removes a session row.
func (s *PostgresStore) DeleteSession(ctx context.Context, localID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE local_id = $1`, s.tableName)
	res, err := s.db.ExecContext(ctx, query, localID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the connection pool if this store opened it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (payment.Session, error) {
	var (
		session     payment.Session
		status      string
		lastChecked sql.NullTime
		finalized   sql.NullTime
	)
	err := row.Scan(
		&session.LocalID, &session.ExternalRef, &session.Amount, &session.Currency,
		&status, &session.Attempts, &session.MaxAttempts,
		&lastChecked, &session.RedirectURL,
		&session.CreatedAt, &session.UpdatedAt, &finalized,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Session{}, ErrNotFound
	}
	if err != nil {
		return payment.Session{}, err
	}

	session.Status, err = payment.ParseStatus(status)
	if err != nil {
		return payment.Session{}, err
	}
	if lastChecked.Valid {
		session.LastCheckedAt = lastChecked.Time.UTC()
	}
	if finalized.Valid {
		session.FinalizedAt = ptrTime(finalized.Time.UTC())
	}
	session.CreatedAt = session.CreatedAt.UTC()
	session.UpdatedAt = session.UpdatedAt.UTC()
	return session, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
