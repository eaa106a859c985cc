package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dentiq/payrecon/internal/config"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// SharedPool owns the process-wide PostgreSQL connection pool.
// The session store and the health check share it.
type SharedPool struct {
	db *sql.DB
}

// NewSharedPool opens and pings a PostgreSQL pool.
func NewSharedPool(connectionString string, poolConfig config.PostgresPoolConfig) (*SharedPool, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	return &SharedPool{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (p *SharedPool) DB() *sql.DB {
	return p.db
}

// Ping reports whether the database is reachable.
func (p *SharedPool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the shared connection pool.
func (p *SharedPool) Close() error {
	return p.db.Close()
}
