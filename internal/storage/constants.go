package storage

import "time"

const (
	// CleanupInterval is how often the cleanup goroutine purges finalized sessions.
	CleanupInterval = 1 * time.Hour

	// DefaultRetention is how long finalized sessions stay in memory/file stores.
	DefaultRetention = 24 * time.Hour

	// DefaultTableName is the Postgres table / MongoDB collection for sessions.
	DefaultTableName = "payment_sessions"
)
