package store

import (
	"context"
	"database/sql"
)

// Store provides read access to the platform's PostgreSQL tables: sessions,
// users and conversation participants. The CRUD app owns the schema; this
// module never writes to it.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
