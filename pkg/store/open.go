package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"       // postgres driver
	_ "modernc.org/sqlite"      // sqlite driver, cgo-free
)

// OpenPostgres opens a Postgres pool, verifies connectivity and runs
// the migrations.
func OpenPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return initialize(ctx, db, Postgres)
}

// OpenSQLite opens (or creates) a SQLite database and runs the
// migrations. Suited to single-node and test deployments.
func OpenSQLite(ctx context.Context, path string) (*SQL, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrency.
	db.SetMaxOpenConns(1)
	return initialize(ctx, db, SQLite)
}

func initialize(ctx context.Context, db *sql.DB, dialect Dialect) (*SQL, error) {
	s := New(db, dialect)
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *SQL) Close() error {
	return s.db.Close()
}
