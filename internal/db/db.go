// Package db is the Postgres persistence layer: parcel selection for each
// enrichment pass, batched writebacks, composite scoring SQL, and the
// conviction join. Connections go through the pgx stdlib driver.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type DB struct {
	*sql.DB

	// URL is kept so long-running passes can open a fresh connection for
	// flushes. Managed hosts drop connections idle for more than a few
	// minutes, which is shorter than one scan batch.
	URL string
}

// Open connects and verifies the connection.
func Open(databaseURL string) (*DB, error) {
	sqlDB, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return &DB{DB: sqlDB, URL: databaseURL}, nil
}

// Reopen returns a fresh connection to the same database. Used by flush
// paths that may run hours after the pass opened its primary connection.
// A handle without a URL (injected via NewFromSQL) is returned as is.
func (db *DB) Reopen() (*DB, error) {
	if db.URL == "" {
		return db, nil
	}
	return Open(db.URL)
}

// NewFromSQL wraps an existing handle; tests inject sqlmock through this.
func NewFromSQL(sqlDB *sql.DB) *DB {
	return &DB{DB: sqlDB}
}
