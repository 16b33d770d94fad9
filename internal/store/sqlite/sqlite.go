// Package sqlite is the local record-store adapter, used for offline
// development and as the statistics snapshot cache. It mirrors the
// remote adapter's semantics: per-day status tables seeded from config,
// partial row updates, NotFound on missing rows.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps a SQLite database connection with write serialization.
// SQLite only supports one writer at a time; the single connection plus
// the write mutex prevents transaction conflicts when polling and
// mutations overlap.
type Store struct {
	conn    *sql.DB
	writeMu sync.Mutex
}

// Open opens the database with WAL mode enabled and applies the schema.
func Open(dbPath string) (*Store, error) {
	dsn := dbPath + "?_journal=WAL&_fk=1&_busy_timeout=5000"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			log.Printf("Warning: failed to set %s: %v", pragma, err)
		}
	}

	s := &Store{conn: conn}
	if err := s.ensureSchema(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}

	log.Printf("Connected to SQLite store: %s", dbPath)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
