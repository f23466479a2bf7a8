// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists the orchestrator's tenant records: sandbox records,
// topic identities and broker credentials. SQLite is the backing store; the
// unique constraints on tenant, container name, topic id and role names turn
// generation races into detectable conflicts instead of duplicate rows.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrConflict is returned when generated identifiers kept colliding with
	// existing rows after bounded retries.
	ErrConflict = errors.New("store: identifier conflict")
)

// maxGenerateAttempts bounds retries when a generated identifier collides
// with an existing unique value.
const maxGenerateAttempts = 5

// Store provides SQLite-backed persistence for tenant records.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the store at the given path.
// Special value ":memory:" creates an in-memory database.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}

	// WAL mode for concurrent readers, busy timeout to ride out writer locks.
	connStr := path
	if path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sandboxes (
			tenant         TEXT PRIMARY KEY,
			container_name TEXT UNIQUE NOT NULL,
			container_port INTEGER,
			sandbox_secret TEXT NOT NULL,
			is_configured  INTEGER NOT NULL DEFAULT 0,
			created_at     TIMESTAMP NOT NULL,
			updated_at     TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS topic_identities (
			tenant        TEXT PRIMARY KEY,
			topic_id      TEXT UNIQUE NOT NULL,
			sender_role   TEXT UNIQUE NOT NULL,
			receiver_role TEXT UNIQUE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS broker_credentials (
			username     TEXT PRIMARY KEY,
			tenant       TEXT NOT NULL,
			password     TEXT NOT NULL,
			display_name TEXT NOT NULL,
			role_name    TEXT NOT NULL,
			created_at   TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_broker_credentials_tenant
			ON broker_credentials(tenant)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: failed to create schema: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
// modernc.org/sqlite surfaces constraint failures as plain errors, so the
// message is the only discriminator available through database/sql.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// shortID returns a random 12-character hex identifier.
func shortID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("store: crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// newSecret returns a URL-safe random token suitable as a signing secret.
func newSecret() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("store: crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
