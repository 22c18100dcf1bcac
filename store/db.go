/*
Copyright 2025 GrowSync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/verdantlabs/growsync/config"
	"github.com/verdantlabs/growsync/internal/syncerror"
)

// Store is the embedded durable local store. All writes go through Write so
// sibling mutations (a local effect plus its outbox entry) commit or roll
// back together; SQLite serializes writers, the mutex keeps the driver from
// returning busy errors under concurrent write scopes.
type Store struct {
	Conn *sql.DB

	writeMu   sync.Mutex
	observers *observerRegistry
}

func NewStore(configuration *config.Configuration) (IStore, error) {
	return ConnectStore(configuration.Store.Path)
}

// ConnectStore opens (or creates) the SQLite database at path and ensures the
// schema exists.
func ConnectStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to open local store", err)
	}
	if err := db.Ping(); err != nil {
		return nil, syncerror.New(syncerror.ErrStorage, "Failed to connect to local store", err)
	}

	s := &Store{Conn: db, observers: newObserverRegistry()}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

// Write executes fn inside one atomic write scope. Every mutation made
// through tx commits or rolls back as a unit; observers are notified only
// after a successful commit.
func (s *Store) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.Conn.BeginTx(ctx, nil)
	if err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to begin write scope", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return syncerror.New(syncerror.ErrStorage, "Failed to commit write scope", err)
	}

	s.notifyObservers(ctx)
	return nil
}

// Close releases the underlying connection and all observer channels.
func (s *Store) Close() error {
	s.observers.closeAll()
	return s.Conn.Close()
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbox (
			entry_id TEXT PRIMARY KEY,
			operation TEXT NOT NULL,
			payload TEXT NOT NULL,
			client_tx_id TEXT NOT NULL UNIQUE,
			idempotency_key TEXT NOT NULL UNIQUE,
			stream TEXT NOT NULL,
			entity_type TEXT,
			entity_id TEXT,
			status TEXT NOT NULL,
			retries INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL,
			last_attempt_at TIMESTAMP,
			next_attempt_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_stream ON outbox(stream, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_entity ON outbox(entity_type, entity_id)`,
		`CREATE TABLE IF NOT EXISTS outbox_archive (
			entry_id TEXT PRIMARY KEY,
			operation TEXT NOT NULL,
			payload TEXT NOT NULL,
			client_tx_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			stream TEXT NOT NULL,
			retries INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			done_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entities (
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			fields TEXT NOT NULL,
			stale INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (entity_type, entity_id)
		)`,
		`CREATE TABLE IF NOT EXISTS shadow_records (
			client_tx_id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			server_id TEXT NOT NULL,
			server_updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shadow_server ON shadow_records(entity_type, server_id)`,
		`CREATE TABLE IF NOT EXISTS reports (
			report_id TEXT PRIMARY KEY,
			content_type TEXT NOT NULL,
			content_id TEXT NOT NULL,
			subject_user_id TEXT NOT NULL,
			reported_by_id TEXT NOT NULL,
			reason TEXT,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP,
			resolved_by_id TEXT,
			resolution_notes TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			user_id TEXT NOT NULL,
			related_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, related_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS claims (
			report_id TEXT PRIMARY KEY REFERENCES reports(report_id),
			claimed_by TEXT NOT NULL,
			claimed_at TIMESTAMP NOT NULL,
			claim_expires_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.Conn.Exec(stmt); err != nil {
			return syncerror.New(syncerror.ErrStorage, "Failed to create schema", err)
		}
	}
	return nil
}
