// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
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

// Package store owns all PostgreSQL access: schema migration and the typed
// operations over the five table namespaces (identity_, logbook_, scm_,
// analysis_, governance_). Concurrency coordination lives here too: outbox
// and job claims use row locks with SKIP LOCKED, state transitions are
// guarded by (id, locked_by), and the kv namespace offers version CAS.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// PostgreSQL error codes the store reacts to.
const (
	pgCodeUniqueViolation = "23505"
	pgCodeQueryCanceled   = "57014"
)

// Sentinel errors surfaced to callers.
var (
	// ErrVersionConflict reports a lost compare-and-set race on the kv
	// namespace.
	ErrVersionConflict = errors.New("store: kv version conflict")
	// ErrNotFound reports a lookup that matched no row.
	ErrNotFound = errors.New("store: not found")
)

// Config describes a database connection.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Schema is the target schema; empty means the DSN's default
	// search_path (normally public).
	Schema string
}

// Store wraps the connection pool. All methods are safe for concurrent use.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger
}

// Open connects, pings, and returns a Store. Migration is a separate step
// (see Migrate); a process that cannot reach the database at startup should
// treat the error as fatal.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db, log: log.Named("store")}, nil
}

// NewWithDB wraps an existing pool. Tests use this with sqlmock.
func NewWithDB(db *sqlx.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log.Named("store")}
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports database reachability; the ops health endpoint uses it.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// IsUniqueViolation reports whether err is a unique-constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgCodeUniqueViolation
}

// IsQueryCanceled reports whether err is a server-side statement cancel,
// typically a statement_timeout firing.
func IsQueryCanceled(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgCodeQueryCanceled
}
