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

package store

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Public-schema privilege policies the migrator can apply.
const (
	PublicPolicyStrict     = "strict"
	PublicPolicyOpenMemory = "openmemory"
)

// MigrateOptions tunes the migration step.
type MigrateOptions struct {
	// ApplyRoles runs the privilege statements after the schema is up.
	ApplyRoles bool
	// PublicPolicy selects the privilege set: strict locks the public
	// schema down; openmemory additionally provisions the memory
	// service's schema.
	PublicPolicy string
	// OpenMemorySchema is the memory service's target schema.
	OpenMemorySchema string
}

// Migrate brings the schema up to date. Every run takes a session advisory
// lock keyed on engram_migrate:<schema|default> so concurrent migrators
// serialize; the statements themselves are idempotent. A failure here should
// stop the process from serving.
func (s *Store) Migrate(ctx context.Context, schema string, opts MigrateOptions) error {
	lockName := "engram_migrate:default"
	if schema != "" {
		lockName = "engram_migrate:" + schema
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("store: migrate conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock(hashtext($1))", lockName); err != nil {
		return fmt.Errorf("store: migrate lock %s: %w", lockName, err)
	}
	defer func() {
		_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", lockName)
	}()

	// Table placement inside a non-default schema comes from the DSN's
	// search_path; the migrator only guarantees the schema exists.
	if schema != "" {
		stmt := "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{schema}.Sanitize()
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: create schema %s: %w", schema, err)
		}
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	s.log.Info("migrations applied", zap.String("lock", lockName))

	if opts.ApplyRoles {
		if err := s.applyRoles(ctx, opts); err != nil {
			return err
		}
	}
	return nil
}

// applyRoles applies the requested privilege policy. Both policies revoke
// CREATE on public from PUBLIC; the openmemory policy also provisions the
// memory service's schema.
func (s *Store) applyRoles(ctx context.Context, opts MigrateOptions) error {
	stmts := []string{"REVOKE CREATE ON SCHEMA public FROM PUBLIC"}
	if opts.PublicPolicy == PublicPolicyOpenMemory {
		oms := opts.OpenMemorySchema
		if oms == "" {
			oms = "openmemory"
		}
		ident := pgx.Identifier{oms}.Sanitize()
		stmts = append(stmts,
			"CREATE SCHEMA IF NOT EXISTS "+ident,
			"GRANT USAGE ON SCHEMA "+ident+" TO PUBLIC",
		)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply roles %q: %w", stmt, err)
		}
	}
	s.log.Info("role policy applied", zap.String("policy", opts.PublicPolicy))
	return nil
}
