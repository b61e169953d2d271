package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresMigrationStatements = []string{
	`DO $$ BEGIN CREATE TYPE room_kind AS ENUM ('room', 'space'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE TABLE IF NOT EXISTS managed_rooms (
		logical_id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL DEFAULT '',
		kind room_kind NOT NULL DEFAULT 'room',
		name TEXT NOT NULL DEFAULT '',
		alias TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		is_encrypted BOOLEAN NOT NULL DEFAULT TRUE,
		has_maintainer BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_managed_rooms_alias ON managed_rooms (alias)`,
	`CREATE INDEX IF NOT EXISTS idx_managed_rooms_room_id ON managed_rooms (room_id) WHERE room_id <> ''`,
	`CREATE TABLE IF NOT EXISTS recreate_sessions (
		id UUID PRIMARY KEY,
		logical_id TEXT NOT NULL,
		source_room_id TEXT NOT NULL,
		context_room_id TEXT NOT NULL,
		initiator_id TEXT NOT NULL,
		state TEXT NOT NULL,
		new_room_id TEXT NOT NULL DEFAULT '',
		prompt_event_id TEXT NOT NULL DEFAULT '',
		report JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		deadline TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_recreate_sessions_active ON recreate_sessions (logical_id)
		WHERE state NOT IN ('completed', 'cancelled', 'failed')`,
	`CREATE INDEX IF NOT EXISTS idx_recreate_sessions_latest ON recreate_sessions (logical_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_recreate_sessions_source ON recreate_sessions (source_room_id, created_at DESC)
		WHERE state = 'completed'`,
}

var sqliteMigrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS managed_rooms (
		logical_id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT 'room' CHECK (kind IN ('room', 'space')),
		name TEXT NOT NULL DEFAULT '',
		alias TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		is_public INTEGER NOT NULL DEFAULT 0,
		is_encrypted INTEGER NOT NULL DEFAULT 1,
		has_maintainer INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_managed_rooms_alias ON managed_rooms (alias)`,
	`CREATE INDEX IF NOT EXISTS idx_managed_rooms_room_id ON managed_rooms (room_id)`,
	`CREATE TABLE IF NOT EXISTS recreate_sessions (
		id TEXT PRIMARY KEY,
		logical_id TEXT NOT NULL,
		source_room_id TEXT NOT NULL,
		context_room_id TEXT NOT NULL,
		initiator_id TEXT NOT NULL,
		state TEXT NOT NULL,
		new_room_id TEXT NOT NULL DEFAULT '',
		prompt_event_id TEXT NOT NULL DEFAULT '',
		report BLOB,
		created_at INTEGER NOT NULL,
		deadline INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_recreate_sessions_active ON recreate_sessions (logical_id)
		WHERE state NOT IN ('completed', 'cancelled', 'failed')`,
	`CREATE INDEX IF NOT EXISTS idx_recreate_sessions_latest ON recreate_sessions (logical_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_recreate_sessions_source ON recreate_sessions (source_room_id, created_at)
		WHERE state = 'completed'`,
}

func RunPostgresMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range postgresMigrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func RunSQLiteMigration(ctx context.Context, db *sql.DB) error {
	for _, s := range sqliteMigrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
