package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/foxseedlab/heyamori/internal/repository"
	"modernc.org/sqlite"
)

const (
	sqliteConstraint       = 19
	sqliteConstraintUnique = 2067
)

// SQLiteRepository stores timestamps as unix milliseconds.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	db.SetMaxOpenConns(1)
	return &SQLiteRepository{db: db, now: time.Now}
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRoom(row rowScanner) (*repository.ManagedRoom, error) {
	var room repository.ManagedRoom
	var kind string
	var createdAt, updatedAt int64
	err := row.Scan(&room.LogicalID, &room.RoomID, &kind, &room.Name, &room.Alias, &room.Topic,
		&room.IsPublic, &room.IsEncrypted, &room.HasMaintainer, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	room.Kind = repository.RoomKind(kind)
	room.CreatedAt = time.UnixMilli(createdAt).UTC()
	room.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &room, nil
}

func (r *SQLiteRepository) GetRoom(ctx context.Context, logicalID string) (*repository.ManagedRoom, error) {
	return scanSQLiteRoom(r.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM managed_rooms WHERE logical_id = ?`, logicalID))
}

func (r *SQLiteRepository) GetRoomByRoomID(ctx context.Context, roomID string) (*repository.ManagedRoom, error) {
	if roomID == "" {
		return nil, nil
	}
	return scanSQLiteRoom(r.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM managed_rooms WHERE room_id = ? LIMIT 1`, roomID))
}

func (r *SQLiteRepository) GetRoomByAlias(ctx context.Context, alias string) (*repository.ManagedRoom, error) {
	return scanSQLiteRoom(r.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM managed_rooms WHERE alias = ?`, alias))
}

func (r *SQLiteRepository) ListRooms(ctx context.Context, kind repository.RoomKind) ([]repository.ManagedRoom, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+roomColumns+` FROM managed_rooms WHERE ?1 = '' OR kind = ?1 ORDER BY logical_id ASC`,
		string(kind))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var list []repository.ManagedRoom
	for rows.Next() {
		room, err := scanSQLiteRoom(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *room)
	}
	return list, rows.Err()
}

func (r *SQLiteRepository) UpsertRoom(ctx context.Context, room repository.ManagedRoom) error {
	if room.Kind == "" {
		room.Kind = repository.RoomKindRoom
	}
	now := r.now().UnixMilli()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO managed_rooms (logical_id, room_id, kind, name, alias, topic, is_public, is_encrypted, has_maintainer, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (logical_id) DO UPDATE SET
			room_id = excluded.room_id,
			kind = excluded.kind,
			name = excluded.name,
			alias = excluded.alias,
			topic = excluded.topic,
			is_public = excluded.is_public,
			is_encrypted = excluded.is_encrypted,
			has_maintainer = excluded.has_maintainer,
			updated_at = excluded.updated_at`,
		room.LogicalID, room.RoomID, string(room.Kind), room.Name, room.Alias, room.Topic,
		room.IsPublic, room.IsEncrypted, room.HasMaintainer, now, now)
	return err
}

func (r *SQLiteRepository) DeleteRoom(ctx context.Context, logicalID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM managed_rooms WHERE logical_id = ?`, logicalID)
	return err
}

func scanSQLiteSession(row rowScanner) (*repository.RecreateSession, error) {
	var s repository.RecreateSession
	var state string
	var createdAt, deadline, updatedAt int64
	err := row.Scan(&s.ID, &s.LogicalID, &s.SourceRoomID, &s.ContextRoomID, &s.InitiatorID, &state,
		&s.NewRoomID, &s.PromptEventID, &s.Report, &createdAt, &deadline, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.State = repository.RecreateState(state)
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	s.Deadline = time.UnixMilli(deadline).UTC()
	s.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &s, nil
}

func (r *SQLiteRepository) CreateRecreateSession(ctx context.Context, s repository.RecreateSession) error {
	now := r.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO recreate_sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.LogicalID, s.SourceRoomID, s.ContextRoomID, s.InitiatorID, string(s.State),
		s.NewRoomID, s.PromptEventID, s.Report, s.CreatedAt.UnixMilli(), s.Deadline.UnixMilli(), now.UnixMilli())
	if isSQLiteUniqueViolation(err) {
		return fmt.Errorf("%w: %s", repository.ErrActiveSessionExists, s.LogicalID)
	}
	return err
}

func (r *SQLiteRepository) UpdateRecreateSession(ctx context.Context, s repository.RecreateSession) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE recreate_sessions SET state = ?, new_room_id = ?, prompt_event_id = ?, report = ?, deadline = ?, updated_at = ?
		 WHERE id = ?`,
		string(s.State), s.NewRoomID, s.PromptEventID, s.Report, s.Deadline.UnixMilli(), r.now().UnixMilli(), s.ID)
	return err
}

func (r *SQLiteRepository) GetRecreateSession(ctx context.Context, id string) (*repository.RecreateSession, error) {
	return scanSQLiteSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM recreate_sessions WHERE id = ?`, id))
}

func (r *SQLiteRepository) GetActiveRecreateSession(ctx context.Context, logicalID string) (*repository.RecreateSession, error) {
	return scanSQLiteSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM recreate_sessions
		 WHERE logical_id = ? AND state NOT IN ('completed', 'cancelled', 'failed') LIMIT 1`, logicalID))
}

func (r *SQLiteRepository) ListActiveRecreateSessions(ctx context.Context) ([]repository.RecreateSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM recreate_sessions
		 WHERE state NOT IN ('completed', 'cancelled', 'failed') ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var list []repository.RecreateSession
	for rows.Next() {
		s, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

func (r *SQLiteRepository) GetCompletedRecreateSessionBySource(ctx context.Context, sourceRoomID string) (*repository.RecreateSession, error) {
	return scanSQLiteSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM recreate_sessions
		 WHERE source_room_id = ? AND state = 'completed' ORDER BY created_at DESC, rowid DESC LIMIT 1`, sourceRoomID))
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqliteConstraint || code == sqliteConstraintUnique
	}
	return false
}
