package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foxseedlab/heyamori/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

const roomColumns = `logical_id, room_id, kind, name, alias, topic, is_public, is_encrypted, has_maintainer, created_at, updated_at`

const sessionColumns = `id, logical_id, source_room_id, context_room_id, initiator_id, state, new_room_id, prompt_event_id, report, created_at, deadline, updated_at`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func scanPostgresRoom(row pgx.Row) (*repository.ManagedRoom, error) {
	var room repository.ManagedRoom
	var kind string
	err := row.Scan(&room.LogicalID, &room.RoomID, &kind, &room.Name, &room.Alias, &room.Topic,
		&room.IsPublic, &room.IsEncrypted, &room.HasMaintainer, &room.CreatedAt, &room.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	room.Kind = repository.RoomKind(kind)
	return &room, nil
}

func (r *PostgresRepository) GetRoom(ctx context.Context, logicalID string) (*repository.ManagedRoom, error) {
	return scanPostgresRoom(r.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM managed_rooms WHERE logical_id = $1`, logicalID))
}

func (r *PostgresRepository) GetRoomByRoomID(ctx context.Context, roomID string) (*repository.ManagedRoom, error) {
	if roomID == "" {
		return nil, nil
	}
	return scanPostgresRoom(r.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM managed_rooms WHERE room_id = $1 LIMIT 1`, roomID))
}

func (r *PostgresRepository) GetRoomByAlias(ctx context.Context, alias string) (*repository.ManagedRoom, error) {
	return scanPostgresRoom(r.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM managed_rooms WHERE alias = $1`, alias))
}

func (r *PostgresRepository) ListRooms(ctx context.Context, kind repository.RoomKind) ([]repository.ManagedRoom, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+roomColumns+` FROM managed_rooms WHERE $1 = '' OR kind::text = $1 ORDER BY logical_id ASC`,
		string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.ManagedRoom
	for rows.Next() {
		room, err := scanPostgresRoom(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *room)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) UpsertRoom(ctx context.Context, room repository.ManagedRoom) error {
	if room.Kind == "" {
		room.Kind = repository.RoomKindRoom
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO managed_rooms (logical_id, room_id, kind, name, alias, topic, is_public, is_encrypted, has_maintainer, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		 ON CONFLICT (logical_id) DO UPDATE SET
			room_id = EXCLUDED.room_id,
			kind = EXCLUDED.kind,
			name = EXCLUDED.name,
			alias = EXCLUDED.alias,
			topic = EXCLUDED.topic,
			is_public = EXCLUDED.is_public,
			is_encrypted = EXCLUDED.is_encrypted,
			has_maintainer = EXCLUDED.has_maintainer,
			updated_at = NOW()`,
		room.LogicalID, room.RoomID, string(room.Kind), room.Name, room.Alias, room.Topic,
		room.IsPublic, room.IsEncrypted, room.HasMaintainer)
	return err
}

func (r *PostgresRepository) DeleteRoom(ctx context.Context, logicalID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM managed_rooms WHERE logical_id = $1`, logicalID)
	return err
}

func scanPostgresSession(row pgx.Row) (*repository.RecreateSession, error) {
	var s repository.RecreateSession
	var state string
	err := row.Scan(&s.ID, &s.LogicalID, &s.SourceRoomID, &s.ContextRoomID, &s.InitiatorID, &state,
		&s.NewRoomID, &s.PromptEventID, &s.Report, &s.CreatedAt, &s.Deadline, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.State = repository.RecreateState(state)
	return &s, nil
}

func (r *PostgresRepository) CreateRecreateSession(ctx context.Context, s repository.RecreateSession) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO recreate_sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.LogicalID, s.SourceRoomID, s.ContextRoomID, s.InitiatorID, string(s.State),
		s.NewRoomID, s.PromptEventID, nullableJSON(s.Report), s.CreatedAt, s.Deadline, now)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", repository.ErrActiveSessionExists, s.LogicalID)
	}
	return err
}

func (r *PostgresRepository) UpdateRecreateSession(ctx context.Context, s repository.RecreateSession) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE recreate_sessions SET state = $2, new_room_id = $3, prompt_event_id = $4, report = $5, deadline = $6, updated_at = NOW()
		 WHERE id = $1`,
		s.ID, string(s.State), s.NewRoomID, s.PromptEventID, nullableJSON(s.Report), s.Deadline)
	return err
}

func (r *PostgresRepository) GetRecreateSession(ctx context.Context, id string) (*repository.RecreateSession, error) {
	return scanPostgresSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM recreate_sessions WHERE id = $1`, id))
}

func (r *PostgresRepository) GetActiveRecreateSession(ctx context.Context, logicalID string) (*repository.RecreateSession, error) {
	return scanPostgresSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM recreate_sessions
		 WHERE logical_id = $1 AND state NOT IN ('completed', 'cancelled', 'failed') LIMIT 1`, logicalID))
}

func (r *PostgresRepository) ListActiveRecreateSessions(ctx context.Context) ([]repository.RecreateSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM recreate_sessions
		 WHERE state NOT IN ('completed', 'cancelled', 'failed') ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.RecreateSession
	for rows.Next() {
		s, err := scanPostgresSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) GetCompletedRecreateSessionBySource(ctx context.Context, sourceRoomID string) (*repository.RecreateSession, error) {
	return scanPostgresSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM recreate_sessions
		 WHERE source_room_id = $1 AND state = 'completed' ORDER BY created_at DESC LIMIT 1`, sourceRoomID))
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
