package repository

import (
	"context"
	"errors"
)

// ErrActiveSessionExists is returned when a second non-terminal recreate
// session is stored for the same logical room.
var ErrActiveSessionExists = errors.New("active recreate session already exists")

// RoomRegistry lookups return (nil, nil) when nothing matches.
type RoomRegistry interface {
	GetRoom(ctx context.Context, logicalID string) (*ManagedRoom, error)
	GetRoomByRoomID(ctx context.Context, roomID string) (*ManagedRoom, error)
	GetRoomByAlias(ctx context.Context, alias string) (*ManagedRoom, error)
	ListRooms(ctx context.Context, kind RoomKind) ([]ManagedRoom, error)
	UpsertRoom(ctx context.Context, room ManagedRoom) error
	DeleteRoom(ctx context.Context, logicalID string) error
}

type SessionStore interface {
	CreateRecreateSession(ctx context.Context, s RecreateSession) error
	UpdateRecreateSession(ctx context.Context, s RecreateSession) error
	GetRecreateSession(ctx context.Context, id string) (*RecreateSession, error)
	GetActiveRecreateSession(ctx context.Context, logicalID string) (*RecreateSession, error)
	ListActiveRecreateSessions(ctx context.Context) ([]RecreateSession, error)
	// GetCompletedRecreateSessionBySource returns the latest completed
	// session that replaced sourceRoomID, under any logical ID.
	GetCompletedRecreateSessionBySource(ctx context.Context, sourceRoomID string) (*RecreateSession, error)
}

type Repository interface {
	RoomRegistry
	SessionStore
	Close() error
}
