package repository

import "time"

type RoomKind string

const (
	RoomKindRoom  RoomKind = "room"
	RoomKindSpace RoomKind = "space"
)

// ManagedRoom is the desired state of one logical room. RoomID is empty
// until the room has been resolved or created.
type ManagedRoom struct {
	LogicalID     string
	RoomID        string
	Kind          RoomKind
	Name          string
	Alias         string
	Topic         string
	IsPublic      bool
	IsEncrypted   bool
	HasMaintainer bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (r ManagedRoom) IsSpace() bool {
	return r.Kind == RoomKindSpace
}

type RecreateState string

const (
	RecreateStateRequested            RecreateState = "requested"
	RecreateStateAwaitingConfirmation RecreateState = "awaiting_confirmation"
	RecreateStateCreating             RecreateState = "creating"
	RecreateStateMigrating            RecreateState = "migrating"
	RecreateStateRelabeling           RecreateState = "relabeling"
	RecreateStateLinking              RecreateState = "linking"
	RecreateStateCompleted            RecreateState = "completed"
	RecreateStateCancelled            RecreateState = "cancelled"
	RecreateStateFailed               RecreateState = "failed"
)

func (s RecreateState) Terminal() bool {
	switch s {
	case RecreateStateCompleted, RecreateStateCancelled, RecreateStateFailed:
		return true
	}
	return false
}

// Executing reports whether the state belongs to the mutating phase that
// starts after confirmation.
func (s RecreateState) Executing() bool {
	switch s {
	case RecreateStateCreating, RecreateStateMigrating, RecreateStateRelabeling, RecreateStateLinking:
		return true
	}
	return false
}

type RecreateSession struct {
	ID            string
	LogicalID     string
	SourceRoomID  string
	ContextRoomID string
	InitiatorID   string
	State         RecreateState
	NewRoomID     string
	PromptEventID string
	Report        []byte
	CreatedAt     time.Time
	Deadline      time.Time
	UpdatedAt     time.Time
}
