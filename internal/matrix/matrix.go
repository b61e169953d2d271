package matrix

import (
	"context"
	"encoding/json"
)

const (
	EventTypeCreate         = "m.room.create"
	EventTypeName           = "m.room.name"
	EventTypeTopic          = "m.room.topic"
	EventTypeAvatar         = "m.room.avatar"
	EventTypeEncryption     = "m.room.encryption"
	EventTypePowerLevels    = "m.room.power_levels"
	EventTypeCanonicalAlias = "m.room.canonical_alias"

	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"

	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

type Member struct {
	UserID     string
	Membership string
}

func (m Member) Present() bool {
	return m.Membership == MembershipJoin || m.Membership == MembershipInvite
}

type Predecessor struct {
	RoomID  string
	EventID string
}

type CreateRoomSpec struct {
	Name                      string
	Topic                     string
	Alias                     string // localpart only
	Visibility                string
	Space                     bool
	Encrypted                 bool
	Federate                  bool
	InitialState              []StateEvent
	PowerLevelContentOverride map[string]any
	Predecessor               *Predecessor
}

type StateEvent struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
	Content  any    `json:"content"`
}

type Message struct {
	Body   string // markdown
	Notice bool
}

type MessageEvent struct {
	RoomID    string
	EventID   string
	Sender    string
	Body      string
	InReplyTo string
}

type ReactionEvent struct {
	RoomID    string
	EventID   string
	Sender    string
	Key       string
	RelatesTo string
}

type InviteEvent struct {
	RoomID string
	Sender string
}

// Gateway is the subset of the Matrix client-server and admin APIs the
// bot mutates rooms through. GetState returns an error matching
// ErrNotFound when the state event is absent.
type Gateway interface {
	UserID() string
	ServerName() string
	CreateRoom(ctx context.Context, spec CreateRoomSpec) (string, error)
	ResolveAlias(ctx context.Context, alias string) (string, error)
	GetState(ctx context.Context, roomID, eventType string) (json.RawMessage, error)
	SetState(ctx context.Context, roomID, eventType string, content any) error
	GetMembers(ctx context.Context, roomID string) ([]Member, error)
	Invite(ctx context.Context, roomID, userID string) error
	ForceJoin(ctx context.Context, roomID, userID string) error
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
	SendMessage(ctx context.Context, roomID string, msg Message) (string, error)
	PutAlias(ctx context.Context, alias, roomID string) error
	DeleteAlias(ctx context.Context, alias string) error
	GetDirectoryVisibility(ctx context.Context, roomID string) (string, error)
	SetDirectoryVisibility(ctx context.Context, roomID, visibility string) error
}

type Client interface {
	Gateway
	Connect(ctx context.Context) error
	Close() error
	RegisterMessageHandler(handler func(MessageEvent))
	RegisterReactionHandler(handler func(ReactionEvent))
	RegisterInviteHandler(handler func(InviteEvent))
	Run(ctx context.Context) error
}
