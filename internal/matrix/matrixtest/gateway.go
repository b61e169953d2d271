// Package matrixtest provides an in-memory matrix.Gateway for tests.
package matrixtest

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/foxseedlab/heyamori/internal/matrix"
)

type Room struct {
	State   map[string]json.RawMessage
	Members map[string]string
}

type SentMessage struct {
	RoomID  string
	EventID string
	Message matrix.Message
}

// Gateway keeps rooms, aliases and directory entries in memory and enforces
// power levels on state writes the way a homeserver would.
type Gateway struct {
	mu        sync.Mutex
	user      string
	server    string
	nextID    int
	Rooms     map[string]*Room
	Aliases   map[string]string
	Directory map[string]string
	Messages  []SentMessage
	Created   []matrix.CreateRoomSpec
	// Mutations lists every attempted write as "op room target".
	Mutations []string
	// Fail, when set, is consulted before every call. A non-nil error is
	// returned instead of performing the call.
	Fail func(op, roomID, target string) error
}

func NewGateway(userID, serverName string) *Gateway {
	return &Gateway{
		user:      userID,
		server:    serverName,
		Rooms:     map[string]*Room{},
		Aliases:   map[string]string{},
		Directory: map[string]string{},
	}
}

// AddRoom seeds a room with power levels and memberships.
func (g *Gateway) AddRoom(roomID string, powerLevels map[string]any, members map[string]string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	room := &Room{State: map[string]json.RawMessage{}, Members: maps.Clone(members)}
	if room.Members == nil {
		room.Members = map[string]string{}
	}
	if powerLevels != nil {
		room.State[matrix.EventTypePowerLevels] = mustJSON(powerLevels)
	}
	g.Rooms[roomID] = room
	return room
}

func (g *Gateway) SetRawState(roomID, eventType string, content any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Rooms[roomID].State[eventType] = mustJSON(content)
}

func (g *Gateway) State(roomID, eventType string) map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.Rooms[roomID]
	if !ok {
		return nil
	}
	raw, ok := room.State[eventType]
	if !ok {
		return nil
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}

func (g *Gateway) Membership(roomID, userID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if room, ok := g.Rooms[roomID]; ok {
		return room.Members[userID]
	}
	return ""
}

func (g *Gateway) MutationCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Mutations)
}

func (g *Gateway) SentMessages() []SentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.Messages)
}

func (g *Gateway) RoomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Rooms)
}

func (g *Gateway) UserID() string     { return g.user }
func (g *Gateway) ServerName() string { return g.server }

func (g *Gateway) CreateRoom(_ context.Context, spec matrix.CreateRoomSpec) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Mutations = append(g.Mutations, "create_room  "+spec.Alias)
	if err := g.fail("create_room", "", spec.Alias); err != nil {
		return "", err
	}
	if spec.Alias != "" {
		if _, taken := g.Aliases[matrix.FullAlias(spec.Alias, g.server)]; taken {
			return "", &matrix.GatewayError{Kind: matrix.KindConflict, Op: "create room", Code: "M_ROOM_IN_USE", StatusCode: 400}
		}
	}
	g.nextID++
	roomID := fmt.Sprintf("!room%d:%s", g.nextID, g.server)
	room := &Room{State: map[string]json.RawMessage{}, Members: map[string]string{g.user: matrix.MembershipJoin}}

	create := map[string]any{"creator": g.user, "m.federate": spec.Federate}
	if spec.Space {
		create["type"] = "m.space"
	}
	if spec.Predecessor != nil {
		create["predecessor"] = map[string]any{"room_id": spec.Predecessor.RoomID, "event_id": spec.Predecessor.EventID}
	}
	room.State[matrix.EventTypeCreate] = mustJSON(create)

	pl := map[string]any{
		"users":         map[string]any{g.user: 100},
		"users_default": 0,
		"state_default": 50,
		"events":        map[string]any{matrix.EventTypePowerLevels: 100},
	}
	maps.Copy(pl, spec.PowerLevelContentOverride)
	room.State[matrix.EventTypePowerLevels] = mustJSON(pl)
	if spec.Name != "" {
		room.State[matrix.EventTypeName] = mustJSON(map[string]any{"name": spec.Name})
	}
	if spec.Topic != "" {
		room.State[matrix.EventTypeTopic] = mustJSON(map[string]any{"topic": spec.Topic})
	}
	for _, ev := range spec.InitialState {
		room.State[ev.Type] = mustJSON(ev.Content)
	}
	if spec.Alias != "" {
		full := matrix.FullAlias(spec.Alias, g.server)
		g.Aliases[full] = roomID
		room.State[matrix.EventTypeCanonicalAlias] = mustJSON(map[string]any{"alias": full})
	}
	g.Directory[roomID] = spec.Visibility
	g.Rooms[roomID] = room
	g.Created = append(g.Created, spec)
	return roomID, nil
}

func (g *Gateway) ResolveAlias(_ context.Context, alias string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("resolve_alias", "", alias); err != nil {
		return "", err
	}
	roomID, ok := g.Aliases[alias]
	if !ok {
		return "", notFound("resolve alias")
	}
	return roomID, nil
}

func (g *Gateway) GetState(_ context.Context, roomID, eventType string) (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("get_state", roomID, eventType); err != nil {
		return nil, err
	}
	room, ok := g.Rooms[roomID]
	if !ok {
		return nil, notFound("get state")
	}
	raw, ok := room.State[eventType]
	if !ok {
		return nil, notFound("get state")
	}
	return raw, nil
}

func (g *Gateway) SetState(_ context.Context, roomID, eventType string, content any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Mutations = append(g.Mutations, "set_state "+roomID+" "+eventType)
	if err := g.fail("set_state", roomID, eventType); err != nil {
		return err
	}
	room, ok := g.Rooms[roomID]
	if !ok {
		return notFound("set state")
	}
	pl, err := matrix.ParsePowerLevels(room.State[matrix.EventTypePowerLevels])
	if err != nil {
		return err
	}
	if pl.UserLevel(g.user) < pl.StateLevel(eventType) {
		return &matrix.GatewayError{Kind: matrix.KindPermission, Op: "set state", Code: "M_FORBIDDEN", StatusCode: 403}
	}
	room.State[eventType] = mustJSON(content)
	return nil
}

func (g *Gateway) GetMembers(_ context.Context, roomID string) ([]matrix.Member, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("get_members", roomID, ""); err != nil {
		return nil, err
	}
	room, ok := g.Rooms[roomID]
	if !ok {
		return nil, notFound("get members")
	}
	members := make([]matrix.Member, 0, len(room.Members))
	for _, userID := range slices.Sorted(maps.Keys(room.Members)) {
		members = append(members, matrix.Member{UserID: userID, Membership: room.Members[userID]})
	}
	return members, nil
}

func (g *Gateway) Invite(_ context.Context, roomID, userID string) error {
	return g.setMembership("invite", roomID, userID, matrix.MembershipInvite)
}

func (g *Gateway) ForceJoin(_ context.Context, roomID, userID string) error {
	return g.setMembership("force_join", roomID, userID, matrix.MembershipJoin)
}

func (g *Gateway) JoinRoom(_ context.Context, roomID string) error {
	return g.setMembership("join", roomID, g.user, matrix.MembershipJoin)
}

func (g *Gateway) LeaveRoom(_ context.Context, roomID string) error {
	return g.setMembership("leave", roomID, g.user, matrix.MembershipLeave)
}

func (g *Gateway) setMembership(op, roomID, userID, membership string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Mutations = append(g.Mutations, op+" "+roomID+" "+userID)
	if err := g.fail(op, roomID, userID); err != nil {
		return err
	}
	room, ok := g.Rooms[roomID]
	if !ok {
		return notFound(op)
	}
	if membership == matrix.MembershipInvite && room.Members[userID] == matrix.MembershipJoin {
		return nil
	}
	room.Members[userID] = membership
	return nil
}

func (g *Gateway) SendMessage(_ context.Context, roomID string, msg matrix.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("send_message", roomID, ""); err != nil {
		return "", err
	}
	g.nextID++
	eventID := fmt.Sprintf("$event%d", g.nextID)
	g.Messages = append(g.Messages, SentMessage{RoomID: roomID, EventID: eventID, Message: msg})
	return eventID, nil
}

func (g *Gateway) PutAlias(_ context.Context, alias, roomID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Mutations = append(g.Mutations, "put_alias "+roomID+" "+alias)
	if err := g.fail("put_alias", roomID, alias); err != nil {
		return err
	}
	if _, taken := g.Aliases[alias]; taken {
		return &matrix.GatewayError{Kind: matrix.KindConflict, Op: "put alias", Code: "M_UNKNOWN", StatusCode: 409}
	}
	g.Aliases[alias] = roomID
	return nil
}

func (g *Gateway) DeleteAlias(_ context.Context, alias string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Mutations = append(g.Mutations, "delete_alias  "+alias)
	if err := g.fail("delete_alias", "", alias); err != nil {
		return err
	}
	if _, ok := g.Aliases[alias]; !ok {
		return notFound("delete alias")
	}
	delete(g.Aliases, alias)
	return nil
}

func (g *Gateway) GetDirectoryVisibility(_ context.Context, roomID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("get_directory_visibility", roomID, ""); err != nil {
		return "", err
	}
	if v := g.Directory[roomID]; v != "" {
		return v, nil
	}
	return matrix.VisibilityPrivate, nil
}

func (g *Gateway) SetDirectoryVisibility(_ context.Context, roomID, visibility string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Mutations = append(g.Mutations, "set_directory_visibility "+roomID+" "+visibility)
	if err := g.fail("set_directory_visibility", roomID, visibility); err != nil {
		return err
	}
	g.Directory[roomID] = visibility
	return nil
}

func (g *Gateway) fail(op, roomID, target string) error {
	if g.Fail == nil {
		return nil
	}
	return g.Fail(op, roomID, target)
}

func notFound(op string) error {
	return &matrix.GatewayError{Kind: matrix.KindNotFound, Op: op, Code: "M_NOT_FOUND", StatusCode: 404}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
