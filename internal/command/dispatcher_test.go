package command

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/heyamori/internal/config"
	"github.com/foxseedlab/heyamori/internal/confirm"
	"github.com/foxseedlab/heyamori/internal/convergence"
	"github.com/foxseedlab/heyamori/internal/matrix"
	"github.com/foxseedlab/heyamori/internal/matrix/matrixtest"
	"github.com/foxseedlab/heyamori/internal/repository"
	"github.com/foxseedlab/heyamori/internal/session"
)

const (
	botID         = "@bot:example.org"
	adminID       = "@admin:example.org"
	coordinatorID = "@coord:example.org"
	userID        = "@user:example.org"
	commandRoom   = "!control:example.org"
)

type mockRegistry struct {
	mu    sync.Mutex
	rooms map[string]repository.ManagedRoom
}

func newMockRegistry(rooms ...repository.ManagedRoom) *mockRegistry {
	m := &mockRegistry{rooms: map[string]repository.ManagedRoom{}}
	for _, r := range rooms {
		m.rooms[r.LogicalID] = r
	}
	return m
}

func (m *mockRegistry) GetRoom(_ context.Context, logicalID string) (*repository.ManagedRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[logicalID]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *mockRegistry) GetRoomByRoomID(_ context.Context, roomID string) (*repository.ManagedRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		if r.RoomID == roomID {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *mockRegistry) GetRoomByAlias(_ context.Context, alias string) (*repository.ManagedRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		if r.Alias == alias {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *mockRegistry) ListRooms(_ context.Context, kind repository.RoomKind) ([]repository.ManagedRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.ManagedRoom
	for _, r := range m.rooms {
		if kind == "" || r.Kind == kind {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRegistry) UpsertRoom(_ context.Context, room repository.ManagedRoom) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.LogicalID] = room
	return nil
}

func (m *mockRegistry) DeleteRoom(_ context.Context, logicalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, logicalID)
	return nil
}

type mockReconciler struct {
	reconciled []repository.ManagedRoom
	allCalls   int
	noAdmin    []convergence.NoAdminRoom
}

func (m *mockReconciler) Reconcile(_ context.Context, room repository.ManagedRoom, _ config.Policy) convergence.Result {
	m.reconciled = append(m.reconciled, room)
	return convergence.Result{LogicalID: room.LogicalID, RoomID: "!created:example.org", Created: true}
}

func (m *mockReconciler) ReconcileAll(_ context.Context, _ config.Policy) (convergence.Report, error) {
	m.allCalls++
	return convergence.Report{Results: []convergence.Result{{LogicalID: "general", RoomID: "!g:example.org"}}}, nil
}

func (m *mockReconciler) ListNoAdmin(_ context.Context, _ repository.RoomKind) ([]convergence.NoAdminRoom, error) {
	return m.noAdmin, nil
}

type mockRecreator struct {
	requests      []session.Request
	confirmations []confirm.Message
	answerErr     error
	err           error
}

func (m *mockRecreator) RequestRecreate(_ context.Context, req session.Request, _ config.Policy) (*repository.RecreateSession, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return &repository.RecreateSession{ID: "s1", LogicalID: req.LogicalID}, nil
}

func (m *mockRecreator) HandleConfirmation(_ context.Context, msg confirm.Message) error {
	m.confirmations = append(m.confirmations, msg)
	return m.answerErr
}

type fixture struct {
	gw         *matrixtest.Gateway
	registry   *mockRegistry
	reconciler *mockReconciler
	recreator  *mockRecreator
	dispatcher *Dispatcher
}

func newFixture(rooms ...repository.ManagedRoom) *fixture {
	f := &fixture{
		gw:         matrixtest.NewGateway(botID, "example.org"),
		registry:   newMockRegistry(rooms...),
		reconciler: &mockReconciler{},
		recreator:  &mockRecreator{answerErr: confirm.ErrNoPending},
	}
	f.gw.AddRoom(commandRoom, map[string]any{"users": map[string]any{botID: 100}}, map[string]string{botID: matrix.MembershipJoin})
	policy := config.Policy{
		BotUserID:    botID,
		ServerName:   "example.org",
		Admins:       []string{adminID},
		Coordinators: []string{coordinatorID},
	}
	f.dispatcher = NewDispatcher(f.gw, f.registry, f.reconciler, f.recreator, nil, nil, policy, "!c", matrix.RetryPolicy{Attempts: 1, BaseDelay: time.Millisecond})
	return f
}

func (f *fixture) send(sender, body string) {
	f.dispatcher.HandleMessage(context.Background(), matrix.MessageEvent{RoomID: commandRoom, EventID: "$cmd", Sender: sender, Body: body})
}

func (f *fixture) lastReply(t *testing.T) string {
	t.Helper()
	msgs := f.gw.SentMessages()
	if len(msgs) == 0 {
		t.Fatal("expected a reply")
	}
	return msgs[len(msgs)-1].Message.Body
}

func TestHandleMessage_IgnoresOtherText(t *testing.T) {
	f := newFixture()
	f.send(coordinatorID, "hello there")
	f.send(coordinatorID, "!corgi rooms")
	f.send(botID, "!c rooms")
	if n := len(f.gw.SentMessages()); n != 0 {
		t.Fatalf("expected no replies, got %d", n)
	}
}

func TestHandleMessage_Help(t *testing.T) {
	f := newFixture()
	f.send(userID, "!c")
	if !strings.Contains(f.lastReply(t), "rooms recreate") {
		t.Fatalf("expected help text, got %q", f.lastReply(t))
	}
}

func TestHandleMessage_CoordinatorCommandsRequireTier(t *testing.T) {
	f := newFixture()
	f.send(userID, "!c reconcile")
	if f.reconciler.allCalls != 0 {
		t.Fatal("unauthorized user must not trigger reconcile")
	}
	if f.lastReply(t) != messageCoordinatorsOnly {
		t.Fatalf("unexpected reply: %q", f.lastReply(t))
	}

	f.send(coordinatorID, "!c reconcile")
	if f.reconciler.allCalls != 1 {
		t.Fatal("expected reconcile to run for coordinator")
	}
	if !strings.HasPrefix(f.lastReply(t), "Reconciled 1 rooms") {
		t.Fatalf("unexpected reply: %q", f.lastReply(t))
	}
}

func TestHandleMessage_ListRooms(t *testing.T) {
	f := newFixture(
		repository.ManagedRoom{LogicalID: "general", Kind: repository.RoomKindRoom, Name: "General", Alias: "general", RoomID: "!g:example.org", IsEncrypted: true, HasMaintainer: true},
		repository.ManagedRoom{LogicalID: "hub", Kind: repository.RoomKindSpace, Name: "Hub", Alias: "hub"},
	)
	f.send(coordinatorID, "!c rooms")
	reply := f.lastReply(t)
	if !strings.Contains(reply, "General / #general:example.org / !g:example.org (encrypted)") || strings.Contains(reply, "Hub") {
		t.Fatalf("unexpected room list: %q", reply)
	}
	f.send(coordinatorID, "!c spaces list")
	if !strings.Contains(f.lastReply(t), "Hub / #hub:example.org / not created yet") {
		t.Fatalf("unexpected space list: %q", f.lastReply(t))
	}
}

func TestHandleMessage_CreateRegistersAndReconciles(t *testing.T) {
	f := newFixture()
	f.send(coordinatorID, `!c rooms create "Design Team" design "Design talk" yes no`)

	room, _ := f.registry.GetRoom(context.Background(), "design")
	want := repository.ManagedRoom{LogicalID: "design", Kind: repository.RoomKindRoom, Name: "Design Team", Alias: "design", Topic: "Design talk", IsEncrypted: true}
	if room == nil || !reflect.DeepEqual(*room, want) {
		t.Fatalf("unexpected registered room: %+v", room)
	}
	if len(f.reconciler.reconciled) != 1 || f.reconciler.reconciled[0].LogicalID != "design" {
		t.Fatalf("expected immediate reconcile, got %+v", f.reconciler.reconciled)
	}
	if !strings.HasPrefix(f.lastReply(t), "Created #design:example.org") {
		t.Fatalf("unexpected reply: %q", f.lastReply(t))
	}
}

func TestHandleMessage_CreateRejectsInvalidInput(t *testing.T) {
	f := newFixture(repository.ManagedRoom{LogicalID: "general", Alias: "general"})

	f.send(coordinatorID, `!c rooms create Name "Bad Alias" Topic yes no`)
	if !strings.Contains(f.lastReply(t), "outside") {
		t.Fatalf("expected alias validation error, got %q", f.lastReply(t))
	}
	f.send(coordinatorID, `!c rooms create Name general Topic yes no`)
	if !strings.Contains(f.lastReply(t), "already exists") {
		t.Fatalf("expected duplicate alias error, got %q", f.lastReply(t))
	}
	f.send(coordinatorID, `!c rooms create Name other Topic maybe no`)
	if !strings.Contains(f.lastReply(t), "expected yes or no") {
		t.Fatalf("expected flag error, got %q", f.lastReply(t))
	}
	if len(f.reconciler.reconciled) != 0 {
		t.Fatal("invalid input must not reconcile")
	}
}

func TestHandleMessage_UnlinkAndLeave(t *testing.T) {
	f := newFixture(repository.ManagedRoom{LogicalID: "general", Alias: "general", RoomID: "!g:example.org"})
	f.gw.AddRoom("!g:example.org", nil, map[string]string{botID: matrix.MembershipJoin})

	f.send(coordinatorID, "!c rooms unlink-and-leave #general:example.org")

	if room, _ := f.registry.GetRoom(context.Background(), "general"); room != nil {
		t.Fatal("expected room to be unlinked")
	}
	if f.gw.Membership("!g:example.org", botID) != matrix.MembershipLeave {
		t.Fatal("expected bot to leave the room")
	}
	if !strings.Contains(f.lastReply(t), "left the room") {
		t.Fatalf("unexpected reply: %q", f.lastReply(t))
	}
}

func TestHandleMessage_RecreateRequiresAdmin(t *testing.T) {
	f := newFixture()
	f.send(coordinatorID, "!c rooms recreate")
	if len(f.recreator.requests) != 0 {
		t.Fatal("coordinator must not start a recreate")
	}
	if f.lastReply(t) != messageAdminsOnly {
		t.Fatalf("unexpected reply: %q", f.lastReply(t))
	}
}

func TestHandleMessage_RecreateTargets(t *testing.T) {
	f := newFixture(repository.ManagedRoom{LogicalID: "general", Alias: "general", RoomID: "!g:example.org"})

	f.send(adminID, "!c rooms recreate general")
	f.send(adminID, "!c rooms recreate")
	want := []session.Request{
		{LogicalID: "general", SourceRoomID: "!g:example.org", ContextRoomID: commandRoom, InitiatorID: adminID},
		{SourceRoomID: commandRoom, ContextRoomID: commandRoom, InitiatorID: adminID},
	}
	if !reflect.DeepEqual(f.recreator.requests, want) {
		t.Fatalf("unexpected requests: %+v", f.recreator.requests)
	}

	f.recreator.err = session.ErrSessionConflict
	f.send(adminID, "!c rooms recreate general")
	if f.lastReply(t) != messageRecreatePending {
		t.Fatalf("unexpected reply: %q", f.lastReply(t))
	}
}

func TestHandleMessage_RecreateConfirmAndCancel(t *testing.T) {
	f := newFixture()
	f.send(adminID, "!c rooms recreate confirm")
	if f.lastReply(t) != messageNoPendingConfirmation {
		t.Fatalf("unexpected reply: %q", f.lastReply(t))
	}

	f.recreator.answerErr = nil
	f.send(adminID, "!c rooms recreate cancel")
	want := []confirm.Message{
		{ContextID: commandRoom, SenderID: adminID, Accepted: true},
		{ContextID: commandRoom, SenderID: adminID, Accepted: false},
	}
	if !reflect.DeepEqual(f.recreator.confirmations, want) {
		t.Fatalf("unexpected confirmations: %+v", f.recreator.confirmations)
	}
}

func TestHandleReactionAndReply_FeedConfirmations(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.dispatcher.HandleReaction(ctx, matrix.ReactionEvent{RoomID: commandRoom, Sender: adminID, Key: "👍", RelatesTo: "$prompt"})
	f.dispatcher.HandleReaction(ctx, matrix.ReactionEvent{RoomID: commandRoom, Sender: adminID, Key: "🎉", RelatesTo: "$prompt"})
	f.dispatcher.HandleReaction(ctx, matrix.ReactionEvent{RoomID: commandRoom, Sender: adminID, Key: "❌", RelatesTo: "$prompt"})
	f.dispatcher.HandleMessage(ctx, matrix.MessageEvent{RoomID: commandRoom, Sender: adminID, Body: "Yes!", InReplyTo: "$prompt"})

	want := []confirm.Message{
		{ContextID: commandRoom, SenderID: adminID, RelatesTo: "$prompt", Accepted: true},
		{ContextID: commandRoom, SenderID: adminID, RelatesTo: "$prompt", Accepted: false},
		{ContextID: commandRoom, SenderID: adminID, RelatesTo: "$prompt", Accepted: true},
	}
	if !reflect.DeepEqual(f.recreator.confirmations, want) {
		t.Fatalf("unexpected confirmations: %+v", f.recreator.confirmations)
	}
}

func TestConfirmation_AmbiguousAnswerAsksForPrompt(t *testing.T) {
	f := newFixture()
	f.recreator.answerErr = confirm.ErrAmbiguous

	f.send(adminID, "!c rooms recreate confirm")
	if f.lastReply(t) != messageAmbiguousConfirmation {
		t.Fatalf("unexpected reply: %q", f.lastReply(t))
	}

	before := len(f.gw.SentMessages())
	f.dispatcher.HandleReaction(context.Background(), matrix.ReactionEvent{RoomID: commandRoom, Sender: adminID, Key: "👍", RelatesTo: "$old-prompt"})
	if len(f.gw.SentMessages()) != before+1 || f.lastReply(t) != messageAmbiguousConfirmation {
		t.Fatalf("expected ambiguous reaction to be answered, got %q", f.lastReply(t))
	}

	// Answers that match nothing stay silent outside the explicit command.
	f.recreator.answerErr = confirm.ErrNoPending
	before = len(f.gw.SentMessages())
	f.dispatcher.HandleReaction(context.Background(), matrix.ReactionEvent{RoomID: commandRoom, Sender: adminID, Key: "👍", RelatesTo: "$other"})
	if len(f.gw.SentMessages()) != before {
		t.Fatal("unmatched reaction must not be answered")
	}
}

func TestHandleInvite_JoinsOnlyForAuthorizedInviters(t *testing.T) {
	f := newFixture()
	f.gw.AddRoom("!invited:example.org", nil, map[string]string{botID: matrix.MembershipInvite})
	f.gw.AddRoom("!spam:example.org", nil, map[string]string{botID: matrix.MembershipInvite})

	f.dispatcher.HandleInvite(context.Background(), matrix.InviteEvent{RoomID: "!spam:example.org", Sender: userID})
	f.dispatcher.HandleInvite(context.Background(), matrix.InviteEvent{RoomID: "!invited:example.org", Sender: coordinatorID})

	if f.gw.Membership("!spam:example.org", botID) != matrix.MembershipInvite {
		t.Fatal("bot must ignore invites from unauthorized users")
	}
	if f.gw.Membership("!invited:example.org", botID) != matrix.MembershipJoin {
		t.Fatal("expected bot to join after coordinator invite")
	}
}

func TestSplitArgs(t *testing.T) {
	got, err := splitArgs(`rooms create "Design Team" design "" yes`)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	want := []string{"rooms", "create", "Design Team", "design", "", "yes"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected args: %q", got)
	}
	if _, err := splitArgs(`rooms "open`); err == nil {
		t.Fatal("expected unterminated quote error")
	}
}
