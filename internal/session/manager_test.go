package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/heyamori/internal/config"
	"github.com/foxseedlab/heyamori/internal/confirm"
	"github.com/foxseedlab/heyamori/internal/matrix"
	"github.com/foxseedlab/heyamori/internal/matrix/matrixtest"
	"github.com/foxseedlab/heyamori/internal/notify"
	"github.com/foxseedlab/heyamori/internal/repository"
)

const (
	botID   = "@bot:example.org"
	adminID = "@admin:example.org"
	server  = "example.org"
	oldRoom = "!old:example.org"
)

type mockStore struct {
	mu       sync.Mutex
	sessions map[string]repository.RecreateSession
	order    []string
}

func newMockStore() *mockStore {
	return &mockStore{sessions: map[string]repository.RecreateSession{}}
}

func (m *mockStore) CreateRecreateSession(_ context.Context, s repository.RecreateSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.LogicalID == s.LogicalID && !existing.State.Terminal() {
			return repository.ErrActiveSessionExists
		}
	}
	m.sessions[s.ID] = s
	m.order = append(m.order, s.ID)
	return nil
}

func (m *mockStore) UpdateRecreateSession(_ context.Context, s repository.RecreateSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return errors.New("unknown session")
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *mockStore) GetRecreateSession(_ context.Context, id string) (*repository.RecreateSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return &s, nil
	}
	return nil, nil
}

func (m *mockStore) GetActiveRecreateSession(_ context.Context, logicalID string) (*repository.RecreateSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.LogicalID == logicalID && !s.State.Terminal() {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *mockStore) ListActiveRecreateSessions(_ context.Context) ([]repository.RecreateSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.RecreateSession
	for _, id := range m.order {
		if s := m.sessions[id]; !s.State.Terminal() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockStore) GetCompletedRecreateSessionBySource(_ context.Context, sourceRoomID string) (*repository.RecreateSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		if s := m.sessions[m.order[i]]; s.SourceRoomID == sourceRoomID && s.State == repository.RecreateStateCompleted {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *mockStore) state(id string) repository.RecreateState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].State
}

func (m *mockStore) get(id string) repository.RecreateSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

type mockRegistry struct {
	mu    sync.Mutex
	rooms map[string]repository.ManagedRoom
}

func (m *mockRegistry) GetRoom(_ context.Context, logicalID string) (*repository.ManagedRoom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[logicalID]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *mockRegistry) GetRoomByRoomID(_ context.Context, _ string) (*repository.ManagedRoom, error) {
	return nil, nil
}

func (m *mockRegistry) GetRoomByAlias(_ context.Context, _ string) (*repository.ManagedRoom, error) {
	return nil, nil
}

func (m *mockRegistry) ListRooms(_ context.Context, _ repository.RoomKind) ([]repository.ManagedRoom, error) {
	return nil, nil
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

func (m *mockRegistry) roomID(logicalID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[logicalID].RoomID
}

type mockNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (m *mockNotifier) Notify(_ context.Context, n notify.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, n)
	return nil
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

func testPolicy() config.Policy {
	return config.Policy{
		BotUserID:                 botID,
		ServerName:                server,
		Admins:                    []string{adminID},
		PromoteUsers:              true,
		AdminLevel:                100,
		CoordinatorLevel:          50,
		RecreateOldRoomNamePrefix: "OLD",
	}
}

func testOptions(timeout time.Duration) Options {
	retry := matrix.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond}
	return Options{
		ConfirmationTimeout: timeout,
		Retry:               retry,
		MemberRetry:         retry.Once(),
		CommandPrefix:       "!c",
	}
}

// seedSourceRoom creates the room to be replaced with n extra members.
func seedSourceRoom(gw *matrixtest.Gateway, n int) []string {
	members := map[string]string{botID: matrix.MembershipJoin, adminID: matrix.MembershipJoin}
	users := []string{adminID}
	for i := range n {
		userID := fmt.Sprintf("@user%02d:remote.org", i)
		members[userID] = matrix.MembershipJoin
		users = append(users, userID)
	}
	members["@gone:example.org"] = matrix.MembershipLeave
	gw.AddRoom(oldRoom, map[string]any{
		"users":  map[string]any{botID: 100, adminID: 50, "@gone:example.org": 50},
		"events": map[string]any{matrix.EventTypePowerLevels: 100},
		"ban":    50,
	}, members)
	gw.SetRawState(oldRoom, matrix.EventTypeName, map[string]any{"name": "General"})
	gw.SetRawState(oldRoom, matrix.EventTypeTopic, map[string]any{"topic": "Chat"})
	gw.SetRawState(oldRoom, matrix.EventTypeAvatar, map[string]any{"url": "mxc://example.org/avatar"})
	gw.SetRawState(oldRoom, matrix.EventTypeEncryption, map[string]any{"algorithm": "m.megolm.v1.aes-sha2"})
	gw.SetRawState(oldRoom, matrix.EventTypeCreate, map[string]any{"creator": adminID, "m.federate": false})
	gw.SetRawState(oldRoom, matrix.EventTypeCanonicalAlias, map[string]any{"alias": "#general:example.org"})
	gw.Aliases["#general:example.org"] = oldRoom
	gw.Directory[oldRoom] = matrix.VisibilityPublic
	return users
}

func newTestManager(gw *matrixtest.Gateway, store *mockStore, reg *mockRegistry, notifier notify.Notifier, timeout time.Duration) *Manager {
	return NewManager(store, reg, gw, confirm.NewBroker(nil), nil, notifier, testOptions(timeout))
}

func newRegistry() *mockRegistry {
	return &mockRegistry{rooms: map[string]repository.ManagedRoom{
		"general": {LogicalID: "general", Alias: "general", Name: "General", RoomID: oldRoom, IsEncrypted: true, HasMaintainer: false},
	}}
}

func requestGeneral(t *testing.T, m *Manager) *repository.RecreateSession {
	t.Helper()
	s, err := m.RequestRecreate(context.Background(), Request{LogicalID: "general", SourceRoomID: oldRoom, InitiatorID: adminID}, testPolicy())
	if err != nil {
		t.Fatalf("request recreate: %v", err)
	}
	return s
}

func TestRequestRecreate_SecondRequestConflicts(t *testing.T) {
	gw := matrixtest.NewGateway(botID, server)
	seedSourceRoom(gw, 1)
	store := newMockStore()
	m := newTestManager(gw, store, newRegistry(), nil, time.Minute)

	s := requestGeneral(t, m)
	if s.State != repository.RecreateStateAwaitingConfirmation || s.PromptEventID == "" {
		t.Fatalf("unexpected session: %+v", s)
	}
	_, err := m.RequestRecreate(context.Background(), Request{LogicalID: "general", SourceRoomID: oldRoom, InitiatorID: "@other:example.org"}, testPolicy())
	if !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("expected session conflict, got %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("expected a single stored session, got %d", store.count())
	}
}

func TestRequestRecreate_ConflictWithStoredSession(t *testing.T) {
	gw := matrixtest.NewGateway(botID, server)
	seedSourceRoom(gw, 1)
	store := newMockStore()
	_ = store.CreateRecreateSession(context.Background(), repository.RecreateSession{ID: "stale", LogicalID: "general", State: repository.RecreateStateMigrating})
	m := newTestManager(gw, store, newRegistry(), nil, time.Minute)

	_, err := m.RequestRecreate(context.Background(), Request{LogicalID: "general", SourceRoomID: oldRoom, InitiatorID: adminID}, testPolicy())
	if !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("expected session conflict, got %v", err)
	}
	if _, ok := m.Active("general"); ok {
		t.Fatal("rejected request must not leave an active session")
	}
}

func TestRecreate_TimeoutCancelsWithoutSideEffects(t *testing.T) {
	gw := matrixtest.NewGateway(botID, server)
	seedSourceRoom(gw, 3)
	store := newMockStore()
	reg := newRegistry()
	notifier := &mockNotifier{}
	m := newTestManager(gw, store, reg, notifier, 30*time.Millisecond)
	roomsBefore := gw.RoomCount()

	s := requestGeneral(t, m)

	waitUntil(t, time.Second, func() bool { return store.state(s.ID) == repository.RecreateStateCancelled }, "session should be cancelled after timeout")
	if gw.MutationCount() != 0 {
		t.Fatalf("expected zero mutations, got %v", gw.Mutations)
	}
	if gw.RoomCount() != roomsBefore {
		t.Fatal("expected no room to be created")
	}
	if reg.roomID("general") != oldRoom {
		t.Fatal("registry must be unchanged")
	}
	if _, ok := m.Active("general"); ok {
		t.Fatal("cancelled session must be released")
	}
	waitUntil(t, time.Second, func() bool { return notifier.count() == 1 }, "cancellation should be reported")
	waitUntil(t, time.Second, func() bool {
		msgs := gw.SentMessages()
		return strings.Contains(msgs[len(msgs)-1].Message.Body, "no confirmation was given in time")
	}, "timeout should be announced in the room")
}

func TestRecreate_RejectionCancels(t *testing.T) {
	gw := matrixtest.NewGateway(botID, server)
	seedSourceRoom(gw, 1)
	store := newMockStore()
	m := newTestManager(gw, store, newRegistry(), nil, time.Minute)
	s := requestGeneral(t, m)

	if err := m.HandleConfirmation(context.Background(), confirm.Message{ContextID: oldRoom, SenderID: "@intruder:example.org", Accepted: true}); !errors.Is(err, confirm.ErrNoPending) {
		t.Fatalf("confirmation from another user must be ignored, got %v", err)
	}
	if err := m.HandleConfirmation(context.Background(), confirm.Message{ContextID: oldRoom, SenderID: adminID, RelatesTo: s.PromptEventID, Accepted: false}); err != nil {
		t.Fatalf("expected rejection to resolve the confirmation, got %v", err)
	}
	if store.state(s.ID) != repository.RecreateStateCancelled {
		t.Fatalf("expected cancelled, got %s", store.state(s.ID))
	}
	if gw.MutationCount() != 0 {
		t.Fatalf("expected zero mutations, got %v", gw.Mutations)
	}
	if err := m.HandleConfirmation(context.Background(), confirm.Message{ContextID: oldRoom, SenderID: adminID, Accepted: true}); !errors.Is(err, confirm.ErrNoPending) {
		t.Fatalf("second answer must be ignored, got %v", err)
	}
}

func TestRecreate_PartialMigrationStillCompletes(t *testing.T) {
	gw := matrixtest.NewGateway(botID, server)
	users := seedSourceRoom(gw, 9)
	failing := []string{users[3], users[7]}
	gw.Fail = func(op, _, target string) error {
		if op == "invite" && slices.Contains(failing, target) {
			return &matrix.GatewayError{Kind: matrix.KindTransient, Op: "invite", StatusCode: 502}
		}
		return nil
	}
	store := newMockStore()
	reg := newRegistry()
	m := newTestManager(gw, store, reg, nil, time.Minute)
	s := requestGeneral(t, m)

	m.HandleConfirmation(context.Background(), confirm.Message{ContextID: oldRoom, SenderID: adminID, RelatesTo: s.PromptEventID, Accepted: true})
	m.Wait()

	got := store.get(s.ID)
	if got.State != repository.RecreateStateCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
	var report Report
	if err := json.Unmarshal(got.Report, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	var failed []string
	for _, f := range report.FailedMembers {
		failed = append(failed, f.UserID)
		if f.Kind != string(matrix.KindTransient) {
			t.Fatalf("unexpected failure kind: %+v", f)
		}
	}
	slices.Sort(failed)
	slices.Sort(failing)
	if !slices.Equal(failed, failing) {
		t.Fatalf("expected failures %v, got %v", failing, failed)
	}
	if report.Migrated != 8 {
		t.Fatalf("expected 8 migrated members, got %d", report.Migrated)
	}
	if got.NewRoomID == "" || reg.roomID("general") != got.NewRoomID {
		t.Fatalf("registry should point at the new room, got %q", reg.roomID("general"))
	}
	if gw.Membership(got.NewRoomID, users[0]) != matrix.MembershipInvite {
		t.Fatal("expected member to be invited to the new room")
	}
	if gw.Membership(got.NewRoomID, "@gone:example.org") != "" {
		t.Fatal("departed members must not be invited")
	}
}

func TestRecreate_MirrorsRelabelsAndLinks(t *testing.T) {
	gw := matrixtest.NewGateway(botID, server)
	seedSourceRoom(gw, 1)
	store := newMockStore()
	reg := newRegistry()
	notifier := &mockNotifier{}
	m := newTestManager(gw, store, reg, notifier, time.Minute)
	s := requestGeneral(t, m)

	m.HandleConfirmation(context.Background(), confirm.Message{ContextID: oldRoom, SenderID: adminID, Accepted: true})
	m.Wait()

	got := store.get(s.ID)
	if got.State != repository.RecreateStateCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.State, got.Report)
	}
	spec := gw.Created[0]
	if spec.Name != "General" || spec.Topic != "Chat" || !spec.Encrypted || spec.Federate {
		t.Fatalf("unexpected create spec: %+v", spec)
	}
	if spec.Predecessor == nil || spec.Predecessor.RoomID != oldRoom {
		t.Fatalf("expected predecessor reference, got %+v", spec.Predecessor)
	}
	users := spec.PowerLevelContentOverride["users"].(map[string]any)
	if users[adminID] != 100 || users[botID] != 100 || users["@gone:example.org"] != 0 {
		t.Fatalf("unexpected computed power levels: %v", users)
	}
	if spec.PowerLevelContentOverride["ban"] != float64(50) {
		t.Fatal("expected unmanaged power fields to be mirrored")
	}

	newRoom := got.NewRoomID
	if gw.State(newRoom, matrix.EventTypeAvatar)["url"] != "mxc://example.org/avatar" {
		t.Fatal("expected avatar to be copied")
	}
	if gw.State(oldRoom, matrix.EventTypeName)["name"] != "OLD General" {
		t.Fatalf("expected old room to be relabeled, got %v", gw.State(oldRoom, matrix.EventTypeName))
	}
	if gw.State(oldRoom, matrix.EventTypeAvatar)["url"] != nil {
		t.Fatal("expected old avatar to be cleared")
	}
	if gw.Aliases["#general:example.org"] != newRoom {
		t.Fatal("expected alias to move to the new room")
	}
	if gw.Directory[oldRoom] != matrix.VisibilityPrivate || gw.Directory[newRoom] != matrix.VisibilityPublic {
		t.Fatalf("expected directory listing to move, got %v", gw.Directory)
	}

	var linkedOld, linkedNew bool
	for _, msg := range gw.SentMessages() {
		if msg.RoomID == oldRoom && strings.Contains(msg.Message.Body, matrix.RoomLink(newRoom, server)) {
			linkedOld = true
		}
		if msg.RoomID == newRoom && strings.Contains(msg.Message.Body, matrix.RoomLink(oldRoom, server)) {
			linkedNew = true
		}
	}
	if !linkedOld || !linkedNew {
		t.Fatal("expected cross-reference messages in both rooms")
	}
	if notifier.count() != 1 {
		t.Fatalf("expected one completion notification, got %d", notifier.count())
	}

	_, err := m.RequestRecreate(context.Background(), Request{LogicalID: "general", SourceRoomID: oldRoom, InitiatorID: adminID}, testPolicy())
	if !errors.Is(err, ErrAlreadyRecreated) {
		t.Fatalf("expected recreate-once rule, got %v", err)
	}
}

func TestRequestRecreate_ReplacedRoomUnderAnotherID(t *testing.T) {
	gw := matrixtest.NewGateway(botID, server)
	seedSourceRoom(gw, 1)
	store := newMockStore()
	reg := newRegistry()
	m := newTestManager(gw, store, reg, nil, time.Minute)
	s := requestGeneral(t, m)

	m.HandleConfirmation(context.Background(), confirm.Message{ContextID: oldRoom, SenderID: adminID, Accepted: true})
	m.Wait()
	if store.state(s.ID) != repository.RecreateStateCompleted {
		t.Fatalf("expected completed, got %s", store.state(s.ID))
	}
	roomsAfter := gw.RoomCount()

	// The old room is no longer registered, so the request falls back to
	// its room ID as the logical ID.
	_, err := m.RequestRecreate(context.Background(), Request{SourceRoomID: oldRoom, InitiatorID: adminID}, testPolicy())
	if !errors.Is(err, ErrAlreadyRecreated) {
		t.Fatalf("expected recreate-once rule across logical IDs, got %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("expected no second session, got %d", store.count())
	}
	if gw.RoomCount() != roomsAfter {
		t.Fatal("expected no second replacement room")
	}
	if _, ok := m.Active(oldRoom); ok {
		t.Fatal("rejected request must not leave an active session")
	}
}

func TestRecreate_CompletesWithoutPowerInSourceRoom(t *testing.T) {
	gw := matrixtest.NewGateway(botID, server)
	seedSourceRoom(gw, 2)
	gw.SetRawState(oldRoom, matrix.EventTypePowerLevels, map[string]any{"users": map[string]any{adminID: 100}})
	store := newMockStore()
	reg := newRegistry()
	m := newTestManager(gw, store, reg, nil, time.Minute)
	s := requestGeneral(t, m)

	m.HandleConfirmation(context.Background(), confirm.Message{ContextID: oldRoom, SenderID: adminID, Accepted: true})
	m.Wait()

	got := store.get(s.ID)
	if got.State != repository.RecreateStateCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
	var report Report
	_ = json.Unmarshal(got.Report, &report)
	var renameFailed bool
	for _, step := range report.Steps {
		if step.Step == StepRename && !step.OK && step.Kind == string(matrix.KindPermission) {
			renameFailed = true
		}
	}
	if !renameFailed {
		t.Fatalf("expected rename failure to be recorded, got %+v", report.Steps)
	}
	if reg.roomID("general") != got.NewRoomID {
		t.Fatal("registry should point at the new room")
	}
}

func TestRecreate_CreateFailureFailsWithoutSideEffects(t *testing.T) {
	gw := matrixtest.NewGateway(botID, server)
	seedSourceRoom(gw, 2)
	gw.Fail = func(op, _, _ string) error {
		if op == "create_room" {
			return &matrix.GatewayError{Kind: matrix.KindPermission, Op: "create room", StatusCode: 403}
		}
		return nil
	}
	store := newMockStore()
	reg := newRegistry()
	m := newTestManager(gw, store, reg, nil, time.Minute)
	s := requestGeneral(t, m)

	m.HandleConfirmation(context.Background(), confirm.Message{ContextID: oldRoom, SenderID: adminID, Accepted: true})
	m.Wait()

	if store.state(s.ID) != repository.RecreateStateFailed {
		t.Fatalf("expected failed, got %s", store.state(s.ID))
	}
	if gw.MutationCount() != 1 {
		t.Fatalf("expected only the create attempt, got %v", gw.Mutations)
	}
	if reg.roomID("general") != oldRoom {
		t.Fatal("registry must be unchanged")
	}
}

func TestRecreate_ForceJoinsLocalUsersWhenSynapseAdmin(t *testing.T) {
	gw := matrixtest.NewGateway(botID, server)
	users := seedSourceRoom(gw, 1)
	store := newMockStore()
	m := newTestManager(gw, store, newRegistry(), nil, time.Minute)
	policy := testPolicy()
	policy.IsSynapseAdmin = true
	policy.SecondaryAdmin = "@backup:example.org"

	s, err := m.RequestRecreate(context.Background(), Request{LogicalID: "general", SourceRoomID: oldRoom, InitiatorID: adminID}, policy)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	m.HandleConfirmation(context.Background(), confirm.Message{ContextID: oldRoom, SenderID: adminID, Accepted: true})
	m.Wait()

	newRoom := store.get(s.ID).NewRoomID
	if gw.Membership(newRoom, adminID) != matrix.MembershipJoin {
		t.Fatal("expected local user to be force-joined")
	}
	if gw.Membership(newRoom, users[1]) != matrix.MembershipInvite {
		t.Fatal("expected remote user to be invited")
	}
	if gw.Membership(newRoom, "@backup:example.org") != matrix.MembershipInvite {
		t.Fatal("expected secondary admin to be invited")
	}
	override := gw.Created[0].PowerLevelContentOverride["users"].(map[string]any)
	if override["@backup:example.org"] != 100 {
		t.Fatal("expected secondary admin to get admin power")
	}
}

func TestRecover_SettlesInterruptedSessions(t *testing.T) {
	gw := matrixtest.NewGateway(botID, server)
	store := newMockStore()
	_ = store.CreateRecreateSession(context.Background(), repository.RecreateSession{ID: "waiting", LogicalID: "a", State: repository.RecreateStateAwaitingConfirmation})
	_ = store.CreateRecreateSession(context.Background(), repository.RecreateSession{ID: "running", LogicalID: "b", State: repository.RecreateStateMigrating, NewRoomID: "!new:example.org"})
	_ = store.CreateRecreateSession(context.Background(), repository.RecreateSession{ID: "done", LogicalID: "c", State: repository.RecreateStateCompleted})
	notifier := &mockNotifier{}
	m := newTestManager(gw, store, newRegistry(), notifier, time.Minute)

	n, err := m.Recover(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 recovered sessions, got %d %v", n, err)
	}
	if store.state("waiting") != repository.RecreateStateCancelled {
		t.Fatalf("expected waiting session cancelled, got %s", store.state("waiting"))
	}
	if store.state("running") != repository.RecreateStateFailed {
		t.Fatalf("expected running session failed, got %s", store.state("running"))
	}
	if store.state("done") != repository.RecreateStateCompleted {
		t.Fatal("terminal sessions must be untouched")
	}
	if notifier.count() != 2 {
		t.Fatalf("expected operator notices, got %d", notifier.count())
	}
}

func TestDiscard(t *testing.T) {
	store := newMockStore()
	_ = store.CreateRecreateSession(context.Background(), repository.RecreateSession{ID: "stuck", LogicalID: "a", State: repository.RecreateStateLinking})
	m := newTestManager(matrixtest.NewGateway(botID, server), store, newRegistry(), nil, time.Minute)

	s, err := m.Discard(context.Background(), "stuck")
	if err != nil || s.State != repository.RecreateStateFailed {
		t.Fatalf("unexpected discard result: %+v %v", s, err)
	}
	if _, err := m.Discard(context.Background(), "stuck"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected not active, got %v", err)
	}
	if _, err := m.Discard(context.Background(), "missing"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected no session, got %v", err)
	}
}

func TestDiscard_WithdrawsPendingPrompt(t *testing.T) {
	gw := matrixtest.NewGateway(botID, server)
	seedSourceRoom(gw, 1)
	store := newMockStore()
	reg := newRegistry()
	m := newTestManager(gw, store, reg, nil, time.Minute)
	s := requestGeneral(t, m)

	got, err := m.Discard(context.Background(), s.ID)
	if err != nil || got.State != repository.RecreateStateFailed {
		t.Fatalf("unexpected discard result: %+v %v", got, err)
	}
	if store.state(s.ID) != repository.RecreateStateFailed {
		t.Fatalf("expected stored session failed, got %s", store.state(s.ID))
	}
	if _, ok := m.Active("general"); ok {
		t.Fatal("discarded session must be released")
	}
	err = m.HandleConfirmation(context.Background(), confirm.Message{ContextID: oldRoom, SenderID: adminID, RelatesTo: s.PromptEventID, Accepted: true})
	if !errors.Is(err, confirm.ErrNoPending) {
		t.Fatalf("late confirmation must find nothing pending, got %v", err)
	}
	m.Wait()
	if gw.MutationCount() != 0 || reg.roomID("general") != oldRoom {
		t.Fatalf("discarded session must not touch rooms, got %v", gw.Mutations)
	}
	msgs := gw.SentMessages()
	if !strings.Contains(msgs[len(msgs)-1].Message.Body, "cancelled") {
		t.Fatalf("expected discard to be announced, got %q", msgs[len(msgs)-1].Message.Body)
	}

	// The room is free for a new request afterwards.
	requestGeneral(t, m)
}

func TestDiscard_RefusesRunningSession(t *testing.T) {
	gw := matrixtest.NewGateway(botID, server)
	seedSourceRoom(gw, 1)
	block := make(chan struct{})
	gw.Fail = func(op, _, _ string) error {
		if op == "create_room" {
			<-block
		}
		return nil
	}
	store := newMockStore()
	m := newTestManager(gw, store, newRegistry(), nil, time.Minute)
	s := requestGeneral(t, m)

	if err := m.HandleConfirmation(context.Background(), confirm.Message{ContextID: oldRoom, SenderID: adminID, Accepted: true}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := m.Discard(context.Background(), s.ID); !errors.Is(err, ErrSessionRunning) {
		t.Fatalf("expected running session to be refused, got %v", err)
	}
	close(block)
	m.Wait()
	if store.state(s.ID) != repository.RecreateStateCompleted {
		t.Fatalf("expected completed, got %s", store.state(s.ID))
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}
