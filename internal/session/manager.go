// Package session runs the confirmation-gated room recreate workflow.
//
// A session moves requested → awaiting_confirmation → creating → migrating
// → relabeling → linking → completed, and may end cancelled or failed from
// any non-terminal state. Every transition is persisted. Once creating has
// started the workflow always runs to a terminal state and never rolls back
// the new room.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/heyamori/internal/config"
	"github.com/foxseedlab/heyamori/internal/confirm"
	"github.com/foxseedlab/heyamori/internal/matrix"
	"github.com/foxseedlab/heyamori/internal/notify"
	"github.com/foxseedlab/heyamori/internal/power"
	"github.com/foxseedlab/heyamori/internal/repository"
	"github.com/google/uuid"
)

var (
	ErrSessionConflict  = errors.New("a recreate session is already pending for this room")
	ErrAlreadyRecreated = errors.New("room has already been recreated")
	ErrNoSession        = errors.New("no recreate session found")
	ErrNotActive        = errors.New("recreate session is not active")
	ErrSessionRunning   = errors.New("recreate session is running in this process")
)

const (
	StepCreating         = "creating"
	StepMigrating        = "migrating"
	StepRename           = "rename_old_room"
	StepMoveAlias        = "move_alias"
	StepClearAvatar      = "clear_old_avatar"
	StepLinkOld          = "link_old_room"
	StepLinkNew          = "link_new_room"
	StepSecondaryAdmin   = "invite_secondary_admin"
	StepMoveDirectory    = "move_directory_listing"
	StepRegistry         = "update_registry"
	reasonInterrupted    = "interrupted by restart"
	reasonDiscarded      = "discarded by operator"
	defaultOldRoomPrefix = "OLD"
)

type StepResult struct {
	Step   string `json:"step"`
	OK     bool   `json:"ok"`
	Kind   string `json:"kind,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type MemberFailure struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
}

type Report struct {
	Steps         []StepResult    `json:"steps"`
	Migrated      int             `json:"migrated"`
	FailedMembers []MemberFailure `json:"failed_members,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

func (r Report) HasFailures() bool {
	if len(r.FailedMembers) > 0 {
		return true
	}
	for _, s := range r.Steps {
		if !s.OK {
			return true
		}
	}
	return false
}

func (r *Report) record(step string, err error) {
	if err == nil {
		r.Steps = append(r.Steps, StepResult{Step: step, OK: true})
		return
	}
	r.Steps = append(r.Steps, StepResult{Step: step, Kind: string(matrix.KindOf(err)), Detail: err.Error()})
}

type Status struct {
	SessionID    string
	LogicalID    string
	SourceRoomID string
	NewRoomID    string
	State        repository.RecreateState
}

type Request struct {
	LogicalID     string
	SourceRoomID  string
	ContextRoomID string
	InitiatorID   string
}

type Options struct {
	ConfirmationTimeout time.Duration
	Retry               matrix.RetryPolicy
	// MemberRetry bounds each invite or forced join during migration.
	MemberRetry   matrix.RetryPolicy
	CommandPrefix string
}

type Manager struct {
	store    repository.SessionStore
	registry repository.RoomRegistry
	gw       matrix.Gateway
	broker   *confirm.Broker
	resolver power.GroupResolver
	notifier notify.Notifier
	opts     Options
	newID    func() string
	baseCtx  context.Context

	mu     sync.Mutex
	active map[string]*activeSession
	wg     sync.WaitGroup
}

type activeSession struct {
	record repository.RecreateSession
	policy config.Policy
	room   *repository.ManagedRoom
	report Report
}

func NewManager(store repository.SessionStore, registry repository.RoomRegistry, gw matrix.Gateway, broker *confirm.Broker, resolver power.GroupResolver, notifier notify.Notifier, opts Options) *Manager {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	m := &Manager{
		store:    store,
		registry: registry,
		gw:       gw,
		broker:   broker,
		resolver: resolver,
		notifier: notifier,
		opts:     opts,
		newID:    func() string { return uuid.NewString() },
		baseCtx:  context.Background(),
		active:   make(map[string]*activeSession),
	}
	broker.SetTimeoutHandler(func(res confirm.Resolution) {
		m.onResolution(m.baseCtx, res)
	})
	return m
}

// RequestRecreate registers a new session, posts the confirmation prompt in
// the context room and starts the confirmation timer. A second request for
// a room with a pending session fails with ErrSessionConflict.
func (m *Manager) RequestRecreate(ctx context.Context, req Request, policy config.Policy) (*repository.RecreateSession, error) {
	if req.LogicalID == "" {
		req.LogicalID = req.SourceRoomID
	}
	if req.ContextRoomID == "" {
		req.ContextRoomID = req.SourceRoomID
	}

	m.mu.Lock()
	if _, exists := m.active[req.LogicalID]; exists {
		m.mu.Unlock()
		return nil, ErrSessionConflict
	}
	as := &activeSession{policy: policy}
	m.active[req.LogicalID] = as
	m.mu.Unlock()

	record, err := m.openSession(ctx, req, as)
	if err != nil {
		m.release(req.LogicalID, as)
		return nil, err
	}
	return record, nil
}

func (m *Manager) openSession(ctx context.Context, req Request, as *activeSession) (*repository.RecreateSession, error) {
	existing, err := m.store.GetActiveRecreateSession(ctx, req.LogicalID)
	if err != nil {
		return nil, fmt.Errorf("check active recreate session: %w", err)
	}
	if existing != nil {
		return nil, ErrSessionConflict
	}
	// A source room is replaced at most once, whichever logical ID the
	// earlier session ran under.
	done, err := m.store.GetCompletedRecreateSessionBySource(ctx, req.SourceRoomID)
	if err != nil {
		return nil, fmt.Errorf("check completed recreate session: %w", err)
	}
	if done != nil {
		return nil, ErrAlreadyRecreated
	}
	room, err := m.registry.GetRoom(ctx, req.LogicalID)
	if err != nil {
		return nil, fmt.Errorf("load managed room %s: %w", req.LogicalID, err)
	}

	now := time.Now().UTC()
	as.room = room
	as.record = repository.RecreateSession{
		ID:            m.newID(),
		LogicalID:     req.LogicalID,
		SourceRoomID:  req.SourceRoomID,
		ContextRoomID: req.ContextRoomID,
		InitiatorID:   req.InitiatorID,
		State:         repository.RecreateStateRequested,
		CreatedAt:     now,
		Deadline:      now.Add(m.opts.ConfirmationTimeout),
	}
	if err := m.store.CreateRecreateSession(ctx, as.record); err != nil {
		if errors.Is(err, repository.ErrActiveSessionExists) {
			return nil, ErrSessionConflict
		}
		return nil, fmt.Errorf("store recreate session: %w", err)
	}
	slog.Info("recreate requested", "session_id", as.record.ID, "logical_id", req.LogicalID, "room_id", req.SourceRoomID, "user_id", req.InitiatorID)

	name := m.readName(ctx, req.SourceRoomID)
	prompt := recreatePrompt(name, m.opts.CommandPrefix, oldRoomPrefix(as.policy), int(m.opts.ConfirmationTimeout.Seconds()))
	var eventID string
	err = matrix.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
		var err error
		eventID, err = m.gw.SendMessage(ctx, req.ContextRoomID, matrix.Message{Body: prompt})
		return err
	})
	if err != nil {
		as.report.Reason = "could not post confirmation prompt"
		m.transition(ctx, as, repository.RecreateStateFailed)
		return nil, fmt.Errorf("post recreate prompt: %w", err)
	}

	m.mu.Lock()
	as.record.PromptEventID = eventID
	m.mu.Unlock()
	m.transition(ctx, as, repository.RecreateStateAwaitingConfirmation)
	handle := m.broker.Register(as.record.ID, req.ContextRoomID, eventID, confirm.Constraint{ResponderID: req.InitiatorID}, m.opts.ConfirmationTimeout)

	m.mu.Lock()
	as.record.Deadline = handle.Deadline.UTC()
	record := as.record
	m.mu.Unlock()
	return &record, nil
}

// HandleConfirmation feeds a chat reply or reaction to the broker. It
// returns confirm.ErrNoPending when the message answers nothing and
// confirm.ErrAmbiguous when it could answer several prompts.
func (m *Manager) HandleConfirmation(ctx context.Context, msg confirm.Message) error {
	res, err := m.broker.Resolve(msg)
	if err != nil {
		return err
	}
	m.onResolution(ctx, res)
	return nil
}

func (m *Manager) onResolution(ctx context.Context, res confirm.Resolution) {
	as := m.findBySessionID(res.SessionID)
	if as == nil {
		slog.Warn("confirmation resolved for unknown session", "session_id", res.SessionID)
		return
	}
	m.mu.Lock()
	state := as.record.State
	m.mu.Unlock()
	if state != repository.RecreateStateAwaitingConfirmation {
		return
	}

	if !res.Accepted {
		message := messageRecreateCancelled
		as.report.Reason = "rejected by " + res.ResponderID
		if res.TimedOut {
			message = messageRecreateTimedOut
			as.report.Reason = "confirmation timed out"
		}
		slog.Info("recreate cancelled", "session_id", res.SessionID, "timed_out", res.TimedOut)
		m.transition(ctx, as, repository.RecreateStateCancelled)
		m.reply(ctx, as.record.ContextRoomID, message)
		return
	}

	slog.Info("recreate confirmed", "session_id", res.SessionID, "user_id", res.ResponderID)
	m.transition(ctx, as, repository.RecreateStateCreating)
	m.reply(ctx, as.record.ContextRoomID, messageRecreateStarted)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.execute(context.WithoutCancel(ctx), as)
	}()
}

// Wait blocks until every running recreate has reached a terminal state.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) execute(ctx context.Context, as *activeSession) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recreate panicked", "session_id", as.record.ID, "panic", r)
			as.report.Reason = fmt.Sprintf("panic: %v", r)
			m.transition(ctx, as, repository.RecreateStateFailed)
		}
	}()

	source, err := m.snapshot(ctx, as.record.SourceRoomID)
	if err == nil {
		var newRoomID string
		newRoomID, err = m.createRoom(ctx, as, source)
		if err == nil {
			m.mu.Lock()
			as.record.NewRoomID = newRoomID
			m.mu.Unlock()
		}
	}
	as.report.record(StepCreating, err)
	if err != nil {
		slog.Error("failed to create replacement room", "session_id", as.record.ID, "room_id", as.record.SourceRoomID, "error", err)
		m.transition(ctx, as, repository.RecreateStateFailed)
		m.reply(ctx, as.record.ContextRoomID, as.report.Format(repository.RecreateStateFailed, "", m.gw.ServerName()))
		return
	}
	newRoomID := as.record.NewRoomID
	slog.Info("created replacement room", "session_id", as.record.ID, "room_id", as.record.SourceRoomID, "new_room_id", newRoomID)

	m.transition(ctx, as, repository.RecreateStateMigrating)
	m.migrate(ctx, as, source, newRoomID)

	m.transition(ctx, as, repository.RecreateStateRelabeling)
	m.relabel(ctx, as, source, newRoomID)

	m.transition(ctx, as, repository.RecreateStateLinking)
	m.link(ctx, as, source, newRoomID)

	final := repository.RecreateStateCompleted
	if err := m.updateRegistry(ctx, as, newRoomID); err != nil {
		as.report.record(StepRegistry, err)
		final = repository.RecreateStateFailed
	} else if as.room != nil {
		as.report.record(StepRegistry, nil)
	}
	m.transition(ctx, as, final)
	m.reply(ctx, as.record.ContextRoomID, as.report.Format(final, newRoomID, m.gw.ServerName()))
}

type sourceRoom struct {
	roomID      string
	name        string
	topic       string
	avatar      map[string]any
	encryption  map[string]any
	alias       string
	altAliases  []string
	federate    bool
	space       bool
	powerLevels *matrix.PowerLevels
	members     []matrix.Member
}

func (m *Manager) snapshot(ctx context.Context, roomID string) (*sourceRoom, error) {
	src := &sourceRoom{roomID: roomID, federate: true}

	content, err := m.getState(ctx, roomID, matrix.EventTypePowerLevels)
	if err != nil {
		return nil, fmt.Errorf("read power levels: %w", err)
	}
	if src.powerLevels, err = matrix.ParsePowerLevels(content); err != nil {
		return nil, err
	}
	if err := matrix.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
		var err error
		src.members, err = m.gw.GetMembers(ctx, roomID)
		return err
	}); err != nil {
		return nil, fmt.Errorf("read members: %w", err)
	}

	var name struct {
		Name string `json:"name"`
	}
	var topic struct {
		Topic string `json:"topic"`
	}
	var create struct {
		Type     string `json:"type"`
		Federate *bool  `json:"m.federate"`
	}
	var alias struct {
		Alias      string   `json:"alias"`
		AltAliases []string `json:"alt_aliases"`
	}
	optional := []struct {
		eventType string
		target    any
	}{
		{matrix.EventTypeName, &name},
		{matrix.EventTypeTopic, &topic},
		{matrix.EventTypeCreate, &create},
		{matrix.EventTypeCanonicalAlias, &alias},
		{matrix.EventTypeAvatar, &src.avatar},
		{matrix.EventTypeEncryption, &src.encryption},
	}
	for _, o := range optional {
		content, err := m.getState(ctx, roomID, o.eventType)
		if errors.Is(err, matrix.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", o.eventType, err)
		}
		if err := json.Unmarshal(content, o.target); err != nil {
			return nil, fmt.Errorf("parse %s: %w", o.eventType, err)
		}
	}
	src.name = name.Name
	src.topic = topic.Topic
	src.space = create.Type == "m.space"
	if create.Federate != nil {
		src.federate = *create.Federate
	}
	src.alias = alias.Alias
	src.altAliases = alias.AltAliases
	if src.avatar != nil && src.avatar["url"] == nil {
		src.avatar = nil
	}
	return src, nil
}

func (m *Manager) createRoom(ctx context.Context, as *activeSession, src *sourceRoom) (string, error) {
	policy := as.policy
	tiers := power.ResolveTiers(ctx, m.resolver, policy.Admins, policy.Coordinators)
	changes := power.Evaluate(power.Records(src.members, src.powerLevels), tiers, power.LevelsFromPolicy(policy), power.Options{
		AllowPromote: policy.PromoteUsers,
		AllowDemote:  policy.DemoteUsers,
		Exempt:       []string{policy.BotUserID},
	})
	target := power.Apply(src.powerLevels, changes)
	target.SetUserLevel(policy.BotUserID, 100)
	if policy.SecondaryAdmin != "" {
		target.SetUserLevel(policy.SecondaryAdmin, 100)
	}

	spec := matrix.CreateRoomSpec{
		Name:                      src.name,
		Topic:                     src.topic,
		Visibility:                matrix.VisibilityPrivate,
		Space:                     src.space,
		Encrypted:                 src.encryption != nil,
		Federate:                  policy.RecreateAsFederated || src.federate,
		PowerLevelContentOverride: target.Content(),
		Predecessor:               &matrix.Predecessor{RoomID: src.roomID, EventID: as.record.PromptEventID},
	}
	if src.encryption != nil {
		spec.InitialState = append(spec.InitialState, matrix.StateEvent{Type: matrix.EventTypeEncryption, Content: src.encryption})
	}
	if src.avatar != nil {
		spec.InitialState = append(spec.InitialState, matrix.StateEvent{Type: matrix.EventTypeAvatar, Content: src.avatar})
	}

	var roomID string
	err := matrix.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
		var err error
		roomID, err = m.gw.CreateRoom(ctx, spec)
		return err
	})
	return roomID, err
}

// migrate brings every joined or invited member of the source room into the
// new room. Failures are collected per member and never stop the loop.
func (m *Manager) migrate(ctx context.Context, as *activeSession, src *sourceRoom, newRoomID string) {
	botID := m.gw.UserID()
	serverName := m.gw.ServerName()
	for _, member := range src.members {
		if !member.Present() || member.UserID == botID {
			continue
		}
		err := m.bringMember(ctx, as.policy, newRoomID, member.UserID, serverName)
		if err != nil {
			slog.Warn("failed to migrate member", "session_id", as.record.ID, "new_room_id", newRoomID, "user_id", member.UserID, "error", err)
			as.report.FailedMembers = append(as.report.FailedMembers, MemberFailure{UserID: member.UserID, Kind: string(matrix.KindOf(err))})
			continue
		}
		as.report.Migrated++
	}
	var err error
	if n := len(as.report.FailedMembers); n > 0 {
		err = fmt.Errorf("%d of %d members not migrated", n, n+as.report.Migrated)
	}
	as.report.record(StepMigrating, err)
}

func (m *Manager) bringMember(ctx context.Context, policy config.Policy, roomID, userID, serverName string) error {
	if policy.IsSynapseAdmin && matrix.IsLocalUser(userID, serverName) {
		err := matrix.Retry(ctx, m.opts.MemberRetry, func(ctx context.Context) error {
			return m.gw.ForceJoin(ctx, roomID, userID)
		})
		if err == nil {
			return nil
		}
		slog.Debug("forced join failed, falling back to invite", "room_id", roomID, "user_id", userID, "error", err)
	}
	return matrix.Retry(ctx, m.opts.MemberRetry, func(ctx context.Context) error {
		return m.gw.Invite(ctx, roomID, userID)
	})
}

// relabel marks the source room as old. Each step tolerates the bot having
// lost power in the source room.
func (m *Manager) relabel(ctx context.Context, as *activeSession, src *sourceRoom, newRoomID string) {
	oldName := oldRoomPrefix(as.policy)
	if src.name != "" {
		oldName += " " + src.name
	}
	as.report.record(StepRename, m.setState(ctx, src.roomID, matrix.EventTypeName, map[string]any{"name": oldName}))

	if src.alias != "" || len(src.altAliases) > 0 {
		as.report.record(StepMoveAlias, m.moveAlias(ctx, src, newRoomID))
	}
	if src.avatar != nil {
		as.report.record(StepClearAvatar, m.setState(ctx, src.roomID, matrix.EventTypeAvatar, map[string]any{"url": nil}))
	}
}

func (m *Manager) moveAlias(ctx context.Context, src *sourceRoom, newRoomID string) error {
	var errs []error
	if src.alias != "" {
		err := matrix.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
			return m.gw.DeleteAlias(ctx, src.alias)
		})
		if err != nil && !errors.Is(err, matrix.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete alias %s: %w", src.alias, err))
		}
	}
	if err := m.setState(ctx, src.roomID, matrix.EventTypeCanonicalAlias, map[string]any{"alias": nil, "alt_aliases": []string{}}); err != nil {
		errs = append(errs, fmt.Errorf("clear old canonical alias: %w", err))
	}
	if src.alias != "" {
		if err := matrix.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
			return m.gw.PutAlias(ctx, src.alias, newRoomID)
		}); err != nil {
			errs = append(errs, fmt.Errorf("put alias %s: %w", src.alias, err))
		}
	}
	content := map[string]any{"alt_aliases": src.altAliases}
	if src.alias != "" {
		content["alias"] = src.alias
	}
	if err := m.setState(ctx, newRoomID, matrix.EventTypeCanonicalAlias, content); err != nil {
		errs = append(errs, fmt.Errorf("set new canonical alias: %w", err))
	}
	return errors.Join(errs...)
}

func (m *Manager) link(ctx context.Context, as *activeSession, src *sourceRoom, newRoomID string) {
	serverName := m.gw.ServerName()
	as.report.record(StepLinkOld, m.send(ctx, src.roomID, oldRoomReplacedMessage(newRoomID, serverName)))
	as.report.record(StepLinkNew, m.send(ctx, newRoomID, newRoomReplacesMessage(src.name, src.roomID, serverName)))

	if admin := as.policy.SecondaryAdmin; admin != "" && admin != m.gw.UserID() {
		as.report.record(StepSecondaryAdmin, matrix.Retry(ctx, m.opts.MemberRetry, func(ctx context.Context) error {
			return m.gw.Invite(ctx, newRoomID, admin)
		}))
	}

	var visibility string
	err := matrix.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
		var err error
		visibility, err = m.gw.GetDirectoryVisibility(ctx, src.roomID)
		return err
	})
	if err == nil && visibility != matrix.VisibilityPublic {
		return
	}
	if err == nil {
		err = matrix.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
			return m.gw.SetDirectoryVisibility(ctx, src.roomID, matrix.VisibilityPrivate)
		})
	}
	if err == nil {
		err = matrix.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
			return m.gw.SetDirectoryVisibility(ctx, newRoomID, matrix.VisibilityPublic)
		})
	}
	as.report.record(StepMoveDirectory, err)
}

// updateRegistry points the logical room at the new room. Rooms recreated
// without a registry entry are left unregistered.
func (m *Manager) updateRegistry(ctx context.Context, as *activeSession, newRoomID string) error {
	if as.room == nil {
		return nil
	}
	room := *as.room
	room.RoomID = newRoomID
	room.HasMaintainer = true
	if err := m.registry.UpsertRoom(ctx, room); err != nil {
		return fmt.Errorf("point %s at %s: %w", room.LogicalID, newRoomID, err)
	}
	return nil
}

// transition persists the new state and publishes a status. Terminal states
// release the room for new sessions.
func (m *Manager) transition(ctx context.Context, as *activeSession, state repository.RecreateState) {
	m.mu.Lock()
	as.record.State = state
	if report, err := json.Marshal(as.report); err == nil {
		as.record.Report = report
	}
	record := as.record
	m.mu.Unlock()

	if err := m.store.UpdateRecreateSession(ctx, record); err != nil {
		slog.Error("failed to persist recreate session", "session_id", record.ID, "state", state, "error", err)
	}
	slog.Info("recreate session transitioned", "session_id", record.ID, "logical_id", record.LogicalID, "state", state)
	if state.Terminal() {
		m.release(record.LogicalID, as)
		m.publish(ctx, record, as.report)
	}
}

func (m *Manager) publish(ctx context.Context, record repository.RecreateSession, report Report) {
	level := notify.LevelInfo
	switch {
	case record.State == repository.RecreateStateFailed:
		level = notify.LevelError
	case report.HasFailures():
		level = notify.LevelWarn
	}
	notify.Send(ctx, m.notifier, notify.Notification{
		Kind:  "recreate",
		Level: level,
		Title: fmt.Sprintf("Recreate of %s %s", record.LogicalID, record.State),
		Body:  report.Format(record.State, record.NewRoomID, m.gw.ServerName()),
		Fields: map[string]string{
			"session_id":     record.ID,
			"logical_id":     record.LogicalID,
			"source_room_id": record.SourceRoomID,
			"new_room_id":    record.NewRoomID,
			"initiator_id":   record.InitiatorID,
			"state":          string(record.State),
		},
	})
}

func (m *Manager) release(logicalID string, as *activeSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[logicalID] == as {
		delete(m.active, logicalID)
	}
}

func (m *Manager) findBySessionID(sessionID string) *activeSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, as := range m.active {
		if as.record.ID == sessionID {
			return as
		}
	}
	return nil
}

// Active returns the in-memory status of the session for a logical room.
func (m *Manager) Active(logicalID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, ok := m.active[logicalID]
	if !ok || as.record.ID == "" {
		return Status{}, false
	}
	return Status{
		SessionID:    as.record.ID,
		LogicalID:    as.record.LogicalID,
		SourceRoomID: as.record.SourceRoomID,
		NewRoomID:    as.record.NewRoomID,
		State:        as.record.State,
	}, true
}

// Recover settles sessions left non-terminal by a previous process.
// Sessions still waiting for confirmation are cancelled; sessions that had
// started mutating rooms are marked failed for an operator to inspect.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	sessions, err := m.store.ListActiveRecreateSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active recreate sessions: %w", err)
	}
	for _, s := range sessions {
		report := Report{}
		_ = json.Unmarshal(s.Report, &report)
		report.Reason = reasonInterrupted
		if s.State.Executing() {
			s.State = repository.RecreateStateFailed
		} else {
			s.State = repository.RecreateStateCancelled
		}
		if encoded, err := json.Marshal(report); err == nil {
			s.Report = encoded
		}
		if err := m.store.UpdateRecreateSession(ctx, s); err != nil {
			return 0, fmt.Errorf("settle recreate session %s: %w", s.ID, err)
		}
		slog.Warn("settled interrupted recreate session", "session_id", s.ID, "logical_id", s.LogicalID, "state", s.State, "new_room_id", s.NewRoomID)
		m.publish(ctx, s, report)
	}
	return len(sessions), nil
}

// Discard marks a non-terminal session failed. It is the operator escape
// hatch for sessions no running process owns. A session of this process is
// only discarded while it still waits for confirmation; its prompt is
// withdrawn so a late answer cannot start it.
func (m *Manager) Discard(ctx context.Context, sessionID string) (*repository.RecreateSession, error) {
	if as := m.findBySessionID(sessionID); as != nil {
		return m.discardActive(ctx, as)
	}
	s, err := m.store.GetRecreateSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load recreate session: %w", err)
	}
	if s == nil {
		return nil, ErrNoSession
	}
	if s.State.Terminal() {
		return nil, ErrNotActive
	}
	s.State = repository.RecreateStateFailed
	report := Report{}
	_ = json.Unmarshal(s.Report, &report)
	report.Reason = reasonDiscarded
	if encoded, err := json.Marshal(report); err == nil {
		s.Report = encoded
	}
	if err := m.store.UpdateRecreateSession(ctx, *s); err != nil {
		return nil, fmt.Errorf("discard recreate session: %w", err)
	}
	return s, nil
}

func (m *Manager) discardActive(ctx context.Context, as *activeSession) (*repository.RecreateSession, error) {
	m.mu.Lock()
	state := as.record.State
	sessionID := as.record.ID
	m.mu.Unlock()
	if state != repository.RecreateStateAwaitingConfirmation || !m.broker.Cancel(sessionID) {
		return nil, ErrSessionRunning
	}
	as.report.Reason = reasonDiscarded
	m.transition(ctx, as, repository.RecreateStateFailed)
	m.reply(ctx, as.record.ContextRoomID, messageRecreateDiscarded)

	m.mu.Lock()
	record := as.record
	m.mu.Unlock()
	return &record, nil
}

func (m *Manager) ListActive(ctx context.Context) ([]repository.RecreateSession, error) {
	return m.store.ListActiveRecreateSessions(ctx)
}

func (m *Manager) getState(ctx context.Context, roomID, eventType string) (json.RawMessage, error) {
	var content json.RawMessage
	err := matrix.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
		var err error
		content, err = m.gw.GetState(ctx, roomID, eventType)
		return err
	})
	return content, err
}

func (m *Manager) setState(ctx context.Context, roomID, eventType string, content any) error {
	return matrix.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
		return m.gw.SetState(ctx, roomID, eventType, content)
	})
}

func (m *Manager) send(ctx context.Context, roomID, body string) error {
	return matrix.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
		_, err := m.gw.SendMessage(ctx, roomID, matrix.Message{Body: body})
		return err
	})
}

func (m *Manager) reply(ctx context.Context, roomID, body string) {
	if err := m.send(ctx, roomID, body); err != nil {
		slog.Warn("failed to send recreate status", "room_id", roomID, "error", err)
	}
}

func (m *Manager) readName(ctx context.Context, roomID string) string {
	content, err := m.getState(ctx, roomID, matrix.EventTypeName)
	if err != nil {
		return ""
	}
	var name struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(content, &name)
	return name.Name
}

func oldRoomPrefix(policy config.Policy) string {
	if policy.RecreateOldRoomNamePrefix != "" {
		return policy.RecreateOldRoomNamePrefix
	}
	return defaultOldRoomPrefix
}
