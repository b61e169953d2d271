// Package convergence drives managed rooms toward their registered desired
// state: existence, encryption and member power levels.
package convergence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"sync"

	"github.com/foxseedlab/heyamori/internal/config"
	"github.com/foxseedlab/heyamori/internal/matrix"
	"github.com/foxseedlab/heyamori/internal/power"
	"github.com/foxseedlab/heyamori/internal/repository"
)

const megolmAlgorithm = "m.megolm.v1.aes-sha2"

type MaintainerStatus string

const (
	MaintainerOK      MaintainerStatus = "ok"
	MaintainerNoAdmin MaintainerStatus = "no_admin"
)

const (
	StepValidate     = "validate"
	StepEnsureExists = "ensure_exists"
	StepReadState    = "read_state"
)

type ChangeFailure struct {
	Change power.Change
	Err    error
}

type Result struct {
	LogicalID        string
	RoomID           string
	Created          bool
	Adopted          bool
	EncryptionFixed  bool
	EncryptionErr    error
	LevelsUpdated    bool
	PowerChanges     []power.Change
	PowerFailures    []ChangeFailure
	MaintainerStatus MaintainerStatus
	Step             string
	Err              error
}

// Failed reports whether the room did not converge. Encryption failures are
// recorded but do not fail the room.
func (r Result) Failed() bool {
	return r.Err != nil || len(r.PowerFailures) > 0
}

type Engine struct {
	// passMu serializes passes so a scheduled ReconcileAll and a chat
	// triggered one never read and write the same rooms at once.
	passMu sync.Mutex

	registry repository.RoomRegistry
	gw       matrix.Gateway
	resolver power.GroupResolver
	retry    matrix.RetryPolicy
}

func NewEngine(registry repository.RoomRegistry, gw matrix.Gateway, resolver power.GroupResolver, retry matrix.RetryPolicy) *Engine {
	return &Engine{registry: registry, gw: gw, resolver: resolver, retry: retry}
}

// Reconcile converges one room. Every step is safe to repeat, so a failed
// pass is fixed by running it again. It waits for a running ReconcileAll.
func (e *Engine) Reconcile(ctx context.Context, room repository.ManagedRoom, policy config.Policy) Result {
	e.passMu.Lock()
	defer e.passMu.Unlock()
	return e.reconcile(ctx, room, policy)
}

func (e *Engine) reconcile(ctx context.Context, room repository.ManagedRoom, policy config.Policy) Result {
	res := Result{LogicalID: room.LogicalID, RoomID: room.RoomID, MaintainerStatus: MaintainerOK}
	if err := matrix.ValidateAliasLocalpart(room.Alias); err != nil {
		res.Step, res.Err = StepValidate, err
		return res
	}

	if room.RoomID == "" {
		if err := e.ensureExists(ctx, &room, policy, &res); err != nil {
			res.Step, res.Err = StepEnsureExists, err
			return res
		}
	}

	pl, members, err := e.readRoom(ctx, room.RoomID)
	if err != nil {
		if errors.Is(err, matrix.ErrPermission) {
			e.markMaintainer(ctx, room, false, &res)
			return res
		}
		res.Step, res.Err = StepReadState, err
		return res
	}
	if pl.UserLevel(policy.BotUserID) < pl.StateLevel(matrix.EventTypePowerLevels) {
		e.markMaintainer(ctx, room, false, &res)
		return res
	}
	e.markMaintainer(ctx, room, true, &res)

	if room.IsEncrypted {
		res.EncryptionFixed, res.EncryptionErr = e.ensureEncrypted(ctx, room.RoomID)
		if res.EncryptionErr != nil {
			slog.Warn("failed to enable room encryption", "logical_id", room.LogicalID, "room_id", room.RoomID, "error", res.EncryptionErr)
		}
	}

	if res.Created || policy.EnforcePowerInOldRooms {
		e.enforcePower(ctx, room, pl, members, policy, &res)
	}
	return res
}

func (e *Engine) ensureExists(ctx context.Context, room *repository.ManagedRoom, policy config.Policy, res *Result) error {
	alias := matrix.FullAlias(room.Alias, e.gw.ServerName())
	var roomID string
	err := matrix.Retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		roomID, err = e.gw.ResolveAlias(ctx, alias)
		return err
	})
	switch {
	case err == nil:
		if err := matrix.Retry(ctx, e.retry, func(ctx context.Context) error {
			return e.gw.JoinRoom(ctx, roomID)
		}); err != nil {
			return fmt.Errorf("join existing room %s for %s: %w", roomID, alias, err)
		}
		res.Adopted = true
		slog.Info("adopted existing room by alias", "logical_id", room.LogicalID, "alias", alias, "room_id", roomID)
	case errors.Is(err, matrix.ErrNotFound):
		roomID, err = e.createRoom(ctx, *room, policy)
		if err != nil {
			return err
		}
		res.Created = true
		slog.Info("created managed room", "logical_id", room.LogicalID, "alias", alias, "room_id", roomID, "space", room.IsSpace())
	default:
		return fmt.Errorf("resolve alias %s: %w", alias, err)
	}

	room.RoomID = roomID
	room.HasMaintainer = true
	res.RoomID = roomID
	if err := e.registry.UpsertRoom(ctx, *room); err != nil {
		return fmt.Errorf("persist room id %s for %s: %w", roomID, room.LogicalID, err)
	}
	return nil
}

func (e *Engine) createRoom(ctx context.Context, room repository.ManagedRoom, policy config.Policy) (string, error) {
	spec := matrix.CreateRoomSpec{
		Name:                      room.Name,
		Topic:                     room.Topic,
		Alias:                     room.Alias,
		Visibility:                matrix.VisibilityPrivate,
		Space:                     room.IsSpace(),
		Encrypted:                 room.IsEncrypted,
		Federate:                  true,
		PowerLevelContentOverride: CreationPowerLevels(policy, nil),
	}
	if room.IsPublic {
		spec.Visibility = matrix.VisibilityPublic
	}
	if room.IsEncrypted {
		spec.InitialState = append(spec.InitialState, EncryptionEvent())
	}
	var roomID string
	err := matrix.Retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		roomID, err = e.gw.CreateRoom(ctx, spec)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create room %s: %w", room.Alias, err)
	}
	return roomID, nil
}

// CreationPowerLevels builds the power_level_content_override for a new
// room: the configured map plus the given users, with the bot always at 100.
func CreationPowerLevels(policy config.Policy, users map[string]int) map[string]any {
	override := maps.Clone(policy.PowerLevels)
	if override == nil {
		override = map[string]any{}
	}
	merged := map[string]any{}
	if existing, ok := override["users"].(map[string]any); ok {
		maps.Copy(merged, existing)
	}
	for userID, level := range users {
		merged[userID] = level
	}
	merged[policy.BotUserID] = 100
	override["users"] = merged
	return override
}

func EncryptionEvent() matrix.StateEvent {
	return matrix.StateEvent{
		Type:    matrix.EventTypeEncryption,
		Content: map[string]any{"algorithm": megolmAlgorithm},
	}
}

func (e *Engine) readRoom(ctx context.Context, roomID string) (*matrix.PowerLevels, []matrix.Member, error) {
	var content json.RawMessage
	if err := matrix.Retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		content, err = e.gw.GetState(ctx, roomID, matrix.EventTypePowerLevels)
		return err
	}); err != nil {
		return nil, nil, fmt.Errorf("read power levels of %s: %w", roomID, err)
	}
	pl, err := matrix.ParsePowerLevels(content)
	if err != nil {
		return nil, nil, err
	}
	var members []matrix.Member
	if err := matrix.Retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		members, err = e.gw.GetMembers(ctx, roomID)
		return err
	}); err != nil {
		return nil, nil, fmt.Errorf("read members of %s: %w", roomID, err)
	}
	return pl, members, nil
}

func (e *Engine) markMaintainer(ctx context.Context, room repository.ManagedRoom, ok bool, res *Result) {
	if !ok {
		res.MaintainerStatus = MaintainerNoAdmin
		slog.Warn("bot lacks admin power in managed room", "logical_id", room.LogicalID, "room_id", room.RoomID)
	}
	if room.HasMaintainer == ok {
		return
	}
	// The caller's copy may predate a recreate that moved the room, so only
	// the flag is written back onto the current row.
	current, err := e.registry.GetRoom(ctx, room.LogicalID)
	if err != nil {
		slog.Error("failed to reload room for maintainer status", "logical_id", room.LogicalID, "error", err)
		return
	}
	if current == nil || current.RoomID != room.RoomID || current.HasMaintainer == ok {
		return
	}
	current.HasMaintainer = ok
	if err := e.registry.UpsertRoom(ctx, *current); err != nil {
		slog.Error("failed to persist maintainer status", "logical_id", room.LogicalID, "error", err)
	}
}

func (e *Engine) ensureEncrypted(ctx context.Context, roomID string) (bool, error) {
	err := matrix.Retry(ctx, e.retry, func(ctx context.Context) error {
		_, err := e.gw.GetState(ctx, roomID, matrix.EventTypeEncryption)
		return err
	})
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, matrix.ErrNotFound) {
		return false, fmt.Errorf("read encryption state: %w", err)
	}
	ev := EncryptionEvent()
	if err := matrix.Retry(ctx, e.retry, func(ctx context.Context) error {
		return e.gw.SetState(ctx, roomID, ev.Type, ev.Content)
	}); err != nil {
		return false, fmt.Errorf("enable encryption: %w", err)
	}
	slog.Info("enabled room encryption", "room_id", roomID)
	return true, nil
}

func (e *Engine) enforcePower(ctx context.Context, room repository.ManagedRoom, pl *matrix.PowerLevels, members []matrix.Member, policy config.Policy, res *Result) {
	if levelsDiffer(pl, policy) {
		if err := e.applyConfiguredLevels(ctx, room.RoomID, pl, policy); err != nil {
			slog.Warn("failed to apply configured power levels", "room_id", room.RoomID, "error", err)
		} else {
			res.LevelsUpdated = true
		}
	}

	tiers := power.ResolveTiers(ctx, e.resolver, policy.Admins, policy.Coordinators)
	changes := power.Evaluate(power.Records(members, pl), tiers, power.LevelsFromPolicy(policy), power.Options{
		AllowPromote: policy.PromoteUsers,
		AllowDemote:  policy.DemoteUsers,
		Exempt:       exempt(policy, members),
	})
	for _, c := range changes {
		if err := matrix.SetUserPower(ctx, e.gw, e.retry, room.RoomID, c.UserID, c.To); err != nil {
			slog.Warn("failed to apply power change", "room_id", room.RoomID, "user_id", c.UserID, "to", c.To, "error", err)
			res.PowerFailures = append(res.PowerFailures, ChangeFailure{Change: c, Err: err})
			if errors.Is(err, matrix.ErrPermission) {
				break
			}
			continue
		}
		slog.Info("applied power change", "room_id", room.RoomID, "user_id", c.UserID, "from", c.From, "to", c.To)
		res.PowerChanges = append(res.PowerChanges, c)
	}
}

// applyConfiguredLevels merges the configured non-user power level fields
// into the live event. Users are handled per change by the evaluator.
func (e *Engine) applyConfiguredLevels(ctx context.Context, roomID string, pl *matrix.PowerLevels, policy config.Policy) error {
	content := pl.Content()
	for key, value := range policy.PowerLevels {
		if key == "users" {
			continue
		}
		content[key] = value
	}
	err := matrix.Retry(ctx, e.retry, func(ctx context.Context) error {
		return e.gw.SetState(ctx, roomID, matrix.EventTypePowerLevels, content)
	})
	if err != nil {
		return err
	}
	updated := matrix.NewPowerLevels(content)
	*pl = *updated
	return nil
}

func levelsDiffer(pl *matrix.PowerLevels, policy config.Policy) bool {
	current := pl.Content()
	for key, value := range policy.PowerLevels {
		if key == "users" {
			continue
		}
		if !jsonEqual(current[key], value) {
			return true
		}
	}
	return false
}

// exempt lists users the evaluator leaves alone. The secondary admin only
// keeps its power while it is in the room.
func exempt(policy config.Policy, members []matrix.Member) []string {
	out := []string{policy.BotUserID}
	if policy.SecondaryAdmin == "" {
		return out
	}
	for _, m := range members {
		if m.UserID == policy.SecondaryAdmin && m.Present() {
			return append(out, policy.SecondaryAdmin)
		}
	}
	return out
}

func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	var av, bv any
	_ = json.Unmarshal(ab, &av)
	_ = json.Unmarshal(bb, &bv)
	return reflect.DeepEqual(av, bv)
}
