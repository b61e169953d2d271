// Package command turns chat messages, reactions and invites into bot
// operations. Every command is authorized against the configured admin and
// coordinator tiers before it runs.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/foxseedlab/heyamori/internal/config"
	"github.com/foxseedlab/heyamori/internal/confirm"
	"github.com/foxseedlab/heyamori/internal/convergence"
	"github.com/foxseedlab/heyamori/internal/matrix"
	"github.com/foxseedlab/heyamori/internal/notify"
	"github.com/foxseedlab/heyamori/internal/power"
	"github.com/foxseedlab/heyamori/internal/repository"
	"github.com/foxseedlab/heyamori/internal/session"
)

type Reconciler interface {
	Reconcile(ctx context.Context, room repository.ManagedRoom, policy config.Policy) convergence.Result
	ReconcileAll(ctx context.Context, policy config.Policy) (convergence.Report, error)
	ListNoAdmin(ctx context.Context, kind repository.RoomKind) ([]convergence.NoAdminRoom, error)
}

type Recreator interface {
	RequestRecreate(ctx context.Context, req session.Request, policy config.Policy) (*repository.RecreateSession, error)
	HandleConfirmation(ctx context.Context, msg confirm.Message) error
}

var (
	acceptReactions = []string{"👍", "👍️", "✅", "✔️"}
	rejectReactions = []string{"👎", "👎️", "❌", "✖️"}
	acceptReplies   = []string{"yes", "y", "confirm", "ok"}
	rejectReplies   = []string{"no", "n", "cancel"}
)

type Dispatcher struct {
	gw         matrix.Gateway
	registry   repository.RoomRegistry
	reconciler Reconciler
	recreator  Recreator
	resolver   power.GroupResolver
	notifier   notify.Notifier
	policy     config.Policy
	prefix     string
	retry      matrix.RetryPolicy
}

func NewDispatcher(gw matrix.Gateway, registry repository.RoomRegistry, reconciler Reconciler, recreator Recreator, resolver power.GroupResolver, notifier notify.Notifier, policy config.Policy, prefix string, retry matrix.RetryPolicy) *Dispatcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Dispatcher{
		gw:         gw,
		registry:   registry,
		reconciler: reconciler,
		recreator:  recreator,
		resolver:   resolver,
		notifier:   notifier,
		policy:     policy,
		prefix:     prefix,
		retry:      retry,
	}
}

type request struct {
	roomID string
	sender string
	tiers  power.Tiers
	kind   repository.RoomKind
	args   []string
}

// HandleMessage parses a room message. Text that does not start with the
// command prefix is only inspected as a possible reply to a confirmation
// prompt.
func (d *Dispatcher) HandleMessage(ctx context.Context, ev matrix.MessageEvent) {
	if ev.Sender == d.gw.UserID() {
		return
	}
	body := strings.TrimSpace(ev.Body)
	rest, ok := d.stripPrefix(body)
	if !ok {
		if ev.InReplyTo != "" {
			d.handleReply(ctx, ev, body)
		}
		return
	}
	args, err := splitArgs(rest)
	if err != nil {
		d.reply(ctx, ev.RoomID, fmt.Sprintf("Could not parse command: %s", err))
		return
	}
	req := request{
		roomID: ev.RoomID,
		sender: ev.Sender,
		tiers:  power.ResolveTiers(ctx, d.resolver, d.policy.Admins, d.policy.Coordinators),
		args:   args,
	}
	slog.Info("command received", "room_id", ev.RoomID, "user_id", ev.Sender, "args", args)
	d.dispatch(ctx, req)
}

// HandleReaction treats approving and rejecting reactions as answers to a
// pending confirmation prompt.
func (d *Dispatcher) HandleReaction(ctx context.Context, ev matrix.ReactionEvent) {
	if ev.Sender == d.gw.UserID() {
		return
	}
	accepted, ok := reactionAnswer(ev.Key)
	if !ok {
		return
	}
	d.answer(ctx, confirm.Message{
		ContextID: ev.RoomID,
		SenderID:  ev.Sender,
		RelatesTo: ev.RelatesTo,
		Accepted:  accepted,
	})
}

// HandleInvite joins rooms the bot is invited to by a coordinator or admin.
func (d *Dispatcher) HandleInvite(ctx context.Context, ev matrix.InviteEvent) {
	tiers := power.ResolveTiers(ctx, d.resolver, d.policy.Admins, d.policy.Coordinators)
	if !tiers.IsCoordinator(ev.Sender) {
		slog.Info("ignoring invite from unauthorized user", "room_id", ev.RoomID, "user_id", ev.Sender)
		return
	}
	err := matrix.Retry(ctx, d.retry, func(ctx context.Context) error {
		return d.gw.JoinRoom(ctx, ev.RoomID)
	})
	if err != nil {
		slog.Error("failed to join room after invite", "room_id", ev.RoomID, "user_id", ev.Sender, "error", err)
		return
	}
	slog.Info("joined room after invite", "room_id", ev.RoomID, "user_id", ev.Sender)
}

func (d *Dispatcher) dispatch(ctx context.Context, req request) {
	if len(req.args) == 0 {
		d.reply(ctx, req.roomID, helpText(d.prefix))
		return
	}
	switch req.args[0] {
	case "help":
		d.reply(ctx, req.roomID, helpText(d.prefix))
	case "reconcile":
		if d.requireCoordinator(ctx, req) {
			d.reconcileAll(ctx, req)
		}
	case "rooms":
		req.kind = repository.RoomKindRoom
		d.dispatchRooms(ctx, req)
	case "spaces":
		req.kind = repository.RoomKindSpace
		d.dispatchRooms(ctx, req)
	default:
		d.reply(ctx, req.roomID, fmt.Sprintf(messageUnknownCommand, req.args[0], d.prefix))
	}
}

func (d *Dispatcher) dispatchRooms(ctx context.Context, req request) {
	sub := "list"
	if len(req.args) > 1 {
		sub = req.args[1]
	}
	params := req.args[min(len(req.args), 2):]

	if sub == "recreate" {
		if !req.tiers.IsAdmin(req.sender) {
			d.reply(ctx, req.roomID, messageAdminsOnly)
			return
		}
		d.recreate(ctx, req, params)
		return
	}
	if !d.requireCoordinator(ctx, req) {
		return
	}
	switch sub {
	case "list":
		d.listRooms(ctx, req)
	case "list-no-admin":
		d.listNoAdmin(ctx, req)
	case "create":
		d.createRoom(ctx, req, params)
	case "unlink":
		d.unlink(ctx, req, params, false)
	case "unlink-and-leave":
		d.unlink(ctx, req, params, true)
	default:
		d.reply(ctx, req.roomID, fmt.Sprintf(messageUnknownCommand, req.args[0]+" "+sub, d.prefix))
	}
}

func (d *Dispatcher) requireCoordinator(ctx context.Context, req request) bool {
	if req.tiers.IsCoordinator(req.sender) {
		return true
	}
	slog.Info("command rejected", "room_id", req.roomID, "user_id", req.sender, "args", req.args)
	d.reply(ctx, req.roomID, messageCoordinatorsOnly)
	return false
}

func (d *Dispatcher) reconcileAll(ctx context.Context, req request) {
	d.reply(ctx, req.roomID, messageReconcileStarted)
	report, err := d.reconciler.ReconcileAll(ctx, d.policy)
	if err != nil {
		slog.Error("reconcile failed", "error", err)
		d.reply(ctx, req.roomID, fmt.Sprintf("Reconcile failed: %s", err))
		return
	}
	notify.Send(ctx, d.notifier, report.Notification())
	d.reply(ctx, req.roomID, report.Format())
}

func (d *Dispatcher) listRooms(ctx context.Context, req request) {
	rooms, err := d.registry.ListRooms(ctx, req.kind)
	if err != nil {
		slog.Error("failed to list managed rooms", "kind", req.kind, "error", err)
		d.reply(ctx, req.roomID, messageInternalError)
		return
	}
	d.reply(ctx, req.roomID, formatRoomList(rooms, req.kind, d.gw.ServerName()))
}

func (d *Dispatcher) listNoAdmin(ctx context.Context, req request) {
	rooms, err := d.reconciler.ListNoAdmin(ctx, req.kind)
	if err != nil {
		slog.Error("failed to list rooms without admin", "kind", req.kind, "error", err)
		d.reply(ctx, req.roomID, messageInternalError)
		return
	}
	d.reply(ctx, req.roomID, convergence.FormatNoAdmin(rooms, req.kind, d.gw.ServerName()))
}

func (d *Dispatcher) createRoom(ctx context.Context, req request, params []string) {
	if len(params) != 5 {
		d.reply(ctx, req.roomID, fmt.Sprintf(messageCreateUsage, d.prefix, nounFor(req.kind)))
		return
	}
	encrypted, errEnc := parseYesNo(params[3])
	public, errPub := parseYesNo(params[4])
	if err := errors.Join(errEnc, errPub); err != nil {
		d.reply(ctx, req.roomID, fmt.Sprintf("%s\n\n%s", err, fmt.Sprintf(messageCreateUsage, d.prefix, nounFor(req.kind))))
		return
	}
	alias := matrix.AliasLocalpart(params[1])
	if err := matrix.ValidateAliasLocalpart(alias); err != nil {
		d.reply(ctx, req.roomID, err.Error())
		return
	}
	existing, err := d.registry.GetRoomByAlias(ctx, alias)
	if err == nil && existing == nil {
		existing, err = d.registry.GetRoom(ctx, alias)
	}
	if err != nil {
		slog.Error("failed to look up managed room", "alias", alias, "error", err)
		d.reply(ctx, req.roomID, messageInternalError)
		return
	}
	if existing != nil {
		d.reply(ctx, req.roomID, fmt.Sprintf(messageRoomExists, matrix.FullAlias(alias, d.gw.ServerName())))
		return
	}

	room := repository.ManagedRoom{
		LogicalID:   alias,
		Kind:        req.kind,
		Name:        params[0],
		Alias:       alias,
		Topic:       params[2],
		IsEncrypted: encrypted,
		IsPublic:    public,
	}
	if err := d.registry.UpsertRoom(ctx, room); err != nil {
		slog.Error("failed to register room", "logical_id", room.LogicalID, "error", err)
		d.reply(ctx, req.roomID, messageInternalError)
		return
	}
	slog.Info("registered managed room", "logical_id", room.LogicalID, "kind", room.Kind, "user_id", req.sender)
	res := d.reconciler.Reconcile(ctx, room, d.policy)
	d.reply(ctx, req.roomID, formatCreateResult(room, res, d.gw.ServerName()))
}

func (d *Dispatcher) unlink(ctx context.Context, req request, params []string, leave bool) {
	if len(params) != 1 {
		d.reply(ctx, req.roomID, fmt.Sprintf(messageUnlinkUsage, d.prefix, nounFor(req.kind)))
		return
	}
	room, err := d.findRoom(ctx, params[0])
	if err != nil {
		slog.Error("failed to look up managed room", "target", params[0], "error", err)
		d.reply(ctx, req.roomID, messageInternalError)
		return
	}
	if room == nil {
		d.reply(ctx, req.roomID, fmt.Sprintf(messageRoomNotFound, params[0]))
		return
	}
	if err := d.registry.DeleteRoom(ctx, room.LogicalID); err != nil {
		slog.Error("failed to unlink room", "logical_id", room.LogicalID, "error", err)
		d.reply(ctx, req.roomID, messageInternalError)
		return
	}
	slog.Info("unlinked managed room", "logical_id", room.LogicalID, "room_id", room.RoomID, "user_id", req.sender, "leave", leave)
	if !leave || room.RoomID == "" {
		d.reply(ctx, req.roomID, fmt.Sprintf(messageUnlinked, room.LogicalID))
		return
	}
	err = matrix.Retry(ctx, d.retry, func(ctx context.Context) error {
		return d.gw.LeaveRoom(ctx, room.RoomID)
	})
	if err != nil {
		slog.Warn("failed to leave unlinked room", "room_id", room.RoomID, "error", err)
		d.reply(ctx, req.roomID, fmt.Sprintf(messageUnlinkedLeaveFailed, room.LogicalID, matrix.KindOf(err)))
		return
	}
	d.reply(ctx, req.roomID, fmt.Sprintf(messageUnlinkedAndLeft, room.LogicalID))
}

func (d *Dispatcher) recreate(ctx context.Context, req request, params []string) {
	if req.kind == repository.RoomKindSpace {
		d.reply(ctx, req.roomID, messageSpacesNotRecreatable)
		return
	}
	if len(params) == 1 && (params[0] == "confirm" || params[0] == "cancel") {
		err := d.answer(ctx, confirm.Message{
			ContextID: req.roomID,
			SenderID:  req.sender,
			Accepted:  params[0] == "confirm",
		})
		if errors.Is(err, confirm.ErrNoPending) {
			d.reply(ctx, req.roomID, messageNoPendingConfirmation)
		}
		return
	}
	if len(params) > 1 {
		d.reply(ctx, req.roomID, fmt.Sprintf(messageRecreateUsage, d.prefix))
		return
	}

	sourceRoomID := req.roomID
	logicalID := ""
	if len(params) == 1 {
		room, err := d.findRoom(ctx, params[0])
		if err != nil {
			slog.Error("failed to look up managed room", "target", params[0], "error", err)
			d.reply(ctx, req.roomID, messageInternalError)
			return
		}
		switch {
		case room != nil && room.RoomID != "":
			sourceRoomID, logicalID = room.RoomID, room.LogicalID
		case config.IsRoomID(params[0]):
			sourceRoomID = params[0]
		default:
			d.reply(ctx, req.roomID, fmt.Sprintf(messageRoomNotFound, params[0]))
			return
		}
	} else {
		room, err := d.registry.GetRoomByRoomID(ctx, sourceRoomID)
		if err != nil {
			slog.Error("failed to look up managed room", "room_id", sourceRoomID, "error", err)
			d.reply(ctx, req.roomID, messageInternalError)
			return
		}
		if room != nil {
			logicalID = room.LogicalID
		}
	}

	_, err := d.recreator.RequestRecreate(ctx, session.Request{
		LogicalID:     logicalID,
		SourceRoomID:  sourceRoomID,
		ContextRoomID: req.roomID,
		InitiatorID:   req.sender,
	}, d.policy)
	switch {
	case errors.Is(err, session.ErrSessionConflict):
		d.reply(ctx, req.roomID, messageRecreatePending)
	case errors.Is(err, session.ErrAlreadyRecreated):
		d.reply(ctx, req.roomID, messageAlreadyRecreated)
	case err != nil:
		slog.Error("failed to request recreate", "room_id", sourceRoomID, "user_id", req.sender, "error", err)
		d.reply(ctx, req.roomID, messageInternalError)
	}
}

func (d *Dispatcher) handleReply(ctx context.Context, ev matrix.MessageEvent, body string) {
	accepted, ok := replyAnswer(body)
	if !ok {
		return
	}
	d.answer(ctx, confirm.Message{
		ContextID: ev.RoomID,
		SenderID:  ev.Sender,
		RelatesTo: ev.InReplyTo,
		Accepted:  accepted,
	})
}

// answer passes a confirmation to the recreator. When the answer fits more
// than one prompt nothing is resolved and the user is asked to point at one.
func (d *Dispatcher) answer(ctx context.Context, msg confirm.Message) error {
	err := d.recreator.HandleConfirmation(ctx, msg)
	if errors.Is(err, confirm.ErrAmbiguous) {
		d.reply(ctx, msg.ContextID, messageAmbiguousConfirmation)
	}
	return err
}

// findRoom looks a target up by logical ID, alias or room ID.
func (d *Dispatcher) findRoom(ctx context.Context, target string) (*repository.ManagedRoom, error) {
	if config.IsRoomID(target) {
		return d.registry.GetRoomByRoomID(ctx, target)
	}
	if strings.HasPrefix(target, "#") {
		return d.registry.GetRoomByAlias(ctx, matrix.AliasLocalpart(target))
	}
	room, err := d.registry.GetRoom(ctx, target)
	if err != nil || room != nil {
		return room, err
	}
	return d.registry.GetRoomByAlias(ctx, target)
}

func (d *Dispatcher) stripPrefix(body string) (string, bool) {
	if !strings.HasPrefix(body, d.prefix) {
		return "", false
	}
	rest := body[len(d.prefix):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' && rest[0] != '\n' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func (d *Dispatcher) reply(ctx context.Context, roomID, body string) {
	err := matrix.Retry(ctx, d.retry, func(ctx context.Context) error {
		_, err := d.gw.SendMessage(ctx, roomID, matrix.Message{Body: body, Notice: true})
		return err
	})
	if err != nil {
		slog.Warn("failed to send command reply", "room_id", roomID, "error", err)
	}
}
