package convergence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foxseedlab/heyamori/internal/config"
	"github.com/foxseedlab/heyamori/internal/matrix"
	"github.com/foxseedlab/heyamori/internal/notify"
	"github.com/foxseedlab/heyamori/internal/repository"
)

type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []Result
}

func (r Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Failed() {
			out = append(out, res)
		}
	}
	return out
}

func (r Report) NoAdmin() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.MaintainerStatus == MaintainerNoAdmin {
			out = append(out, res)
		}
	}
	return out
}

func (r Report) Created() int {
	n := 0
	for _, res := range r.Results {
		if res.Created {
			n++
		}
	}
	return n
}

func (r Report) PowerChanges() int {
	n := 0
	for _, res := range r.Results {
		n += len(res.PowerChanges)
	}
	return n
}

// ReconcileAll converges every registered room and space in turn. A room
// that fails is recorded in the report and never stops the pass.
func (e *Engine) ReconcileAll(ctx context.Context, policy config.Policy) (Report, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	report := Report{StartedAt: time.Now().UTC()}
	rooms, err := e.registry.ListRooms(ctx, "")
	if err != nil {
		return report, fmt.Errorf("list managed rooms: %w", err)
	}
	for _, room := range rooms {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		res := e.reconcile(ctx, room, policy)
		if res.Err != nil {
			slog.Error("failed to reconcile room", "logical_id", room.LogicalID, "room_id", res.RoomID, "step", res.Step, "kind", matrix.KindOf(res.Err), "error", res.Err)
		}
		report.Results = append(report.Results, res)
	}
	report.FinishedAt = time.Now().UTC()
	slog.Info("reconciled managed rooms",
		"rooms", len(report.Results),
		"created", report.Created(),
		"power_changes", report.PowerChanges(),
		"no_admin", len(report.NoAdmin()),
		"failed", len(report.Failures()),
	)
	return report, nil
}

// Format renders the report as markdown for chat and operator channels.
func (r Report) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reconciled %d rooms: %d created, %d power changes, %d without admin, %d failed.\n",
		len(r.Results), r.Created(), r.PowerChanges(), len(r.NoAdmin()), len(r.Failures()))
	for _, res := range r.Results {
		switch {
		case res.Err != nil:
			fmt.Fprintf(&b, "* %s: failed at %s (%s)\n", res.LogicalID, res.Step, matrix.KindOf(res.Err))
		case len(res.PowerFailures) > 0:
			fmt.Fprintf(&b, "* %s: %d power changes failed (%s)\n", res.LogicalID, len(res.PowerFailures), matrix.KindOf(res.PowerFailures[0].Err))
		case res.MaintainerStatus == MaintainerNoAdmin:
			fmt.Fprintf(&b, "* %s: bot lacks admin power\n", res.LogicalID)
		case res.Created:
			fmt.Fprintf(&b, "* %s: created %s\n", res.LogicalID, res.RoomID)
		}
		if res.EncryptionErr != nil {
			fmt.Fprintf(&b, "* %s: could not enable encryption (%s)\n", res.LogicalID, matrix.KindOf(res.EncryptionErr))
		}
	}
	return b.String()
}

// Notification summarises the report for operator channels.
func (r Report) Notification() notify.Notification {
	level := notify.LevelInfo
	switch {
	case len(r.Failures()) > 0:
		level = notify.LevelError
	case len(r.NoAdmin()) > 0:
		level = notify.LevelWarn
	}
	return notify.Notification{
		Kind:  "reconcile",
		Level: level,
		Title: fmt.Sprintf("Reconciled %d rooms", len(r.Results)),
		Body:  r.Format(),
		Fields: map[string]string{
			"created":       fmt.Sprint(r.Created()),
			"power_changes": fmt.Sprint(r.PowerChanges()),
			"no_admin":      fmt.Sprint(len(r.NoAdmin())),
			"failed":        fmt.Sprint(len(r.Failures())),
			"duration":      r.FinishedAt.Sub(r.StartedAt).String(),
		},
	}
}

type NoAdminRoom struct {
	Room        repository.ManagedRoom
	BotLevel    int
	MemberCount int // -1 when unknown
	OtherAdmins int
	Err         error
}

// ListNoAdmin reports registered rooms of the given kind where the bot's
// power is below 100 or the power levels cannot be read.
func (e *Engine) ListNoAdmin(ctx context.Context, kind repository.RoomKind) ([]NoAdminRoom, error) {
	rooms, err := e.registry.ListRooms(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list managed rooms: %w", err)
	}
	botID := e.gw.UserID()
	var out []NoAdminRoom
	for _, room := range rooms {
		if room.RoomID == "" {
			continue
		}
		pl, members, err := e.readRoom(ctx, room.RoomID)
		if err != nil {
			if errors.Is(err, matrix.ErrPermission) || errors.Is(err, matrix.ErrNotFound) {
				out = append(out, NoAdminRoom{Room: room, MemberCount: -1, Err: err})
				continue
			}
			return nil, err
		}
		botLevel := pl.UserLevel(botID)
		if botLevel >= 100 {
			continue
		}
		entry := NoAdminRoom{Room: room, BotLevel: botLevel}
		for _, m := range members {
			if m.Membership == matrix.MembershipJoin {
				entry.MemberCount++
			}
		}
		for userID, level := range pl.Users {
			if userID != botID && level >= 100 {
				entry.OtherAdmins++
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func FormatNoAdmin(rooms []NoAdminRoom, kind repository.RoomKind, serverName string) string {
	noun := "rooms"
	if kind == repository.RoomKindSpace {
		noun = "spaces"
	}
	if len(rooms) == 0 {
		return fmt.Sprintf("I have admin power in all %s I maintain.", noun)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "I lack admin power in the following %s I maintain:\n\n", noun)
	for _, r := range rooms {
		users := "unknown"
		if r.MemberCount >= 0 {
			users = fmt.Sprint(r.MemberCount)
		}
		fmt.Fprintf(&b, "* %s / %s / %s / users: %s", r.Room.Name, matrix.FullAlias(r.Room.Alias, serverName), r.Room.RoomID, users)
		if r.OtherAdmins > 0 {
			fmt.Fprintf(&b, ". **It has %d other admins.**", r.OtherAdmins)
		}
		b.WriteString("\n")
	}
	return b.String()
}
