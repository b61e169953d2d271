// Package power computes target power levels for room members from the
// configured admin and coordinator lists.
package power

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/foxseedlab/heyamori/internal/config"
	"github.com/foxseedlab/heyamori/internal/matrix"
)

type Tier int

const (
	TierDefault Tier = iota
	TierCoordinator
	TierAdmin
)

func (t Tier) String() string {
	switch t {
	case TierAdmin:
		return "admin"
	case TierCoordinator:
		return "coordinator"
	default:
		return "default"
	}
}

type MembershipRecord struct {
	UserID       string
	CurrentPower int
	Membership   string
}

func (r MembershipRecord) Present() bool {
	return r.Membership == matrix.MembershipJoin || r.Membership == matrix.MembershipInvite
}

type Change struct {
	UserID string
	From   int
	To     int
}

// GroupResolver expands a configured room or space ID into the user IDs
// currently joined to it.
type GroupResolver interface {
	GroupMembers(ctx context.Context, roomID string) ([]string, error)
}

type Levels struct {
	Admin       int
	Coordinator int
	Default     int
}

func LevelsFromPolicy(p config.Policy) Levels {
	return Levels{Admin: p.AdminLevel, Coordinator: p.CoordinatorLevel, Default: p.DefaultLevel}
}

func (l Levels) For(t Tier) int {
	switch t {
	case TierAdmin:
		return l.Admin
	case TierCoordinator:
		return l.Coordinator
	default:
		return l.Default
	}
}

// Tiers is the resolved view of the configured lists: direct user entries
// plus the joined members of every listed group room.
type Tiers struct {
	direct map[string]Tier
	groups map[string]Tier
}

func (t Tiers) Of(userID string) Tier {
	return max(t.direct[userID], t.groups[userID])
}

func (t Tiers) IsAdmin(userID string) bool {
	return t.Of(userID) == TierAdmin
}

func (t Tiers) IsCoordinator(userID string) bool {
	return t.Of(userID) >= TierCoordinator
}

// ResolveTiers looks up group-room members for list entries that are room
// IDs. A group that cannot be read is skipped with a warning so one broken
// group never blocks evaluation.
func ResolveTiers(ctx context.Context, resolver GroupResolver, admins, coordinators []string) Tiers {
	tiers := Tiers{direct: map[string]Tier{}, groups: map[string]Tier{}}
	assign := func(entries []string, tier Tier) {
		for _, entry := range entries {
			entry = strings.TrimSpace(entry)
			switch {
			case config.IsRoomID(entry):
				if resolver == nil {
					continue
				}
				members, err := resolver.GroupMembers(ctx, entry)
				if err != nil {
					slog.Warn("failed to resolve group members for tier", "group_room_id", entry, "tier", tier.String(), "error", err)
					continue
				}
				for _, userID := range members {
					tiers.groups[userID] = max(tiers.groups[userID], tier)
				}
			case entry != "":
				tiers.direct[entry] = max(tiers.direct[entry], tier)
			}
		}
	}
	assign(coordinators, TierCoordinator)
	assign(admins, TierAdmin)
	return tiers
}

type Options struct {
	AllowPromote bool
	AllowDemote  bool
	Exempt       []string
}

// Evaluate returns the power changes needed to bring members to their tier
// level. Present members are promoted or demoted only when allowed; members
// no longer in the room keep no excess power regardless of AllowDemote.
// The result is sorted by user ID and never contains no-op entries.
func Evaluate(members []MembershipRecord, tiers Tiers, levels Levels, opts Options) []Change {
	changes := make([]Change, 0)
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m.UserID == "" || slices.Contains(opts.Exempt, m.UserID) {
			continue
		}
		if _, dup := seen[m.UserID]; dup {
			continue
		}
		seen[m.UserID] = struct{}{}

		if !m.Present() {
			if m.CurrentPower > levels.Default {
				changes = append(changes, Change{UserID: m.UserID, From: m.CurrentPower, To: levels.Default})
			}
			continue
		}
		target := levels.For(tiers.Of(m.UserID))
		switch {
		case m.CurrentPower < target && opts.AllowPromote:
			changes = append(changes, Change{UserID: m.UserID, From: m.CurrentPower, To: target})
		case m.CurrentPower > target && opts.AllowDemote:
			changes = append(changes, Change{UserID: m.UserID, From: m.CurrentPower, To: target})
		}
	}
	slices.SortFunc(changes, func(a, b Change) int { return strings.Compare(a.UserID, b.UserID) })
	return changes
}

// Records merges the member list with the power levels map. Users holding
// power without a present membership are returned as absent records.
func Records(members []matrix.Member, pl *matrix.PowerLevels) []MembershipRecord {
	records := make([]MembershipRecord, 0, len(members)+len(pl.Users))
	known := make(map[string]struct{}, len(members))
	for _, m := range members {
		known[m.UserID] = struct{}{}
		records = append(records, MembershipRecord{
			UserID:       m.UserID,
			CurrentPower: pl.UserLevel(m.UserID),
			Membership:   m.Membership,
		})
	}
	for userID, level := range pl.Users {
		if _, ok := known[userID]; ok {
			continue
		}
		records = append(records, MembershipRecord{UserID: userID, CurrentPower: level, Membership: matrix.MembershipLeave})
	}
	return records
}

// Apply writes changes into a copy of pl.
func Apply(pl *matrix.PowerLevels, changes []Change) *matrix.PowerLevels {
	out := pl.Clone()
	for _, c := range changes {
		out.SetUserLevel(c.UserID, c.To)
	}
	return out
}

func (c Change) String() string {
	return fmt.Sprintf("%s %d→%d", c.UserID, c.From, c.To)
}
