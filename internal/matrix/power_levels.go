package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
)

const defaultStateLevel = 50

// PowerLevels keeps the raw m.room.power_levels content so that fields the
// bot does not manage survive a read-modify-write unchanged.
type PowerLevels struct {
	raw   map[string]any
	Users map[string]int
}

func ParsePowerLevels(content json.RawMessage) (*PowerLevels, error) {
	raw := map[string]any{}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &raw); err != nil {
			return nil, fmt.Errorf("parse power levels: %w", err)
		}
	}
	users := map[string]int{}
	if rawUsers, ok := raw["users"].(map[string]any); ok {
		for userID, level := range rawUsers {
			users[userID] = toInt(level)
		}
	}
	return &PowerLevels{raw: raw, Users: users}, nil
}

func NewPowerLevels(content map[string]any) *PowerLevels {
	encoded, _ := json.Marshal(content)
	pl, err := ParsePowerLevels(encoded)
	if err != nil {
		return &PowerLevels{raw: map[string]any{}, Users: map[string]int{}}
	}
	return pl
}

func (p *PowerLevels) UserLevel(userID string) int {
	if level, ok := p.Users[userID]; ok {
		return level
	}
	return p.UsersDefault()
}

func (p *PowerLevels) SetUserLevel(userID string, level int) {
	p.Users[userID] = level
}

func (p *PowerLevels) UsersDefault() int {
	return toInt(p.raw["users_default"])
}

// StateLevel is the level required to send a state event of the given type.
func (p *PowerLevels) StateLevel(eventType string) int {
	if events, ok := p.raw["events"].(map[string]any); ok {
		if level, ok := events[eventType]; ok {
			return toInt(level)
		}
	}
	if level, ok := p.raw["state_default"]; ok {
		return toInt(level)
	}
	return defaultStateLevel
}

// Content returns the event content with the current Users map applied.
func (p *PowerLevels) Content() map[string]any {
	out := maps.Clone(p.raw)
	if out == nil {
		out = map[string]any{}
	}
	users := make(map[string]any, len(p.Users))
	for userID, level := range p.Users {
		users[userID] = level
	}
	out["users"] = users
	return out
}

func (p *PowerLevels) Clone() *PowerLevels {
	return &PowerLevels{raw: maps.Clone(p.raw), Users: maps.Clone(p.Users)}
}

// SetUserPower performs a single read-modify-write of the power levels
// event for one user. A conflicting write is retried once after re-reading
// the current state.
func SetUserPower(ctx context.Context, gw Gateway, p RetryPolicy, roomID, userID string, level int) error {
	write := func() error {
		var content json.RawMessage
		if err := Retry(ctx, p, func(ctx context.Context) error {
			var err error
			content, err = gw.GetState(ctx, roomID, EventTypePowerLevels)
			return err
		}); err != nil {
			return fmt.Errorf("read power levels of %s: %w", roomID, err)
		}
		pl, err := ParsePowerLevels(content)
		if err != nil {
			return err
		}
		if pl.UserLevel(userID) == level {
			return nil
		}
		pl.SetUserLevel(userID, level)
		return Retry(ctx, p, func(ctx context.Context) error {
			return gw.SetState(ctx, roomID, EventTypePowerLevels, pl.Content())
		})
	}
	err := write()
	if IsConflict(err) {
		err = write()
	}
	if err != nil {
		return fmt.Errorf("set power of %s in %s to %d: %w", userID, roomID, level, err)
	}
	return nil
}

func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}
