package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	internalconfig "github.com/foxseedlab/heyamori/internal/config"
	"gopkg.in/yaml.v3"
)

// PolicyFile is the YAML layout of POLICY_FILE. Unset scalars keep the
// environment value; lists are merged with the environment lists.
type PolicyFile struct {
	Permissions struct {
		Admins       []string `yaml:"admins,omitempty"`
		Coordinators []string `yaml:"coordinators,omitempty"`
		PromoteUsers *bool    `yaml:"promote_users,omitempty"`
		DemoteUsers  *bool    `yaml:"demote_users,omitempty"`
	} `yaml:"permissions"`
	Power struct {
		AdminLevel       *int `yaml:"admin_level,omitempty"`
		CoordinatorLevel *int `yaml:"coordinator_level,omitempty"`
		DefaultLevel     *int `yaml:"default_level,omitempty"`
	} `yaml:"power"`
	Rooms struct {
		PowerLevels               map[string]any `yaml:"power_levels,omitempty"`
		EnforcePowerInOldRooms    *bool          `yaml:"enforce_power_in_old_rooms,omitempty"`
		RecreateOldRoomNamePrefix *string        `yaml:"recreate_old_room_name_prefix,omitempty"`
		RecreateAsFederated       *bool          `yaml:"recreate_as_federated,omitempty"`
		SecondaryAdmin            *string        `yaml:"secondary_admin,omitempty"`
	} `yaml:"rooms"`
}

func LoadPolicyFile(path string) (*PolicyFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(b)
}

func ParsePolicy(b []byte) (*PolicyFile, error) {
	var p PolicyFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("policy file is invalid: %w", err)
	}
	return &p, nil
}

func (p *PolicyFile) apply(cfg *internalconfig.Config) {
	cfg.Permissions.Admins = mergeEntries(cfg.Permissions.Admins, p.Permissions.Admins)
	cfg.Permissions.Coordinators = mergeEntries(cfg.Permissions.Coordinators, p.Permissions.Coordinators)
	setIf(&cfg.Permissions.PromoteUsers, p.Permissions.PromoteUsers)
	setIf(&cfg.Permissions.DemoteUsers, p.Permissions.DemoteUsers)

	setIf(&cfg.Power.AdminLevel, p.Power.AdminLevel)
	setIf(&cfg.Power.CoordinatorLevel, p.Power.CoordinatorLevel)
	setIf(&cfg.Power.DefaultLevel, p.Power.DefaultLevel)

	if p.Rooms.PowerLevels != nil {
		cfg.Rooms.PowerLevels = p.Rooms.PowerLevels
	}
	setIf(&cfg.Rooms.EnforcePowerInOldRooms, p.Rooms.EnforcePowerInOldRooms)
	setIf(&cfg.Rooms.RecreateOldRoomNamePrefix, p.Rooms.RecreateOldRoomNamePrefix)
	setIf(&cfg.Rooms.RecreateAsFederated, p.Rooms.RecreateAsFederated)
	setIf(&cfg.Rooms.SecondaryAdmin, p.Rooms.SecondaryAdmin)
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func mergeEntries(base, extra []string) []string {
	out := slices.Clone(base)
	for _, e := range trimEntries(extra) {
		if !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	return out
}

func trimEntries(in []string) []string {
	out := make([]string, 0, len(in))
	for _, e := range in {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}
