package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

const (
	DefaultAdminLevel       = 100
	DefaultCoordinatorLevel = 50
	DefaultDefaultLevel     = 0
)

var (
	userIDPattern = regexp.MustCompile(`^@[^:\s]+:[^\s]+$`)
	roomIDPattern = regexp.MustCompile(`^![^:\s]+:[^\s]+$`)
)

type Config struct {
	Env                  string
	DatabaseURL          string
	MatrixHomeserverURL  string
	MatrixUserID         string
	MatrixAccessToken    string
	MatrixPassword       string
	MatrixDeviceID       string
	MatrixServerName     string
	MatrixIsSynapseAdmin bool
	CommandPrefix        string
	PolicyFile           string
	ConfirmationTimeout  time.Duration
	GatewayRetryAttempts int
	GatewayCallTimeout   time.Duration
	GatewayRatePerSecond float64
	ReconcileInterval    time.Duration
	GroupCacheTTL        time.Duration
	NotifyWebhookURL     string
	DiscordToken         string
	DiscordChannelID     string

	Permissions Permissions
	Power       PowerTiers
	Rooms       RoomOptions
}

type Permissions struct {
	Admins       []string
	Coordinators []string
	PromoteUsers bool
	DemoteUsers  bool
}

type PowerTiers struct {
	AdminLevel       int
	CoordinatorLevel int
	DefaultLevel     int
}

type RoomOptions struct {
	PowerLevels               map[string]any
	EnforcePowerInOldRooms    bool
	RecreateOldRoomNamePrefix string
	RecreateAsFederated       bool
	SecondaryAdmin            string
}

// Policy is the immutable slice of configuration consulted by the power
// evaluator, the convergence engine and the recreate workflow. Callers
// receive a deep copy and pass it explicitly.
type Policy struct {
	BotUserID                 string
	ServerName                string
	Admins                    []string
	Coordinators              []string
	PromoteUsers              bool
	DemoteUsers               bool
	AdminLevel                int
	CoordinatorLevel          int
	DefaultLevel              int
	PowerLevels               map[string]any
	EnforcePowerInOldRooms    bool
	RecreateOldRoomNamePrefix string
	RecreateAsFederated       bool
	SecondaryAdmin            string
	IsSynapseAdmin            bool
}

func (c *Config) Policy() Policy {
	return Policy{
		BotUserID:                 c.MatrixUserID,
		ServerName:                c.MatrixServerName,
		Admins:                    slices.Clone(c.Permissions.Admins),
		Coordinators:              slices.Clone(c.Permissions.Coordinators),
		PromoteUsers:              c.Permissions.PromoteUsers,
		DemoteUsers:               c.Permissions.DemoteUsers,
		AdminLevel:                c.Power.AdminLevel,
		CoordinatorLevel:          c.Power.CoordinatorLevel,
		DefaultLevel:              c.Power.DefaultLevel,
		PowerLevels:               cloneMap(c.Rooms.PowerLevels),
		EnforcePowerInOldRooms:    c.Rooms.EnforcePowerInOldRooms,
		RecreateOldRoomNamePrefix: c.Rooms.RecreateOldRoomNamePrefix,
		RecreateAsFederated:       c.Rooms.RecreateAsFederated,
		SecondaryAdmin:            c.Rooms.SecondaryAdmin,
		IsSynapseAdmin:            c.MatrixIsSynapseAdmin,
	}
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	if !userIDPattern.MatchString(c.MatrixUserID) {
		return fmt.Errorf("MATRIX_USER_ID must be in the form @name:domain, got %q", c.MatrixUserID)
	}
	if c.MatrixAccessToken == "" && c.MatrixPassword == "" {
		return fmt.Errorf("either MATRIX_ACCESS_TOKEN or MATRIX_PASSWORD is required")
	}
	if c.ConfirmationTimeout <= 0 {
		return fmt.Errorf("CONFIRMATION_TIMEOUT must be positive, got %s", c.ConfirmationTimeout)
	}
	if c.GatewayRetryAttempts <= 0 {
		return fmt.Errorf("GATEWAY_RETRY_ATTEMPTS must be positive, got %d", c.GatewayRetryAttempts)
	}
	if c.GatewayCallTimeout <= 0 {
		return fmt.Errorf("GATEWAY_CALL_TIMEOUT must be positive, got %s", c.GatewayCallTimeout)
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative, got %s", c.ReconcileInterval)
	}
	if c.GroupCacheTTL < 0 {
		return fmt.Errorf("GROUP_CACHE_TTL must not be negative, got %s", c.GroupCacheTTL)
	}
	if (c.DiscordToken == "") != (c.DiscordChannelID == "") {
		return fmt.Errorf("DISCORD_TOKEN and DISCORD_CHANNEL_ID must be set together")
	}
	for _, admin := range c.Permissions.Admins {
		if !IsUserOrRoomID(admin) {
			return fmt.Errorf("admin %q does not look like a user or room", admin)
		}
	}
	for _, coordinator := range c.Permissions.Coordinators {
		if !IsUserOrRoomID(coordinator) {
			return fmt.Errorf("coordinator %q does not look like a user or room", coordinator)
		}
	}
	if c.Rooms.SecondaryAdmin != "" && !userIDPattern.MatchString(c.Rooms.SecondaryAdmin) {
		return fmt.Errorf("secondary admin %q does not look like a user", c.Rooms.SecondaryAdmin)
	}
	if !(c.Power.AdminLevel > c.Power.CoordinatorLevel && c.Power.CoordinatorLevel > c.Power.DefaultLevel) {
		return fmt.Errorf("power levels must satisfy admin > coordinator > default, got %d/%d/%d",
			c.Power.AdminLevel, c.Power.CoordinatorLevel, c.Power.DefaultLevel)
	}
	if strings.TrimSpace(c.CommandPrefix) == "" {
		return fmt.Errorf("COMMAND_PREFIX must not be blank")
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "DATABASE_URL", value: c.DatabaseURL},
		{name: "MATRIX_HOMESERVER_URL", value: c.MatrixHomeserverURL},
		{name: "MATRIX_USER_ID", value: c.MatrixUserID},
		{name: "MATRIX_SERVER_NAME", value: c.MatrixServerName},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func IsUserID(s string) bool {
	return userIDPattern.MatchString(s)
}

func IsRoomID(s string) bool {
	return roomIDPattern.MatchString(s)
}

func IsUserOrRoomID(s string) bool {
	return IsUserID(s) || IsRoomID(s)
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
