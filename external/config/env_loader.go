package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/heyamori/internal/config"
	"github.com/joho/godotenv"
)

type envConfig struct {
	Env                       string        `env:"ENV" envDefault:"production"`
	DatabaseURL               string        `env:"DATABASE_URL,required"`
	MatrixHomeserverURL       string        `env:"MATRIX_HOMESERVER_URL,required"`
	MatrixUserID              string        `env:"MATRIX_USER_ID,required"`
	MatrixAccessToken         string        `env:"MATRIX_ACCESS_TOKEN"`
	MatrixPassword            string        `env:"MATRIX_PASSWORD"`
	MatrixDeviceID            string        `env:"MATRIX_DEVICE_ID" envDefault:"heyamori"`
	MatrixServerName          string        `env:"MATRIX_SERVER_NAME,required"`
	MatrixIsSynapseAdmin      bool          `env:"MATRIX_IS_SYNAPSE_ADMIN" envDefault:"false"`
	CommandPrefix             string        `env:"COMMAND_PREFIX" envDefault:"!c"`
	PolicyFile                string        `env:"POLICY_FILE"`
	Admins                    []string      `env:"PERMISSION_ADMINS" envSeparator:","`
	Coordinators              []string      `env:"PERMISSION_COORDINATORS" envSeparator:","`
	PromoteUsers              bool          `env:"PERMISSION_PROMOTE_USERS" envDefault:"true"`
	DemoteUsers               bool          `env:"PERMISSION_DEMOTE_USERS" envDefault:"false"`
	EnforcePowerInOldRooms    bool          `env:"ROOMS_ENFORCE_POWER_IN_OLD_ROOMS" envDefault:"true"`
	RecreateOldRoomNamePrefix string        `env:"RECREATE_OLD_ROOM_NAME_PREFIX" envDefault:"OLD"`
	RecreateAsFederated       bool          `env:"RECREATE_AS_FEDERATED" envDefault:"false"`
	RecreateSecondaryAdmin    string        `env:"RECREATE_SECONDARY_ADMIN"`
	ConfirmationTimeout       time.Duration `env:"CONFIRMATION_TIMEOUT" envDefault:"60s"`
	GatewayRetryAttempts      int           `env:"GATEWAY_RETRY_ATTEMPTS" envDefault:"3"`
	GatewayCallTimeout        time.Duration `env:"GATEWAY_CALL_TIMEOUT" envDefault:"15s"`
	GatewayRatePerSecond      float64       `env:"GATEWAY_RATE_PER_SECOND" envDefault:"10"`
	ReconcileInterval         time.Duration `env:"RECONCILE_INTERVAL" envDefault:"0s"`
	GroupCacheTTL             time.Duration `env:"GROUP_CACHE_TTL" envDefault:"5m"`
	NotifyWebhookURL          string        `env:"NOTIFY_WEBHOOK_URL"`
	DiscordToken              string        `env:"DISCORD_TOKEN"`
	DiscordChannelID          string        `env:"DISCORD_CHANNEL_ID"`
}

// Load reads an optional .env file, the environment and the optional policy
// file, then validates the result.
func Load() (*internalconfig.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := fromEnv(raw)
	if cfg.PolicyFile != "" {
		policy, err := LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		policy.apply(cfg)
		slog.Debug("policy file applied", "path", cfg.PolicyFile)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv(raw envConfig) *internalconfig.Config {
	return &internalconfig.Config{
		Env:                  raw.Env,
		DatabaseURL:          raw.DatabaseURL,
		MatrixHomeserverURL:  raw.MatrixHomeserverURL,
		MatrixUserID:         raw.MatrixUserID,
		MatrixAccessToken:    raw.MatrixAccessToken,
		MatrixPassword:       raw.MatrixPassword,
		MatrixDeviceID:       raw.MatrixDeviceID,
		MatrixServerName:     raw.MatrixServerName,
		MatrixIsSynapseAdmin: raw.MatrixIsSynapseAdmin,
		CommandPrefix:        raw.CommandPrefix,
		PolicyFile:           raw.PolicyFile,
		ConfirmationTimeout:  raw.ConfirmationTimeout,
		GatewayRetryAttempts: raw.GatewayRetryAttempts,
		GatewayCallTimeout:   raw.GatewayCallTimeout,
		GatewayRatePerSecond: raw.GatewayRatePerSecond,
		ReconcileInterval:    raw.ReconcileInterval,
		GroupCacheTTL:        raw.GroupCacheTTL,
		NotifyWebhookURL:     raw.NotifyWebhookURL,
		DiscordToken:         raw.DiscordToken,
		DiscordChannelID:     raw.DiscordChannelID,
		Permissions: internalconfig.Permissions{
			Admins:       trimEntries(raw.Admins),
			Coordinators: trimEntries(raw.Coordinators),
			PromoteUsers: raw.PromoteUsers,
			DemoteUsers:  raw.DemoteUsers,
		},
		Power: internalconfig.PowerTiers{
			AdminLevel:       internalconfig.DefaultAdminLevel,
			CoordinatorLevel: internalconfig.DefaultCoordinatorLevel,
			DefaultLevel:     internalconfig.DefaultDefaultLevel,
		},
		Rooms: internalconfig.RoomOptions{
			EnforcePowerInOldRooms:    raw.EnforcePowerInOldRooms,
			RecreateOldRoomNamePrefix: raw.RecreateOldRoomNamePrefix,
			RecreateAsFederated:       raw.RecreateAsFederated,
			SecondaryAdmin:            raw.RecreateSecondaryAdmin,
		},
	}
}
