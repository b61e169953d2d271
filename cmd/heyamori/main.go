package main

import (
	"context"
	"log/slog"
	"os"

	configloader "github.com/foxseedlab/heyamori/external/config"
	"github.com/foxseedlab/heyamori/external/discord"
	matriximpl "github.com/foxseedlab/heyamori/external/matrix"
	"github.com/foxseedlab/heyamori/external/membership"
	notifyimpl "github.com/foxseedlab/heyamori/external/notify"
	repositoryimpl "github.com/foxseedlab/heyamori/external/repository"
	"github.com/foxseedlab/heyamori/external/scheduler"
	"github.com/foxseedlab/heyamori/external/webhook"
	"github.com/foxseedlab/heyamori/internal/command"
	"github.com/foxseedlab/heyamori/internal/config"
	"github.com/foxseedlab/heyamori/internal/convergence"
	"github.com/foxseedlab/heyamori/internal/session"
	"github.com/samber/do/v2"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	matriximpl.RegisterDI(injector)
	membership.RegisterDI(injector)
	webhook.RegisterDI(injector)
	discord.RegisterDI(injector)
	notifyimpl.RegisterDI(injector)
	convergence.RegisterDI(injector)
	session.RegisterDI(injector)
	command.RegisterDI(injector)
	scheduler.RegisterDI(injector)

	return injector
}

// bootstrap loads configuration, installs the logger and builds the
// dependency graph shared by every subcommand.
func bootstrap() (*config.Config, do.Injector) {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env, "version", Version)
	return cfg, setupDI(cfg)
}
