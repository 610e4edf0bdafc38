package commands

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/agentrunner/internal/audit"
	"github.com/dohr-michael/agentrunner/internal/checkpoint"
	"github.com/dohr-michael/agentrunner/internal/config"
	"github.com/dohr-michael/agentrunner/internal/dispatch"
	"github.com/dohr-michael/agentrunner/internal/events"
	"github.com/dohr-michael/agentrunner/internal/runs"
	"github.com/dohr-michael/agentrunner/internal/storage/artifacts"
	"github.com/dohr-michael/agentrunner/internal/storage/database"
)

// logLevel is shared by every handler so a config reload can change it.
var logLevel = new(slog.LevelVar)

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log, cmd.Bool("debug"))
	return cfg, nil
}

func setupLogging(cfg config.LogConfig, debug bool) {
	logLevel.Set(parseLevel(cfg.Level))
	if debug {
		logLevel.Set(slog.LevelDebug)
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// app holds the stores every command shares.
type app struct {
	cfg         *config.Config
	db          *sql.DB
	runs        *runs.Store
	checkpoints *checkpoint.Store
	audit       *audit.Store
	artifacts   *artifacts.Store
	bus         *events.Bus
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := database.Open(ctx, cfg.Storage.DatabasePath, database.Options{
		ProvisionMemory: !cfg.Memory.Disabled,
	})
	if err != nil {
		return nil, err
	}
	runStore := runs.NewStore(db)
	return &app{
		cfg:         cfg,
		db:          db,
		runs:        runStore,
		checkpoints: checkpoint.NewStore(runStore),
		audit:       audit.NewStore(db),
		artifacts:   artifacts.NewStore(cfg.Storage.ArtifactsDir),
		bus:         events.NewBus(cfg.Events.BufferSize),
	}, nil
}

func (a *app) Close() {
	a.bus.Close()
	if err := a.db.Close(); err != nil {
		slog.Debug("close database", "error", err)
	}
}

// controller returns a dispatcher that is never started: it applies control
// operations to the store and leaves execution to the serving process.
func (a *app) controller() *dispatch.Dispatcher {
	return dispatch.New(dispatch.Config{
		Runs:        a.runs,
		Checkpoints: a.checkpoints,
		Artifacts:   a.artifacts,
		Audit:       a.audit,
		Bus:         a.bus,
	})
}

// withApp loads the config, opens the stores and runs fn.
func withApp(ctx context.Context, cmd *cli.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer a.Close()
	return fn(ctx, a)
}
