package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/agentrunner/internal/audit"
	"github.com/dohr-michael/agentrunner/internal/browser"
	"github.com/dohr-michael/agentrunner/internal/callbacks"
	"github.com/dohr-michael/agentrunner/internal/config"
	"github.com/dohr-michael/agentrunner/internal/dispatch"
	"github.com/dohr-michael/agentrunner/internal/engine"
	"github.com/dohr-michael/agentrunner/internal/events"
	"github.com/dohr-michael/agentrunner/internal/gateway"
	"github.com/dohr-michael/agentrunner/internal/heartbeat"
	"github.com/dohr-michael/agentrunner/internal/janitor"
	"github.com/dohr-michael/agentrunner/internal/memory"
	"github.com/dohr-michael/agentrunner/internal/metrics"
	"github.com/dohr-michael/agentrunner/internal/models"
	"github.com/dohr-michael/agentrunner/internal/plan"
	"github.com/dohr-michael/agentrunner/internal/search"
	"github.com/dohr-michael/agentrunner/internal/storage"
	"github.com/dohr-michael/agentrunner/internal/tools"
	"github.com/dohr-michael/agentrunner/internal/validators"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the dispatcher, the janitor and the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.IntFlag{
				Name:  "slots",
				Usage: "Maximum concurrently executing runs",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}
	if cmd.IsSet("slots") {
		cfg.Dispatch.MaxConcurrent = cmd.Int("slots")
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer a.Close()

	// Audit entries are mirrored on the bus for the event stream and the event log.
	a.audit.OnAppend(func(e audit.Entry) {
		a.bus.Publish(events.NewTypedEvent(events.SourceAudit, e.RunID, events.AuditPayload{
			Level:    string(e.Level),
			Message:  e.Message,
			Metadata: e.Metadata,
		}))
	})

	eventLog := storage.NewEventLogger(a.artifacts, a.bus)
	defer eventLog.Close()

	m := metrics.New()

	registry := models.NewRegistry(cfg.Models)
	chat := models.NewChatGateway(registry, cfg.Models.CallTimeout.Duration()).
		WithCallbacks(callbacks.NewEventBusHandler(a.bus))
	gw := metrics.InstrumentGateway(chat, m)

	repo, err := memory.Open(ctx, a.db)
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}
	mem := memory.NewService(memory.ServiceConfig{
		Repository:      repo,
		Gateway:         gw,
		Audit:           a.audit,
		ValidationModel: cfg.Memory.ValidationModel,
		SummaryModel:    cfg.Memory.SummaryModel,
	})

	toolRegistry := tools.NewRegistry()
	toolRegistry.Register(plan.ToolBrowser, newBrowser(cfg.Tools.Browser))
	slog.Info("tools loaded", "tools", toolRegistry.Names(), "browser", cfg.Tools.Browser.Driver)

	runner := engine.New(engine.Config{
		Runs:        a.runs,
		Checkpoints: a.checkpoints,
		Planner:     plan.NewBuilder(gw, a.audit),
		Tools:       toolRegistry,
		Assistant: validators.New(validators.Config{
			Gateway: gw,
			Audit:   a.audit,
			Model:   cfg.Agent.ValidatorModel,
		}),
		Memory:    mem,
		Audit:     a.audit,
		Bus:       a.bus,
		Metrics:   m,
		Artifacts: a.artifacts,
		Searcher:  newSearcher(ctx, cfg.Tools.Search),
		Options:   engineOptions(cfg),
	})

	dispatcher := dispatch.New(dispatch.Config{
		Runs:         a.runs,
		Checkpoints:  a.checkpoints,
		Engine:       runner,
		Artifacts:    a.artifacts,
		Tools:        toolRegistry,
		Audit:        a.audit,
		Bus:          a.bus,
		Metrics:      m,
		Slots:        cfg.Dispatch.MaxConcurrent,
		PollInterval: cfg.Dispatch.PollInterval.Duration(),
	})
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	if cfg.Janitor.Schedule != "" {
		j, err := janitor.New(janitor.Config{
			Purger:    dispatcher,
			Bus:       a.bus,
			Schedule:  cfg.Janitor.Schedule,
			Retention: cfg.Janitor.Retention.Duration(),
			Scope:     cfg.Janitor.Scope,
		})
		if err != nil {
			return err
		}
		j.Start()
		defer j.Stop()
	}

	reloader := config.NewReloader(cmd.String("config"), config.DotenvPath(), cfg)
	reloader.OnReload(func(ch config.Change) {
		setupLogging(ch.Current.Log, cmd.Bool("debug"))
		if len(ch.Restart) > 0 {
			slog.Warn("config sections changed, restart to apply", "sections", ch.Restart)
		}
	})
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	server := gateway.NewServer(gateway.Config{
		Control: dispatcher,
		Runs:    a.runs,
		Audit:   a.audit,
		Bus:     a.bus,
		Metrics: m,
		Host:    cfg.Gateway.Host,
		Port:    cfg.Gateway.Port,
	})

	hb := heartbeat.NewWriter(
		filepath.Join(config.HomePath(), heartbeat.FileName),
		fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		heartbeat.DefaultInterval,
		func() heartbeat.Load { return slotLoad(dispatcher.Slots()) },
	)
	hb.Start()
	defer hb.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	for {
		select {
		case <-hup:
			if _, err := reloader.Reload(); err != nil {
				slog.Error("config reload failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	}
}

func slotLoad(slots []dispatch.Slot) heartbeat.Load {
	load := heartbeat.Load{Slots: len(slots)}
	for _, s := range slots {
		if s.Status == dispatch.SlotBusy {
			load.Busy++
			load.RunIDs = append(load.RunIDs, s.RunID)
		}
	}
	return load
}

func newBrowser(cfg config.BrowserConfig) tools.Executor {
	if cfg.Driver == "remote" && cfg.Endpoint != "" {
		return browser.NewRemote(cfg.Endpoint, cfg.Timeout.Duration())
	}
	if cfg.Driver == "remote" {
		slog.Warn("remote browser has no endpoint, using static driver")
	}
	return browser.NewStatic(cfg.Timeout.Duration())
}

// newSearcher returns nil when search is off or cannot start; search-first
// steps then open the search page.
func newSearcher(ctx context.Context, cfg config.SearchConfig) engine.Searcher {
	switch cfg.Provider {
	case "none":
		return nil
	case "duckduckgo":
	default:
		slog.Warn("unknown search provider, using duckduckgo", "provider", cfg.Provider)
	}
	s, err := search.NewDuckDuckGo(ctx, search.Config{
		MaxResults: cfg.MaxResults,
		Timeout:    cfg.Timeout.Duration(),
	})
	if err != nil {
		slog.Warn("web search unavailable", "error", err)
		return nil
	}
	return s
}

func engineOptions(cfg *config.Config) engine.Options {
	return engine.Options{
		Settings:             plan.SettingsInput(cfg.Agent.Settings),
		PlannerModel:         cfg.Agent.PlannerModel,
		GuardModel:           cfg.Agent.GuardModel,
		RequireHumanApproval: cfg.Agent.RequireHumanApproval,
		ApprovalHorizon:      cfg.Agent.Horizon(),
		ApprovalPoll:         cfg.Agent.ApprovalPoll.Duration(),
		StepTimeout:          cfg.Agent.StepTimeout.Duration(),
		SessionContext:       cfg.Memory.SessionContext,
		LongTermContext:      cfg.Memory.LongTermContext,
		SummarizeEvery:       cfg.Memory.SummarizeEvery,
	}
}
