// Package main is the entry point for agentmeshd, the demo binary
// that boots the registry, event bus, and lifecycle controller,
// optionally starts a demo agent, and serves the introspection API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/agentmesh/internal/buildinfo"
	"github.com/nugget/agentmesh/internal/config"
	"github.com/nugget/agentmesh/internal/demoagent"
	"github.com/nugget/agentmesh/internal/eventbus"
	"github.com/nugget/agentmesh/internal/ident"
	"github.com/nugget/agentmesh/internal/lifecycle"
	"github.com/nugget/agentmesh/internal/meshapi"
	"github.com/nugget/agentmesh/internal/meshstore"
	"github.com/nugget/agentmesh/internal/registry"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	noDemo := flag.Bool("no-demo", false, "skip starting the demo counter agent")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	run(logger, *configPath, *noDemo)
}

func run(logger *slog.Logger, configPath string, noDemo bool) {
	logger.Info("starting agentmeshd", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfgPath, err := config.FindConfig(configPath)
	var cfg *config.Config
	if err != nil {
		logger.Warn("no config file found, using defaults", "error", err)
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			logger.Error("failed to load config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
		logger.Info("config loaded", "path", cfgPath)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	var sink eventbus.Sink
	var store *meshstore.Store
	if cfg.Storage.Path != "" {
		driverName := "sqlite" // modernc.org/sqlite registers itself as "sqlite"
		if cfg.Storage.Driver == "mattn" {
			driverName = "sqlite3"
		}
		store, err = meshstore.Open(driverName, cfg.Storage.Path)
		if err != nil {
			logger.Error("failed to open audit store", "path", cfg.Storage.Path, "error", err)
			os.Exit(1)
		}
		defer store.Close()
		sink = meshstore.NewSink(logger, store, 256)
		logger.Info("audit trail enabled", "path", cfg.Storage.Path, "driver", cfg.Storage.Driver)
	}

	reg := registry.New(logger)
	defer reg.Close()

	busOpts := []eventbus.Option{eventbus.WithSubscriberBuffer(cfg.Bus.SubscriberBuffer)}
	if sink != nil {
		busOpts = append(busOpts, eventbus.WithSink(sink))
	}
	bus := eventbus.New(logger, cfg.Bus.MaxHistory, busOpts...)
	defer bus.Close()

	ctrl := lifecycle.New(logger, reg, bus, cfg.Registry.LivenessPollInterval, cfg.Registry.ActionTimeout)
	ctrl.Start()
	defer ctrl.Stop()

	if !noDemo {
		_, _, err := ctrl.StartAgent(context.Background(), lifecycle.StartOptions{
			Type:         demoagent.Type,
			Capabilities: []string{demoagent.CapabilityPing},
			InitialState: map[string]any{},
			Module:       demoagent.Counter{},
		})
		if err != nil {
			logger.Error("failed to start demo agent", "error", err)
			os.Exit(1)
		}
		logger.Info("demo counter agent started")
	}

	if store != nil {
		recordTransitions(logger, bus, store)
	}

	server := meshapi.NewServer(cfg.Listen.Address, cfg.Listen.Port, reg, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(); err != nil && ctx.Err() == nil {
		logger.Error("introspection server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("agentmeshd stopped")
}

const recordTransitionTimeout = 5 * time.Second

// recordTransitions subscribes to the lifecycle topics and writes each
// transition to the audit store, running for the process lifetime.
func recordTransitions(logger *slog.Logger, bus *eventbus.Bus, store *meshstore.Store) {
	done := make(chan struct{}) // never closed; lives for the process lifetime
	sub := eventbus.Subscriber{ID: ident.New(ident.KindChannel), Done: done}
	ch := bus.SubscribePattern(sub, "agent_lifecycle.**")

	go func() {
		for ev := range ch {
			agentID, _ := ev.Data["agent_id"].(string)
			reason, _ := ev.Data["error"].(string)
			ctx, cancel := context.WithTimeout(context.Background(), recordTransitionTimeout)
			if err := store.RecordLifecycleTransition(ctx, agentID, ev.Type, reason); err != nil {
				logger.Warn("meshstore: failed to record lifecycle transition", "error", err)
			}
			cancel()
		}
	}()
}
