package main

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/opsprobe-dev/opsprobe/internal/agents"
	"github.com/opsprobe-dev/opsprobe/internal/bus"
	"github.com/opsprobe-dev/opsprobe/internal/config"
	"github.com/opsprobe-dev/opsprobe/internal/confirm"
	"github.com/opsprobe-dev/opsprobe/internal/logging"
	"github.com/opsprobe-dev/opsprobe/internal/metrics"
	"github.com/opsprobe-dev/opsprobe/internal/queue"
	"github.com/opsprobe-dev/opsprobe/internal/store"
	"github.com/opsprobe-dev/opsprobe/internal/workflow"

	"github.com/prometheus/client_golang/prometheus"
)

// newRootCmd creates the opsprobe root command
func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "opsprobe",
		Short: "Diagnostic investigation orchestrator",
		Long: `opsprobe runs long multi-phase diagnostic investigations over a
user-submitted symptom description, with live WebSocket viewers, durable
event-sourced sessions and human-in-the-loop confirmation gates.

Available subcommands:
  serve       Run the viewer gateway (optionally with embedded workers)
  worker      Run an investigation worker pool

Examples:
  opsprobe serve --config opsprobe.yaml
  opsprobe worker --config opsprobe.yaml`,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "opsprobe.yaml", "path to the configuration file")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newWorkerCmd(&configPath))

	return cmd
}

// runtime bundles the components every subcommand wires the same way
type runtime struct {
	cfg      *config.Config
	logger   logr.Logger
	store    *store.Store
	sessions *store.SessionCache
	bus      *bus.Bus
	queue    *queue.Queue
	engine   *workflow.Engine
}

func buildRuntime(configPath string) (*runtime, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, err
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return nil, err
	}

	q, err := queue.New(st.DB(), cfg.Worker.LeaseTimeout, logger)
	if err != nil {
		return nil, err
	}

	reg, err := agents.NewRegistry(agents.AllKinds())
	if err != nil {
		return nil, err
	}

	sessions := store.NewSessionCache(cfg.Session.TTL)
	eventBus := bus.New(logger)
	gate := confirm.NewGate(logger)
	engine := workflow.New(cfg.Workflow, cfg.Executor, st, sessions, eventBus, reg, gate, logger)

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		sessions: sessions,
		bus:      eventBus,
		queue:    q,
		engine:   engine,
	}, nil
}
