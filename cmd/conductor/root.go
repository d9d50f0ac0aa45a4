package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/luminal-dev/conductor/internal/config"
	"github.com/luminal-dev/conductor/internal/engine"
	"github.com/luminal-dev/conductor/internal/store"
)

var storePath string
var ownerID string

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Task orchestration engine",
	Long: `Conductor coordinates hierarchical tasks, dependency graphs, and
multi-step pipelines executed by capacity-limited agents.

Work arrives as manual triggers or webhook events, is deduplicated and
rate limited, and flows through pipeline steps dispatched to the best
available agent for each task type.

Typical flow:
  conductor init                          set up config and data directory
  conductor agent register --type work    register an agent
  conductor pipeline register deploy.yaml register a pipeline definition
  conductor serve                         run the engine loops
  conductor pipeline trigger <id>         start an execution`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storePath, "db", "", "Path to the SQLite database (overrides config)")
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner", "default", "Owner scope for created resources")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// openStore opens the database named by the --db flag, falling back to
// the configured path and then the XDG default.
func openStore(cfg *config.Config) (*store.Store, error) {
	path := storePath
	if path == "" {
		path = cfg.Store.Path
	}
	if path == "" {
		path = store.DefaultPath()
	}
	return store.Open(path)
}

func engineOptions(cfg *config.Config) engine.Options {
	return engine.Options{
		RateLimit:        cfg.RateLimit.Requests,
		RateWindow:       cfg.RateLimit.Window,
		InFlightLimit:    cfg.Engine.PipelineConcurrency,
		ExecutionTimeout: cfg.Engine.ExecutionTimeout,
		AgentTaskTimeout: cfg.Engine.AgentTaskTimeout,
		WatchdogInterval: cfg.Engine.WatchdogInterval,
		SweepInterval:    cfg.Ingest.SweepInterval,
		WorkerPoll:       cfg.Engine.WorkerPoll,
		EventBuffer:      cfg.Engine.EventBuffer,
	}
}

// newEngine assembles an engine for a one-shot command. No background
// loops run, so no execution collaborator is wired.
func newEngine(s *store.Store, cfg *config.Config) (*engine.Engine, error) {
	eng, err := engine.New(s, nil, engineOptions(cfg))
	if err != nil {
		return nil, err
	}
	eng.Ingest.SetMaxAttempts(cfg.Ingest.MaxAttempts)
	eng.Ingest.SetBackoffBase(cfg.Ingest.BackoffBase)
	return eng, nil
}
