package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/luminal-dev/conductor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify conductor configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/conductor/config.yaml
Project-specific overrides can be placed in .conductor.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	// Mask API key if set
	apiKeyDisplay := "(not set)"
	if cfg.Anthropic.APIKey != "" {
		apiKeyDisplay = "****"
	}

	fmt.Printf("anthropic.api_key: %s\n", apiKeyDisplay)
	fmt.Printf("anthropic.model: %s\n", cfg.Anthropic.Model)
	fmt.Printf("anthropic.use_bedrock: %t\n", cfg.Anthropic.UseBedrock)
	fmt.Printf("store.path: %s\n", cfg.Store.Path)
	fmt.Printf("engine.pipeline_concurrency: %d\n", cfg.Engine.PipelineConcurrency)
	fmt.Printf("engine.execution_timeout: %s\n", cfg.Engine.ExecutionTimeout)
	fmt.Printf("engine.agent_task_timeout: %s\n", cfg.Engine.AgentTaskTimeout)
	fmt.Printf("engine.watchdog_interval: %s\n", cfg.Engine.WatchdogInterval)
	fmt.Printf("engine.worker_poll: %s\n", cfg.Engine.WorkerPoll)
	fmt.Printf("rate_limit.requests: %d\n", cfg.RateLimit.Requests)
	fmt.Printf("rate_limit.window: %s\n", cfg.RateLimit.Window)
	fmt.Printf("ingest.max_attempts: %d\n", cfg.Ingest.MaxAttempts)
	fmt.Printf("ingest.backoff_base: %s\n", cfg.Ingest.BackoffBase)
	fmt.Printf("ingest.sweep_interval: %s\n", cfg.Ingest.SweepInterval)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	switch key {
	case "anthropic.api_key":
		if cfg.Anthropic.APIKey != "" {
			fmt.Println("****")
		} else {
			fmt.Println("(not set)")
		}
	case "anthropic.model":
		fmt.Println(cfg.Anthropic.Model)
	case "anthropic.use_bedrock":
		fmt.Println(cfg.Anthropic.UseBedrock)
	case "store.path":
		fmt.Println(cfg.Store.Path)
	case "engine.pipeline_concurrency":
		fmt.Println(cfg.Engine.PipelineConcurrency)
	case "engine.execution_timeout":
		fmt.Println(cfg.Engine.ExecutionTimeout)
	case "engine.agent_task_timeout":
		fmt.Println(cfg.Engine.AgentTaskTimeout)
	case "rate_limit.requests":
		fmt.Println(cfg.RateLimit.Requests)
	case "rate_limit.window":
		fmt.Println(cfg.RateLimit.Window)
	case "ingest.max_attempts":
		fmt.Println(cfg.Ingest.MaxAttempts)
	case "ingest.backoff_base":
		fmt.Println(cfg.Ingest.BackoffBase)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config key: %s\n", key)
		os.Exit(1)
	}
}

// setConfigKey updates a configuration value and saves it.
func setConfigKey(cfg *config.Config, key, value string) {
	var err error
	switch key {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.use_bedrock":
		cfg.Anthropic.UseBedrock, err = strconv.ParseBool(value)
	case "store.path":
		cfg.Store.Path = value
	case "engine.pipeline_concurrency":
		cfg.Engine.PipelineConcurrency, err = strconv.Atoi(value)
	case "engine.execution_timeout":
		cfg.Engine.ExecutionTimeout, err = time.ParseDuration(value)
	case "engine.agent_task_timeout":
		cfg.Engine.AgentTaskTimeout, err = time.ParseDuration(value)
	case "rate_limit.requests":
		cfg.RateLimit.Requests, err = strconv.Atoi(value)
	case "rate_limit.window":
		cfg.RateLimit.Window, err = time.ParseDuration(value)
	case "ingest.max_attempts":
		cfg.Ingest.MaxAttempts, err = strconv.Atoi(value)
	case "ingest.backoff_base":
		cfg.Ingest.BackoffBase, err = time.ParseDuration(value)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config key: %s\n", key)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid value for %s: %v\n", key, err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Set %s\n", key)
}
