package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/luminal-dev/conductor/internal/config"
	"github.com/luminal-dev/conductor/internal/dispatch"
	"github.com/luminal-dev/conductor/internal/engine"
)

var serveDataDir string
var serveSources []string
var serveDebug bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine",
	Long: `Start the engine loops: agent workers, the event retry sweeper, and
the timeout watchdog. Webhook sources named with --source are routed to
the pipelines whose triggers match them.

Runs until interrupted, or until a kill signal file appears in the data
directory (see 'conductor serve --data-dir').`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Directory for control signal files")
	serveCmd.Flags().StringSliceVar(&serveSources, "source", nil, "Webhook source to route to pipelines (repeatable)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Log engine internals to stderr")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	collab, err := newCollaborator(cfg)
	if err != nil {
		return err
	}

	opts := engineOptions(cfg)
	opts.DataDir = serveDataDir

	eng, err := engine.New(s, collab, opts)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	defer eng.Close()

	eng.Ingest.SetMaxAttempts(cfg.Ingest.MaxAttempts)
	eng.Ingest.SetBackoffBase(cfg.Ingest.BackoffBase)
	for _, source := range serveSources {
		eng.EnableWebhookSource(source)
	}
	if serveDebug {
		eng.SetDebugLog(func(format string, args ...interface{}) {
			fmt.Fprintf(os.Stderr, "debug: "+format+"\n", args...)
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go printEvents(eng.Events())

	fmt.Printf("%s engine running (db: %s)\n", color.GreenString("▶"), s.Path())
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	fmt.Printf("%s engine stopped\n", color.YellowString("■"))
	return nil
}

// printEvents streams engine events to stdout until the channel closes.
func printEvents(events <-chan engine.Event) {
	for ev := range events {
		line := string(ev.Type)
		switch {
		case ev.StepName != "":
			line = fmt.Sprintf("%s step=%s execution=%s", ev.Type, ev.StepName, ev.ExecutionID)
		case ev.ExecutionID != "":
			line = fmt.Sprintf("%s execution=%s", ev.Type, ev.ExecutionID)
		case ev.WebhookEventID != "":
			line = fmt.Sprintf("%s event=%s", ev.Type, ev.WebhookEventID)
		case ev.AgentID != "":
			line = fmt.Sprintf("%s agent=%s", ev.Type, ev.AgentID)
		}
		if ev.Err != nil {
			line = fmt.Sprintf("%s: %s", color.RedString(line), ev.Err)
		}
		fmt.Printf("  [%s] %s\n", ev.Timestamp.Format("15:04:05"), line)
	}
}

// newCollaborator builds the execution collaborator from config. Direct
// API access requires a key; Bedrock resolves credentials from the AWS
// environment instead.
func newCollaborator(cfg *config.Config) (dispatch.Collaborator, error) {
	clientCfg := dispatch.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	}
	if !cfg.Anthropic.UseBedrock {
		key, err := config.GetAPIKey(cfg)
		if err != nil {
			return nil, err
		}
		clientCfg.APIKey = key
	}
	return dispatch.NewAnthropicCollaborator(clientCfg)
}
