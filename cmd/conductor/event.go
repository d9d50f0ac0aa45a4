package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/luminal-dev/conductor/internal/config"
	"github.com/luminal-dev/conductor/internal/ingest"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Manage inbound webhook events",
	Long: `Submit webhook events and drive their retry processing.

Events are deduplicated by integration and external event ID, rate
limited per integration and source, and routed to the pipelines whose
triggers match. Failed processing retries with linear backoff.`,
}

var eventIngestCmd = &cobra.Command{
	Use:   "ingest [file.json]",
	Short: "Ingest a webhook event from a JSON file or stdin",
	Long: `Ingest one event. The JSON shape:

  {
    "integration_id": "github-prod",
    "external_event_id": "delivery-12345",
    "source": "github",
    "event_type": "push",
    "payload": "...",
    "headers": {"X-GitHub-Event": "push"}
  }

With no file argument, the event is read from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEventIngest,
}

var eventSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Process events whose retry time has arrived",
	RunE:  runEventSweep,
}

func init() {
	eventCmd.AddCommand(eventIngestCmd)
	eventCmd.AddCommand(eventSweepCmd)
}

func runEventIngest(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read event: %w", err)
	}

	var ev ingest.InboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("parse event: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	eng, err := newEngine(s, cfg)
	if err != nil {
		return err
	}
	eng.EnableWebhookSource(ev.Source)

	id, err := eng.Ingest.Ingest(cmd.Context(), ev)
	if errors.Is(err, ingest.ErrRateLimited) {
		return fmt.Errorf("rate limit exceeded for %s:%s", ev.IntegrationID, ev.Source)
	}
	if err != nil {
		return fmt.Errorf("ingest event: %w", err)
	}

	record, err := s.GetEvent(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("get event: %w", err)
	}
	fmt.Printf("%s Event %s recorded (status: %s, attempts: %d)\n",
		color.GreenString("✓"), id, record.Status, record.Attempts)
	if record.ErrorDetails != "" {
		fmt.Printf("  Last error: %s\n", record.ErrorDetails)
	}
	if record.RetryAfter != nil {
		fmt.Printf("  Next retry: %s\n", record.RetryAfter.Format("15:04:05"))
	}
	return nil
}

func runEventSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	eng, err := newEngine(s, cfg)
	if err != nil {
		return err
	}

	// Route retried events to the pipelines whose triggers name their
	// source.
	pipelines, err := s.ListPipelines(cmd.Context(), ownerID)
	if err != nil {
		return fmt.Errorf("list pipelines: %w", err)
	}
	for _, p := range pipelines {
		if p.Trigger.WebhookSource != "" {
			eng.EnableWebhookSource(p.Trigger.WebhookSource)
		}
	}

	n, err := eng.Ingest.Sweep(cmd.Context())
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Printf("Retried %d event(s)\n", n)
	return nil
}
