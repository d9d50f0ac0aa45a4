package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/luminal-dev/conductor/internal/config"
	"github.com/luminal-dev/conductor/internal/pipeline"
	"github.com/luminal-dev/conductor/pkg/models"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Manage pipelines and executions",
	Long: `Register pipeline definitions from YAML files, trigger executions,
and inspect their step-by-step progress.

A definition names its steps, their dependency order, and the agent task
type each one dispatches. Each pipeline admits a bounded number of
in-flight executions; triggers beyond that are rejected.`,
}

var pipelineRegisterCmd = &cobra.Command{
	Use:   "register <definition.yaml>",
	Short: "Register a pipeline from a YAML definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineRegister,
}

var pipelineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered pipelines",
	RunE:  runPipelineList,
}

var pipelineTriggerCmd = &cobra.Command{
	Use:   "trigger <pipeline-id>",
	Short: "Start a new execution of a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineTrigger,
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status <pipeline-id>",
	Short: "Show a pipeline's executions and their steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineStatus,
}

func init() {
	pipelineCmd.AddCommand(pipelineRegisterCmd)
	pipelineCmd.AddCommand(pipelineListCmd)
	pipelineCmd.AddCommand(pipelineTriggerCmd)
	pipelineCmd.AddCommand(pipelineStatusCmd)
}

func runPipelineRegister(cmd *cobra.Command, args []string) error {
	def, err := pipeline.LoadDefinitionFile(args[0])
	if err != nil {
		return err
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
	id, err := eng.Pipelines.Register(cmd.Context(), ownerID, def)
	if err != nil {
		return fmt.Errorf("register pipeline: %w", err)
	}

	fmt.Printf("%s Registered pipeline %q (%s, %d steps)\n",
		color.GreenString("✓"), def.Name, id, len(def.Steps))
	if def.Trigger.WebhookSource != "" {
		fmt.Printf("  Triggers on webhook source %q", def.Trigger.WebhookSource)
		if def.Trigger.EventType != "" {
			fmt.Printf(" (event type %q)", def.Trigger.EventType)
		}
		fmt.Println()
	}
	return nil
}

func runPipelineList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	pipelines, err := s.ListPipelines(cmd.Context(), ownerID)
	if err != nil {
		return fmt.Errorf("list pipelines: %w", err)
	}
	if len(pipelines) == 0 {
		fmt.Println("No pipelines. Run 'conductor pipeline register <file>' to add one.")
		return nil
	}

	for _, p := range pipelines {
		rate := "no runs yet"
		if p.AverageDuration > 0 {
			rate = fmt.Sprintf("%.0f%% success, avg %s",
				p.SuccessRate*100, formatDuration(p.AverageDuration))
		}
		fmt.Printf("%s  %-20s %d steps  %s\n", p.ID, p.Name, len(p.Steps), rate)
	}
	return nil
}

func runPipelineTrigger(cmd *cobra.Command, args []string) error {
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
	executionID, err := eng.TriggerPipeline(cmd.Context(), args[0])
	if errors.Is(err, pipeline.ErrConcurrencyLimit) {
		return fmt.Errorf("pipeline already has the maximum number of executions in flight")
	}
	if err != nil {
		return fmt.Errorf("trigger pipeline: %w", err)
	}

	fmt.Printf("%s Started execution %s\n", color.GreenString("✓"), executionID)
	fmt.Println("  Agent-backed steps run while 'conductor serve' is active.")
	return nil
}

func runPipelineStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	ctx := cmd.Context()
	p, err := s.GetPipeline(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get pipeline: %w", err)
	}

	fmt.Printf("Pipeline: %s (%s)\n", p.Name, p.ID)
	if p.AverageDuration > 0 {
		fmt.Printf("  Success rate: %.0f%%\n", p.SuccessRate*100)
		fmt.Printf("  Average duration: %s\n", formatDuration(p.AverageDuration))
	}

	executions, err := s.ListExecutions(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("list executions: %w", err)
	}
	if len(executions) == 0 {
		fmt.Println("  No executions yet.")
		return nil
	}

	for _, exec := range executions {
		fmt.Printf("\nExecution %s  %s  started %s ago\n",
			exec.ID, colorExecutionStatus(exec.Status), formatDuration(time.Since(exec.CreatedAt)))
		if exec.ErrorDetails != "" {
			fmt.Printf("  Error: %s\n", exec.ErrorDetails)
		}

		steps, err := s.GetSteps(ctx, exec.ID)
		if err != nil {
			return fmt.Errorf("get steps: %w", err)
		}
		for _, step := range steps {
			line := fmt.Sprintf("  %s %-20s %s", stepGlyph(step.Status), step.Name, step.Status)
			if step.RetryCount > 0 {
				line += fmt.Sprintf(" (retries %d/%d)", step.RetryCount, step.MaxRetries)
			}
			if d := step.Duration(); d > 0 {
				line += fmt.Sprintf(" in %s", formatDuration(d))
			}
			fmt.Println(line)
			if step.ErrorDetails != "" {
				fmt.Printf("      %s\n", step.ErrorDetails)
			}
		}
	}
	return nil
}

func colorExecutionStatus(status models.ExecutionStatus) string {
	switch status {
	case models.ExecutionStatusCompleted:
		return color.GreenString(string(status))
	case models.ExecutionStatusFailed, models.ExecutionStatusTimeout:
		return color.RedString(string(status))
	case models.ExecutionStatusRunning:
		return color.CyanString(string(status))
	default:
		return string(status)
	}
}

func stepGlyph(status models.StepStatus) string {
	switch status {
	case models.StepStatusCompleted:
		return color.GreenString("✓")
	case models.StepStatusFailed:
		return color.RedString("✗")
	case models.StepStatusRunning:
		return color.CyanString("▸")
	case models.StepStatusSkipped:
		return color.YellowString("⊘")
	default:
		return "·"
	}
}
