package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/luminal-dev/conductor/internal/config"
	"github.com/luminal-dev/conductor/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show an overview of orchestration state",
	Long: `Display a summary of the current database.

Shows:
  - Task counts by status
  - Registered pipelines and their recent executions
  - Agent standing and load
  - Events due for retry and recent notifications`,
	RunE: runStatus,
}

var statusRefresh bool

func init() {
	statusCmd.Flags().BoolVar(&statusRefresh, "refresh-stats", false,
		"Recompute rolling pipeline and agent statistics first")
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	if statusRefresh {
		eng, err := newEngine(s, cfg)
		if err != nil {
			return err
		}
		n, err := eng.RecomputeStats(ctx)
		if err != nil {
			return fmt.Errorf("recompute stats: %w", err)
		}
		fmt.Printf("Refreshed statistics for %d entities\n\n", n)
	}

	tasks, err := s.ListTasks(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	byStatus := map[models.TaskStatus]int{}
	for _, t := range tasks {
		byStatus[t.Status]++
	}
	fmt.Printf("Tasks: %s total", formatNumber(len(tasks)))
	if len(tasks) > 0 {
		fmt.Printf(" (%d in progress, %d done, %d blocked)",
			byStatus[models.TaskStatusInProgress],
			byStatus[models.TaskStatusDone],
			byStatus[models.TaskStatusBlocked])
	}
	fmt.Println()

	pipelines, err := s.ListPipelines(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list pipelines: %w", err)
	}
	fmt.Printf("Pipelines: %d\n", len(pipelines))
	for _, p := range pipelines {
		executions, err := s.ListExecutions(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("list executions: %w", err)
		}
		inFlight := 0
		for _, exec := range executions {
			if exec.Status.InFlight() {
				inFlight++
			}
		}
		fmt.Printf("  %-20s %d execution(s), %d in flight\n", p.Name, len(executions), inFlight)
	}

	agents, err := s.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	activeCount := 0
	for _, a := range agents {
		if a.Active {
			activeCount++
		}
	}
	fmt.Printf("Agents: %d (%d active)\n", len(agents), activeCount)

	due, err := s.ListDueRetries(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("list due retries: %w", err)
	}
	if len(due) > 0 {
		fmt.Printf("Events due for retry: %s\n", color.YellowString("%d", len(due)))
	}

	notifications, err := s.ListNotifications(ctx)
	if err != nil {
		return fmt.Errorf("list notifications: %w", err)
	}
	if len(notifications) > 0 {
		fmt.Println("\nRecent notifications:")
		shown := notifications
		if len(shown) > 5 {
			shown = shown[:5]
		}
		for _, n := range shown {
			fmt.Printf("  [%s] %s: %s\n",
				n.TriggeredAt.Format("Jan 2 15:04"), n.Type, n.Message)
		}
	}
	return nil
}

// formatDuration renders a duration as a short human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

// formatNumber renders an integer with thousands separators.
func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%d,%03d", n/1000, n%1000)
}
