package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/luminal-dev/conductor/internal/config"
	"github.com/luminal-dev/conductor/pkg/models"
)

var agentName string
var agentCapabilities []string
var agentMaxConcurrent int

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage execution agents",
	Long: `Register agents and inspect their standing.

Each agent handles one task type, advertises capabilities, and accepts
work up to its concurrency limit. The scheduler ranks candidates by
trailing success rate, breaking ties on average completion time.`,
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register <type>",
	Short: "Register an agent for a task type",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentRegister,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE:  runAgentList,
}

var agentDisableCmd = &cobra.Command{
	Use:   "disable <agent-id>",
	Short: "Stop assigning new work to an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentSetActive(false),
}

var agentEnableCmd = &cobra.Command{
	Use:   "enable <agent-id>",
	Short: "Resume assigning work to an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentSetActive(true),
}

func init() {
	agentRegisterCmd.Flags().StringVar(&agentName, "name", "", "Human-readable agent name")
	agentRegisterCmd.Flags().StringSliceVar(&agentCapabilities, "capability", nil, "Capability the agent advertises (repeatable)")
	agentRegisterCmd.Flags().IntVar(&agentMaxConcurrent, "max-concurrent", 1, "Maximum queued plus running tasks")

	agentCmd.AddCommand(agentRegisterCmd)
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentDisableCmd)
	agentCmd.AddCommand(agentEnableCmd)
}

func runAgentRegister(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	name := agentName
	if name == "" {
		name = args[0]
	}
	agent := &models.Agent{
		ID:                 uuid.New().String(),
		OwnerID:            ownerID,
		Name:               name,
		Type:               args[0],
		Capabilities:       agentCapabilities,
		Active:             true,
		MaxConcurrentTasks: agentMaxConcurrent,
		CreatedAt:          time.Now(),
	}
	if err := s.CreateAgent(cmd.Context(), agent); err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	fmt.Printf("%s Registered agent %q (%s) for task type %q\n",
		color.GreenString("✓"), agent.Name, agent.ID, agent.Type)
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
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
	agents, err := s.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if len(agents) == 0 {
		fmt.Println("No agents. Run 'conductor agent register <type>' to add one.")
		return nil
	}

	for _, a := range agents {
		active, err := s.CountActiveAgentTasks(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("count active tasks: %w", err)
		}

		state := color.GreenString("active")
		if !a.Active {
			state = color.YellowString("disabled")
		}
		stats := "no completions yet"
		if a.LastUsedAt != nil {
			stats = fmt.Sprintf("%.0f%% success, avg %s, last used %s ago",
				a.SuccessRate*100,
				formatDuration(a.AverageCompletionTime),
				formatDuration(time.Since(*a.LastUsedAt)))
		}
		fmt.Printf("%s  %-16s %-12s %s  load %d/%d  %s\n",
			a.ID, a.Name, a.Type, state, active, a.MaxConcurrentTasks, stats)
	}
	return nil
}

func runAgentSetActive(active bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		s, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		if err := s.SetAgentActive(cmd.Context(), args[0], active); err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		verb := "disabled"
		if active {
			verb = "enabled"
		}
		fmt.Printf("Agent %s %s\n", args[0], verb)
		return nil
	}
}
