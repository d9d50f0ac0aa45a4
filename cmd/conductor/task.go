package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/luminal-dev/conductor/internal/config"
	"github.com/luminal-dev/conductor/pkg/models"
)

var taskDescription string
var taskParent string
var taskPriority int
var taskDepType string

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage orchestration tasks",
	Long: `Create and inspect tasks, arrange them into a hierarchy, and link
them with dependency edges.

Parents track the mean progress of their children; blocking edges are
rejected if adding them would close a cycle.`,
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks for the current owner",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task with its ancestors and dependencies",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskReparentCmd = &cobra.Command{
	Use:   "reparent <task-id> <parent-id>",
	Short: "Move a task under a new parent",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskReparent,
}

var taskDependCmd = &cobra.Command{
	Use:   "depend <dependent-id> <dependency-id>",
	Short: "Add a dependency edge between two tasks",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskDepend,
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <task-id>",
	Short: "Delete a task and its dependency edges",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRemove,
}

var taskProgressCmd = &cobra.Command{
	Use:   "progress <task-id> <percent>",
	Short: "Set task progress and roll it up the hierarchy",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskProgress,
}

func init() {
	taskAddCmd.Flags().StringVar(&taskDescription, "description", "", "Detailed task description")
	taskAddCmd.Flags().StringVar(&taskParent, "parent", "", "Parent task ID")
	taskAddCmd.Flags().IntVar(&taskPriority, "priority", 0, "Queue priority (higher runs first)")
	taskDependCmd.Flags().StringVar(&taskDepType, "type", string(models.DependencyBlocks),
		"Edge type: blocks, relates_to, or duplicates")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskReparentCmd)
	taskCmd.AddCommand(taskDependCmd)
	taskCmd.AddCommand(taskProgressCmd)
	taskCmd.AddCommand(taskRemoveCmd)
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	now := time.Now()
	task := &models.Task{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Title:       args[0],
		Description: taskDescription,
		Status:      models.TaskStatusTodo,
		Priority:    taskPriority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.CreateTask(cmd.Context(), task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	if taskParent != "" {
		eng, err := newEngine(s, cfg)
		if err != nil {
			return err
		}
		if err := eng.Hierarchy.SetParent(cmd.Context(), task.ID, taskParent); err != nil {
			return fmt.Errorf("set parent: %w", err)
		}
	}

	fmt.Printf("Created task %s\n", task.ID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	tasks, err := s.ListTasks(cmd.Context(), ownerID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks. Run 'conductor task add <title>' to create one.")
		return nil
	}

	for _, t := range tasks {
		marker := " "
		if t.ParentID != "" {
			marker = "└"
		}
		fmt.Printf("%s %s  %-12s %3d%%  %s\n", marker, t.ID, t.Status, t.ProgressPercentage, t.Title)
	}
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
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
	task, err := s.GetTask(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	fmt.Printf("Task: %s\n", task.ID)
	fmt.Printf("  Title: %s\n", task.Title)
	fmt.Printf("  Status: %s\n", task.Status)
	fmt.Printf("  Progress: %d%%\n", task.ProgressPercentage)
	if task.BlockedReason != "" {
		fmt.Printf("  Blocked: %s\n", task.BlockedReason)
	}
	fmt.Printf("  Created: %s ago\n", formatDuration(time.Since(task.CreatedAt)))

	ancestors, err := s.GetAncestors(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("get ancestors: %w", err)
	}
	if len(ancestors) > 0 {
		fmt.Println("  Ancestors:")
		for _, edge := range ancestors {
			fmt.Printf("    %s (depth %d)\n", edge.AncestorID, edge.Depth)
		}
	}

	deps, err := s.DependenciesOf(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("get dependencies: %w", err)
	}
	if len(deps) > 0 {
		fmt.Println("  Depends on:")
		for _, edge := range deps {
			fmt.Printf("    %s (%s)\n", edge.DependencyID, edge.Type)
		}
	}

	children, err := s.ListChildren(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("list children: %w", err)
	}
	if len(children) > 0 {
		fmt.Println("  Children:")
		for _, c := range children {
			fmt.Printf("    %s  %-12s %3d%%  %s\n", c.ID, c.Status, c.ProgressPercentage, c.Title)
		}
	}
	return nil
}

func runTaskReparent(cmd *cobra.Command, args []string) error {
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
	if err := eng.Hierarchy.SetParent(cmd.Context(), args[0], args[1]); err != nil {
		return fmt.Errorf("reparent: %w", err)
	}
	fmt.Printf("Task %s now under %s\n", args[0], args[1])
	return nil
}

func runTaskDepend(cmd *cobra.Command, args []string) error {
	typ := models.DependencyType(taskDepType)
	if !typ.Valid() {
		return fmt.Errorf("unknown dependency type %q", taskDepType)
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
	if err := eng.Graph.AddDependency(cmd.Context(), args[0], args[1], typ); err != nil {
		return fmt.Errorf("add dependency: %w", err)
	}
	fmt.Printf("Task %s now %s %s\n", args[0], typ, args[1])
	return nil
}

func runTaskRemove(cmd *cobra.Command, args []string) error {
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
	edges, err := eng.Graph.RemoveFor(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("remove dependencies: %w", err)
	}
	if err := s.DeleteTask(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	fmt.Printf("Removed task %s and %d dependency edge(s)\n", args[0], edges)
	return nil
}

func runTaskProgress(cmd *cobra.Command, args []string) error {
	pct, err := strconv.Atoi(args[1])
	if err != nil || pct < 0 || pct > 100 {
		return fmt.Errorf("percent must be an integer between 0 and 100")
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

	ctx := cmd.Context()
	if err := s.UpdateTaskProgress(ctx, args[0], pct); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if pct == 100 {
		if err := s.UpdateTaskStatus(ctx, args[0], models.TaskStatusDone, ""); err != nil {
			return fmt.Errorf("mark done: %w", err)
		}
	}

	eng, err := newEngine(s, cfg)
	if err != nil {
		return err
	}
	if err := eng.Hierarchy.PropagateProgress(ctx, args[0]); err != nil {
		return fmt.Errorf("propagate progress: %w", err)
	}
	fmt.Printf("Task %s at %d%%\n", args[0], pct)
	return nil
}
