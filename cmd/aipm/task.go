package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/aryanduntley/aipm/internal/server"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task under a milestone",
	Run: func(cmd *cobra.Command, args []string) {
		title, _ := cmd.Flags().GetString("title")
		milestone, _ := cmd.Flags().GetString("milestone")
		theme, _ := cmd.Flags().GetString("theme")
		related, _ := cmd.Flags().GetStringSlice("related")
		priority, _ := cmd.Flags().GetInt("priority")
		criteria, _ := cmd.Flags().GetStringSlice("criteria")

		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "task.create", map[string]any{
				"title":               title,
				"milestone_id":        milestone,
				"primary_theme":       theme,
				"related_themes":      related,
				"priority":            priority,
				"acceptance_criteria": criteria,
			})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

var taskStartCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Move a task to in-progress",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "task.start", map[string]any{"task_id": args[0]})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open tasks",
	Run: func(cmd *cobra.Command, args []string) {
		statuses, _ := cmd.Flags().GetStringSlice("status")
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "task.list", map[string]any{"statuses": statuses})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

var taskProgressCmd = &cobra.Command{
	Use:   "progress <task-id>",
	Short: "Update task progress",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		pct, _ := cmd.Flags().GetInt("pct")
		notes, _ := cmd.Flags().GetString("notes")
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "task.progress", map[string]any{
				"task_id":  args[0],
				"progress": pct,
				"notes":    notes,
			})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

var taskTransitionCmd = &cobra.Command{
	Use:   "transition <task-id> <status>",
	Short: "Transition a task (completed, cancelled, blocked, in-progress)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "task.transition", map[string]any{
				"task_id": args[0],
				"status":  args[1],
			})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

var milestoneCompleteCmd = &cobra.Command{
	Use:   "complete-milestone <milestone-id>",
	Short: "Complete a milestone once its flow gates pass",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "milestone.complete", map[string]any{"milestone_id": args[0]})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

func init() {
	taskCreateCmd.Flags().String("title", "", "task title")
	taskCreateCmd.Flags().String("milestone", "", "milestone id")
	taskCreateCmd.Flags().String("theme", "", "primary theme")
	taskCreateCmd.Flags().StringSlice("related", nil, "related themes")
	taskCreateCmd.Flags().Int("priority", 0, "priority (lower runs first)")
	taskCreateCmd.Flags().StringSlice("criteria", nil, "acceptance criteria")
	_ = taskCreateCmd.MarkFlagRequired("title")
	_ = taskCreateCmd.MarkFlagRequired("milestone")
	_ = taskCreateCmd.MarkFlagRequired("theme")

	taskListCmd.Flags().StringSlice("status", nil, "filter by status")
	taskProgressCmd.Flags().Int("pct", 0, "progress percentage")
	taskProgressCmd.Flags().String("notes", "", "progress notes")
	_ = taskProgressCmd.MarkFlagRequired("pct")

	taskCmd.AddCommand(taskCreateCmd, taskStartCmd, taskListCmd, taskProgressCmd, taskTransitionCmd, milestoneCompleteCmd)
	rootCmd.AddCommand(taskCmd)
}
