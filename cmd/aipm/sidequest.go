package main

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aryanduntley/aipm/internal/server"
)

var sidequestCmd = &cobra.Command{
	Use:     "sidequest",
	Aliases: []string{"sq"},
	Short:   "Manage sidequests spawned from an in-progress task",
}

var sidequestCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Pause the parent task and spawn a sidequest",
	Run: func(cmd *cobra.Command, args []string) {
		parent, _ := cmd.Flags().GetString("parent")
		title, _ := cmd.Flags().GetString("title")
		theme, _ := cmd.Flags().GetString("theme")
		reason, _ := cmd.Flags().GetString("reason")
		impact, _ := cmd.Flags().GetString("impact")

		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "sidequest.create", map[string]any{
				"parent_task_id": parent,
				"title":          title,
				"primary_theme":  theme,
				"reason":         reason,
				"impact":         impact,
			})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

var sidequestCompleteCmd = &cobra.Command{
	Use:   "complete <sidequest-id>",
	Short: "Complete a sidequest and resume its parent task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "sidequest.complete", map[string]any{"sidequest_id": args[0]})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

var sidequestLimitCmd = &cobra.Command{
	Use:   "limit <task-id> [new-limit]",
	Short: "Show or raise the per-task sidequest limit",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		err := withSession(func(ctx context.Context, s *server.Server) error {
			if len(args) == 1 {
				return callTool(ctx, s, "sidequest.limit_status", map[string]any{"task_id": args[0]})
			}
			limit, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}
			return callTool(ctx, s, "sidequest.raise_limit", map[string]any{
				"task_id": args[0],
				"limit":   limit,
			})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

func init() {
	sidequestCreateCmd.Flags().String("parent", "", "parent task id")
	sidequestCreateCmd.Flags().String("title", "", "sidequest title")
	sidequestCreateCmd.Flags().String("theme", "", "primary theme")
	sidequestCreateCmd.Flags().String("reason", "", "why the tangent is needed now")
	sidequestCreateCmd.Flags().String("impact", "minimal", "impact on the parent (minimal, moderate, significant)")
	_ = sidequestCreateCmd.MarkFlagRequired("parent")
	_ = sidequestCreateCmd.MarkFlagRequired("title")
	_ = sidequestCreateCmd.MarkFlagRequired("theme")

	sidequestCmd.AddCommand(sidequestCreateCmd, sidequestCompleteCmd, sidequestLimitCmd)
	rootCmd.AddCommand(sidequestCmd)
}
