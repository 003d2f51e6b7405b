package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/aryanduntley/aipm/internal/server"
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Manage organizational work branches",
}

var branchCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the next numbered work branch from the canonical branch",
	Run: func(cmd *cobra.Command, args []string) {
		purpose, _ := cmd.Flags().GetString("purpose")
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "branch.create", map[string]any{"purpose": purpose})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered branches with staleness annotations",
	Run: func(cmd *cobra.Command, args []string) {
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "branch.list", nil)
		})
		if err != nil {
			FatalError(err)
		}
	},
}

var branchMergeCmd = &cobra.Command{
	Use:   "merge <branch-name>",
	Short: "Merge a work branch into the canonical branch",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		deleteAfter, _ := cmd.Flags().GetBool("delete")
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "branch.merge", map[string]any{
				"name":         args[0],
				"delete_after": deleteAfter,
			})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete <branch-name>",
	Short: "Delete a work branch",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "branch.delete", map[string]any{"name": args[0]})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

func init() {
	branchCreateCmd.Flags().String("purpose", "", "what the branch is for")
	branchMergeCmd.Flags().Bool("delete", false, "delete the branch after merging")

	branchCmd.AddCommand(branchCreateCmd, branchListCmd, branchMergeCmd, branchDeleteCmd)
	rootCmd.AddCommand(branchCmd)
}
