package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/aryanduntley/aipm/internal/server"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile external source changes with organizational state",
}

var reconcileDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Compare HEAD against the last known hash and analyze changes",
	Run: func(cmd *cobra.Command, args []string) {
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "reconcile.detect", nil)
		})
		if err != nil {
			FatalError(err)
		}
	},
}

var reconcilePendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List impacts awaiting a decision",
	Run: func(cmd *cobra.Command, args []string) {
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "reconcile.pending", nil)
		})
		if err != nil {
			FatalError(err)
		}
	},
}

var reconcileApproveCmd = &cobra.Command{
	Use:   "approve <path>",
	Short: "Approve a pending impact, assigning the file to a theme",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		theme, _ := cmd.Flags().GetString("theme")
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "reconcile.decide", map[string]any{
				"path":    args[0],
				"theme":   theme,
				"approve": true,
			})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

var reconcileRejectCmd = &cobra.Command{
	Use:   "reject <path>",
	Short: "Reject a pending impact, leaving themes untouched",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "reconcile.decide", map[string]any{
				"path":    args[0],
				"approve": false,
			})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

var reconcileManualCmd = &cobra.Command{
	Use:   "done <path>...",
	Short: "Mark manually reconciled impacts resolved",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "reconcile.manual", map[string]any{"paths": args})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

func init() {
	reconcileApproveCmd.Flags().String("theme", "", "theme receiving the file")
	_ = reconcileApproveCmd.MarkFlagRequired("theme")

	reconcileCmd.AddCommand(reconcileDetectCmd, reconcilePendingCmd, reconcileApproveCmd, reconcileRejectCmd, reconcileManualCmd)
	rootCmd.AddCommand(reconcileCmd)
}
