package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aryanduntley/aipm/internal/boot"
	"github.com/aryanduntley/aipm/internal/server"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session, task, and reconciliation status",
	Run: func(cmd *cobra.Command, args []string) {
		err := withSession(func(ctx context.Context, s *server.Server) error {
			if jsonOutput {
				return callTool(ctx, s, "session.status", nil)
			}
			fmt.Print(boot.Summary(s.BootResult()))
			pending, err := s.System().Bridge.PendingImpacts(ctx)
			if err != nil {
				return err
			}
			for _, imp := range pending {
				fmt.Printf("pending %s: %s (%s, %s)\n",
					imp.File.Kind, imp.File.Path, imp.Severity, imp.Strategy)
			}
			return nil
		})
		if err != nil {
			FatalError(err)
		}
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent noteworthy events",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "events.recent", map[string]any{"limit": limit})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

func init() {
	eventsCmd.Flags().Int("limit", 20, "maximum events to show")
	rootCmd.AddCommand(statusCmd, eventsCmd)
}
