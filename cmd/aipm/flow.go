package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/aryanduntley/aipm/internal/server"
)

var flowCmd = &cobra.Command{
	Use:   "flow",
	Short: "Track user experience flow progress",
}

var flowUpdateCmd = &cobra.Command{
	Use:   "update <flow-id>",
	Short: "Record a flow or flow step status",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		step, _ := cmd.Flags().GetString("step")
		completion, _ := cmd.Flags().GetInt("completion")
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "flow.update", map[string]any{
				"flow_id":    args[0],
				"step_id":    step,
				"status":     status,
				"completion": completion,
			})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

var flowStatusCmd = &cobra.Command{
	Use:   "status <flow-id>",
	Short: "Show a flow's tracked status",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withSession(func(ctx context.Context, s *server.Server) error {
			return callTool(ctx, s, "flow.status", map[string]any{"flow_id": args[0]})
		})
		if err != nil {
			FatalError(err)
		}
	},
}

func init() {
	flowUpdateCmd.Flags().String("status", "", "pending, in-progress, or complete")
	flowUpdateCmd.Flags().String("step", "", "step id, when updating a single step")
	flowUpdateCmd.Flags().Int("completion", 0, "completion percent")
	_ = flowUpdateCmd.MarkFlagRequired("status")

	flowCmd.AddCommand(flowUpdateCmd, flowStatusCmd)
	rootCmd.AddCommand(flowCmd)
}
