package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aryanduntley/aipm/internal/boot"
	"github.com/aryanduntley/aipm/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Boot a session and hold it open until interrupted",
	Long: `Boots the orchestrator, prints the session summary, and keeps the
session alive for an attached agent. The transport layer plugs in above
the tool registry; serve itself just owns the session lifecycle.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			FatalError(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	sys, res, err := boot.Run(rootCtx, projectRoot)
	if err != nil {
		return err
	}
	s := server.New(sys, res)

	fmt.Print(boot.Summary(res))
	fmt.Printf("%d tools registered\n", len(s.Tools()))

	<-rootCtx.Done()
	fmt.Println("shutting down")
	return s.Close(context.Background())
}
