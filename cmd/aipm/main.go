// aipm is the project orchestrator CLI: persistent structured memory for an
// AI coding agent, layered over a project's source tree and git repository.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aryanduntley/aipm/internal/boot"
	"github.com/aryanduntley/aipm/internal/debug"
	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/server"
)

// Version is stamped by the release build.
var (
	Version = "dev"
	Build   = "unknown"
)

var (
	projectRoot string
	jsonOutput  bool
	verboseFlag bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "aipm",
	Short: "aipm - AI project orchestrator",
	Long:  `Persistent structured project memory for AI coding agents: tasks, sidequests, themes, flows, and git-aware reconciliation.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("aipm version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verboseFlag {
			debug.SetVerbose(true)
		}
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectRoot, "root", ".", "project root directory")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable JSON output")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "verbose debug output")
	rootCmd.Flags().Bool("version", false, "print version")
}

// withSession boots the orchestrator, runs fn against the tool server, and
// shuts the session down.
func withSession(fn func(ctx context.Context, s *server.Server) error) error {
	sys, res, err := boot.Run(rootCtx, projectRoot)
	if err != nil {
		return err
	}
	s := server.New(sys, res)
	defer func() {
		if err := s.Close(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "warning: session shutdown: %v\n", err)
		}
	}()
	return fn(rootCtx, s)
}

// callTool marshals input, dispatches one tool, and prints the result.
func callTool(ctx context.Context, s *server.Server, id string, input any) error {
	var raw json.RawMessage
	if input != nil {
		data, err := json.Marshal(input)
		if err != nil {
			return err
		}
		raw = data
	}
	out, err := s.Call(ctx, id, raw)
	if err != nil {
		return err
	}
	printResult(out)
	return nil
}

func printResult(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", v)
		return
	}
	fmt.Println(string(data))
}

// FatalError prints a structured error and exits. Fault kinds and advisory
// resolutions surface to the agent driving the CLI.
func FatalError(err error) {
	var fe *fault.Error
	isFault := errors.As(err, &fe)
	if jsonOutput && isFault {
		data, _ := json.MarshalIndent(fe.Structured(), "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if isFault {
			for _, r := range fe.Resolutions {
				fmt.Fprintf(os.Stderr, "  resolution: %s\n", r)
			}
		}
	}
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		FatalError(err)
	}
}
