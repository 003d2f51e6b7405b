package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aryanduntley/aipm/internal/branch"
	"github.com/aryanduntley/aipm/internal/config"
	"github.com/aryanduntley/aipm/internal/layout"
	"github.com/aryanduntley/aipm/internal/storage/sqlite"
	"github.com/aryanduntley/aipm/internal/types"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the organizational structure for a project",
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		if err := runInit(force); err != nil {
			FatalError(err)
		}
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "reinitialize over an existing structure")
	rootCmd.AddCommand(initCmd)
}

func runInit(force bool) error {
	marker := filepath.Join(projectRoot, layout.ThemesIndexFile)
	if _, err := os.Stat(marker); err == nil && !force {
		return fmt.Errorf("project already initialized (use --force to reinitialize)")
	}

	for _, dir := range layout.Dirs {
		if err := os.MkdirAll(filepath.Join(projectRoot, dir), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	cfg := config.Default()
	if err := cfg.Save(projectRoot); err != nil {
		return err
	}
	if err := writeBootstrapYAML(cfg); err != nil {
		return err
	}

	seeds := map[string]any{
		layout.ThemesIndexFile: map[string]any{"themes": []string{}},
		layout.FlowIndexFile:   types.FlowIndex{Flows: []types.FlowIndexEntry{}, UpdatedAt: time.Now().UTC()},
		layout.CompletionPathFile: types.CompletionPath{
			Milestones: []types.Milestone{},
			UpdatedAt:  time.Now().UTC(),
		},
	}
	for rel, v := range seeds {
		if err := writeSeedJSON(filepath.Join(projectRoot, rel), v, force); err != nil {
			return err
		}
	}

	// Opening the store applies the schema.
	store, err := sqlite.New(rootCtx, filepath.Join(projectRoot, layout.DatabaseFile), sqlite.Options{
		ProjectRoot: projectRoot,
		MinifyJSON:  cfg.Project.MinifyJSON,
	})
	if err != nil {
		return err
	}
	if err := store.Close(); err != nil {
		return err
	}

	if cfg.Git.Enabled && cfg.Git.AutoInitRepo {
		g := branch.NewGit(projectRoot)
		if !g.IsRepo(rootCtx) {
			if _, err := g.Run(rootCtx, "init"); err != nil {
				fmt.Fprintf(os.Stderr, "warning: git init failed: %v\n", err)
			}
		}
	}

	fmt.Printf("initialized %s/\n", layout.Root)
	return nil
}

// writeBootstrapYAML scaffolds .aipm/config.yaml with the startup settings
// read before the database opens.
func writeBootstrapYAML(cfg *config.Config) error {
	path := filepath.Join(projectRoot, ".aipm", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating .aipm: %w", err)
	}
	doc := map[string]any{
		"tasks": map[string]any{
			"max-active-sidequests": cfg.Tasks.MaxActiveSidequests,
			"resume-on-start":       cfg.Tasks.ResumeTasksOnStart,
		},
		"context": map[string]any{
			"default-mode": cfg.ContextLoading.DefaultMode,
		},
		"git": map[string]any{
			"enabled": cfg.Git.Enabled,
		},
		"validation": map[string]any{
			"mode": string(cfg.Validation.Mode),
		},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling config.yaml: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func writeSeedJSON(path string, v any, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
