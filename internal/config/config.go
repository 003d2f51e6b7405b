// Package config loads orchestrator settings.
//
// Precedence, lowest to highest:
//
//  1. compiled defaults
//  2. projectManagement/UserSettings/config.json (user-edited source of truth)
//  3. .aipm/config.yaml (workspace bootstrap overrides, viper)
//  4. AI_PM_* environment variables
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// UserConfigRelPath is the path of the user settings file under the project
// root.
const UserConfigRelPath = "projectManagement/UserSettings/config.json"

// ValidationMode gates reference integrity checks.
type ValidationMode string

// Validation mode constants
const (
	ValidationSmart    ValidationMode = "smart"
	ValidationStrict   ValidationMode = "strict"
	ValidationDisabled ValidationMode = "disabled"
)

// IsValid checks if the validation mode value is valid.
func (m ValidationMode) IsValid() bool {
	switch m {
	case ValidationSmart, ValidationStrict, ValidationDisabled:
		return true
	}
	return false
}

// Config holds every recognized option with its resolved value.
type Config struct {
	Project struct {
		MaxFileLineCount  int  `json:"maxFileLineCount"`
		AvoidPlaceholders bool `json:"avoidPlaceholders"`
		MinifyJSON        bool `json:"minifyJson"`
	} `json:"project"`

	Tasks struct {
		MaxActiveSidequests int  `json:"maxActiveSidequests"`
		ResumeTasksOnStart  bool `json:"resumeTasksOnStart"`
		AutoTaskCreation    bool `json:"autoTaskCreation"`
	} `json:"tasks"`

	ContextLoading struct {
		DefaultMode     string `json:"defaultMode"`
		MaxFlowFiles    int    `json:"maxFlowFiles"`
		ReadmeFirst     bool   `json:"readmeFirst"`
		MemoryBudgetMiB int    `json:"memoryBudgetMiB"`
	} `json:"contextLoading"`

	Themes struct {
		SharedFileThreshold int `json:"sharedFileThreshold"`
		MaxFlowsPerTheme    int `json:"maxFlowsPerTheme"`
	} `json:"themes"`

	Git struct {
		Enabled             bool `json:"enabled"`
		AutoInitRepo        bool `json:"autoInitRepo"`
		CodeChangeDetection bool `json:"codeChangeDetection"`
	} `json:"git"`

	BranchManagement struct {
		MaxActiveBranches   int  `json:"maxActiveBranches"`
		MainBranchAuthority bool `json:"mainBranchAuthority"`
	} `json:"branchManagement"`

	Validation struct {
		Mode ValidationMode `json:"mode"`
	} `json:"validation"`

	Events struct {
		NoteworthySizeLimit int `json:"noteworthySizeLimit"`
	} `json:"events"`

	Session struct {
		BootDeadlineSeconds int `json:"bootDeadlineSeconds"`
	} `json:"session"`

	Store struct {
		MaxPendingCalls int `json:"maxPendingCalls"`
	} `json:"store"`

	// LogRetentionDays comes from AI_PM_LOG_RETENTION only.
	LogRetentionDays int `json:"-"`
}

// Default returns the compiled defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.Project.MaxFileLineCount = 900
	cfg.Project.AvoidPlaceholders = true
	cfg.Project.MinifyJSON = true
	cfg.Tasks.MaxActiveSidequests = 3
	cfg.Tasks.ResumeTasksOnStart = false
	cfg.Tasks.AutoTaskCreation = false
	cfg.ContextLoading.DefaultMode = "focused"
	cfg.ContextLoading.MaxFlowFiles = 3
	cfg.ContextLoading.ReadmeFirst = true
	cfg.ContextLoading.MemoryBudgetMiB = 100
	cfg.Themes.SharedFileThreshold = 3
	cfg.Themes.MaxFlowsPerTheme = 10
	cfg.Git.Enabled = true
	cfg.Git.AutoInitRepo = true
	cfg.Git.CodeChangeDetection = true
	cfg.BranchManagement.MaxActiveBranches = 10
	cfg.BranchManagement.MainBranchAuthority = true
	cfg.Validation.Mode = ValidationSmart
	cfg.Events.NoteworthySizeLimit = 1000
	cfg.Session.BootDeadlineSeconds = 10
	cfg.Store.MaxPendingCalls = 32
	cfg.LogRetentionDays = 30
	return cfg
}

// Load resolves configuration for the given project root.
func Load(projectRoot string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(projectRoot, filepath.FromSlash(UserConfigRelPath))
	data, err := os.ReadFile(path) // #nosec G304 - path rooted at project
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", UserConfigRelPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading user config: %w", err)
	}

	if err := applyYAMLOverrides(projectRoot, cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)

	if !cfg.Validation.Mode.IsValid() {
		return nil, fmt.Errorf("invalid validation.mode: %s", cfg.Validation.Mode)
	}
	return cfg, nil
}

// applyYAMLOverrides reads .aipm/config.yaml if present. These are startup
// settings read before the database is opened, so they live in a file
// rather than DB config.
func applyYAMLOverrides(projectRoot string, cfg *Config) error {
	yamlPath := filepath.Join(projectRoot, ".aipm", "config.yaml")
	if _, err := os.Stat(yamlPath); os.IsNotExist(err) {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(yamlPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading .aipm/config.yaml: %w", err)
	}

	if v.IsSet("tasks.max-active-sidequests") {
		cfg.Tasks.MaxActiveSidequests = v.GetInt("tasks.max-active-sidequests")
	}
	if v.IsSet("tasks.resume-on-start") {
		cfg.Tasks.ResumeTasksOnStart = v.GetBool("tasks.resume-on-start")
	}
	if v.IsSet("context.default-mode") {
		cfg.ContextLoading.DefaultMode = v.GetString("context.default-mode")
	}
	if v.IsSet("git.enabled") {
		cfg.Git.Enabled = v.GetBool("git.enabled")
	}
	if v.IsSet("validation.mode") {
		cfg.Validation.Mode = ValidationMode(v.GetString("validation.mode"))
	}
	if v.IsSet("store.max-pending-calls") {
		cfg.Store.MaxPendingCalls = v.GetInt("store.max-pending-calls")
	}
	return nil
}

// applyEnvOverrides applies AI_PM_* environment variables, which win over
// every file layer.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AI_PM_MAX_FILE_LINES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Project.MaxFileLineCount = n
		}
	}
	if v := os.Getenv("AI_PM_LOG_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LogRetentionDays = n
		}
	}
	// AI_PM_DEBUG and AI_PM_LOG_LEVEL are consumed by the debug package.
}

// Save writes the user-visible settings back to config.json, always
// indented: this file is user-edited, so minifyJson never applies to it.
func (c *Config) Save(projectRoot string) error {
	path := filepath.Join(projectRoot, filepath.FromSlash(UserConfigRelPath))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// BootDeadline returns the boot deadline as a duration string for logging.
func (c *Config) BootDeadline() string {
	return strings.TrimSpace(strconv.Itoa(c.Session.BootDeadlineSeconds)) + "s"
}
