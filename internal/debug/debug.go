// Package debug provides env-gated diagnostic output and the project event
// log. AI_PM_DEBUG enables stderr tracing; AI_PM_LOG_LEVEL selects
// debug/normal/quiet.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	enabled   = os.Getenv("AI_PM_DEBUG") != ""
	quietMode = strings.EqualFold(os.Getenv("AI_PM_LOG_LEVEL"), "quiet")
	logMutex  sync.Mutex
)

func init() {
	if strings.EqualFold(os.Getenv("AI_PM_LOG_LEVEL"), "debug") {
		enabled = true
	}
}

// Enabled reports whether debug output is on.
func Enabled() bool { return enabled }

// SetVerbose enables debug output (used by the --verbose flag).
func SetVerbose(verbose bool) {
	if verbose {
		enabled = true
	}
}

// SetQuiet suppresses non-essential output.
func SetQuiet(quiet bool) { quietMode = quiet }

// IsQuiet returns true if quiet mode is enabled.
func IsQuiet() bool { return quietMode }

// Logf writes one line to stderr when debug output is enabled.
func Logf(format string, args ...interface{}) {
	if !enabled {
		return
	}
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	fmt.Fprintf(os.Stderr, format, args...)
}

// PrintNormal prints output unless quiet mode is enabled.
func PrintNormal(format string, args ...interface{}) {
	if !quietMode {
		fmt.Printf(format, args...)
	}
}

// LogEvent appends one line to projectManagement/Logs/events.log.
// Format: TIMESTAMP|EVENT_CODE|ENTITY_ID|SESSION_ID|DETAILS
func LogEvent(projectRoot, eventCode, entityID, sessionID, details string) {
	if projectRoot == "" {
		return
	}
	if entityID == "" {
		entityID = "none"
	}
	if sessionID == "" {
		sessionID = os.Getenv("AI_PM_SESSION_ID")
		if sessionID == "" {
			sessionID = fmt.Sprintf("%d", time.Now().Unix())
		}
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	entry := fmt.Sprintf("%s|%s|%s|%s|%s\n", timestamp, eventCode, entityID, sessionID, details)

	logPath := filepath.Join(projectRoot, "projectManagement", "Logs", "events.log")

	logMutex.Lock()
	defer logMutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return
	}
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) // #nosec G304 - path rooted at project
	if err != nil {
		// Silent fail - logging must never interrupt operations
		return
	}
	defer file.Close()
	_, _ = file.WriteString(entry)
}
