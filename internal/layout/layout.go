// Package layout defines the on-disk organizational structure rooted at
// projectManagement/. All path helpers return paths relative to the project
// root unless noted.
package layout

import (
	"fmt"
	"path/filepath"
	"time"
)

// Root is the organizational state directory name.
const Root = "projectManagement"

// Fixed artifact paths, relative to the project root.
var (
	BlueprintFile      = filepath.Join(Root, "ProjectBlueprint", "blueprint.md")
	BlueprintMetaFile  = filepath.Join(Root, "ProjectBlueprint", "metadata.json")
	FlowIndexFile      = filepath.Join(Root, "ProjectFlow", "flow-index.json")
	ProjectLogicFile   = filepath.Join(Root, "ProjectLogic", "projectlogic.jsonl")
	ThemesIndexFile    = filepath.Join(Root, "Themes", "themes.json")
	CompletionPathFile = filepath.Join(Root, "Tasks", "completion-path.json")
	NoteworthyFile     = filepath.Join(Root, "Logs", "noteworthy.json")
	TodosFile          = filepath.Join(Root, "Placeholders", "todos.jsonl")
	UserConfigFile     = filepath.Join(Root, "UserSettings", "config.json")
	DatabaseFile       = filepath.Join(Root, "database", "project.db")
)

// BranchMetaFile is the per-work-branch metadata file at the repo root.
// It exists only on work branches.
const BranchMetaFile = ".ai-pm-meta.json"

// ThemeFile returns the path of a theme definition file.
func ThemeFile(name string) string {
	return filepath.Join(Root, "Themes", name+".json")
}

// FlowFile returns the path of a domain flow file.
func FlowFile(name string) string {
	return filepath.Join(Root, "ProjectFlow", name)
}

// ActiveTaskFile returns the path of an active task's definition file.
func ActiveTaskFile(taskID string) string {
	return filepath.Join(Root, "Tasks", "active", taskID+".json")
}

// ArchivedTaskFile returns the archive path for a terminal task.
func ArchivedTaskFile(taskID string) string {
	return filepath.Join(Root, "Tasks", "archive", taskID+".json")
}

// SidequestFile returns the path of an active sidequest's file.
func SidequestFile(sqID string) string {
	return filepath.Join(Root, "Tasks", "sidequests", sqID+".json")
}

// ArchivedSidequestFile returns the archive path for a terminal sidequest.
func ArchivedSidequestFile(sqID string) string {
	return filepath.Join(Root, "Tasks", "sidequests", "archive", sqID+".json")
}

// ActivePlanFile returns the path of an active implementation plan.
func ActivePlanFile(planID string) string {
	return filepath.Join(Root, "Implementations", "active", planID+".md")
}

// CompletedPlanFile returns the archive path of a completed plan.
func CompletedPlanFile(planID string) string {
	return filepath.Join(Root, "Implementations", "completed", planID+".md")
}

// NoteworthyArchiveFile returns the dated archive file for noteworthy
// events, e.g. noteworthy-archived-2026-08-24.json.
func NoteworthyArchiveFile(date time.Time) string {
	return filepath.Join(Root, "Logs",
		fmt.Sprintf("noteworthy-archived-%s.json", date.UTC().Format("2006-01-02")))
}

// Dirs lists every directory created at init time, relative to the project
// root.
var Dirs = []string{
	filepath.Join(Root, "ProjectBlueprint"),
	filepath.Join(Root, "ProjectFlow"),
	filepath.Join(Root, "ProjectLogic"),
	filepath.Join(Root, "Themes"),
	filepath.Join(Root, "Tasks", "active"),
	filepath.Join(Root, "Tasks", "archive"),
	filepath.Join(Root, "Tasks", "sidequests", "archive"),
	filepath.Join(Root, "Implementations", "active"),
	filepath.Join(Root, "Implementations", "completed"),
	filepath.Join(Root, "Logs"),
	filepath.Join(Root, "Placeholders"),
	filepath.Join(Root, "UserSettings"),
	filepath.Join(Root, "database"),
}
