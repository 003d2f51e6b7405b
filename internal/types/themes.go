package types

import (
	"fmt"
	"time"
)

// Theme is a named bucket of source files representing a functional or
// technical slice of the project. Theme files are user-edited, so they are
// always written indented with stable key order.
type Theme struct {
	Name         string                `json:"name"`
	Category     string                `json:"category,omitempty"`
	Description  string                `json:"description,omitempty"`
	Paths        []string              `json:"paths,omitempty"`
	Files        []string              `json:"files,omitempty"`
	LinkedThemes []string              `json:"linked_themes,omitempty"`
	SharedFiles  map[string]SharedFile `json:"shared_files,omitempty"`
	Keywords     []string              `json:"keywords,omitempty"`
	LastModified time.Time             `json:"last_modified,omitempty"`
}

// SharedFile records the other themes a file is shared with.
type SharedFile struct {
	Themes      []string `json:"themes"`
	Description string   `json:"description,omitempty"`
}

// Validate checks theme field invariants. A self-loop in linked themes is
// always rejected; wider cycles are legal (themes form a graph, not a tree).
func (t *Theme) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	for _, l := range t.LinkedThemes {
		if l == t.Name {
			return fmt.Errorf("theme %q links to itself", t.Name)
		}
	}
	return nil
}

// ContainsFile reports whether path appears in the theme's file list.
func (t *Theme) ContainsFile(path string) bool {
	for _, f := range t.Files {
		if f == path {
			return true
		}
	}
	return false
}

// FlowStepStatus tracks progress of a single flow step.
type FlowStepStatus string

// Flow step status constants, ordered by progress.
const (
	StepPending    FlowStepStatus = "pending"
	StepInProgress FlowStepStatus = "in-progress"
	StepComplete   FlowStepStatus = "complete"
)

// IsValid checks if the step status value is valid.
func (s FlowStepStatus) IsValid() bool {
	switch s {
	case StepPending, StepInProgress, StepComplete:
		return true
	}
	return false
}

// Rank orders step statuses so milestone gates can compare against a
// required status: pending < in-progress < complete.
func (s FlowStepStatus) Rank() int {
	switch s {
	case StepPending:
		return 0
	case StepInProgress:
		return 1
	case StepComplete:
		return 2
	}
	return -1
}

// AtLeast reports whether s meets or exceeds the required status.
func (s FlowStepStatus) AtLeast(required FlowStepStatus) bool {
	return s.Rank() >= required.Rank()
}

// FlowStep is one user-experience step inside a flow.
type FlowStep struct {
	ID           string         `json:"id"`
	Description  string         `json:"description,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Status       FlowStepStatus `json:"status,omitempty"`
}

// Flow is an ordered set of user-experience steps grouped in a flow file.
type Flow struct {
	ID            string         `json:"id"`
	File          string         `json:"file"`
	Name          string         `json:"name,omitempty"`
	Steps         []FlowStep     `json:"steps,omitempty"`
	PrimaryThemes []string       `json:"primary_themes,omitempty"`
	Status        FlowStepStatus `json:"status,omitempty"`
	Completion    int            `json:"completion_percentage,omitempty"`
}

// HasStep reports whether the flow declares the given step id.
func (f *Flow) HasStep(stepID string) bool {
	for _, s := range f.Steps {
		if s.ID == stepID {
			return true
		}
	}
	return false
}

// FlowIndex is the parsed form of ProjectFlow/flow-index.json: the central
// registry mapping flow ids to flow files and their primary themes.
type FlowIndex struct {
	Flows     []FlowIndexEntry `json:"flows"`
	UpdatedAt time.Time        `json:"updated_at,omitempty"`
}

// FlowIndexEntry is one registered flow with its declared relevance order.
type FlowIndexEntry struct {
	FlowID        string   `json:"flow_id"`
	FlowFile      string   `json:"flow_file"`
	Domain        string   `json:"domain,omitempty"`
	PrimaryThemes []string `json:"primary_themes,omitempty"`
	Relevance     int      `json:"relevance,omitempty"` // lower loads first
}

// Lookup returns the index entry for a flow id, or nil.
func (x *FlowIndex) Lookup(flowID string) *FlowIndexEntry {
	for i := range x.Flows {
		if x.Flows[i].FlowID == flowID {
			return &x.Flows[i]
		}
	}
	return nil
}
