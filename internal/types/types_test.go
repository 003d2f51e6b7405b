package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to WorkStatus
		ok       bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusBlocked, false},
		{StatusInProgress, StatusBlocked, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusBlocked, StatusInProgress, true},
		{StatusBlocked, StatusCancelled, true},
		{StatusBlocked, StatusCompleted, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestWorkStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusBlocked.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
}

func TestSubtaskStatusExcludesCancelled(t *testing.T) {
	assert.True(t, StatusBlocked.IsValidForSubtask())
	assert.False(t, StatusCancelled.IsValidForSubtask())
}

func TestTaskValidate(t *testing.T) {
	task := &Task{
		ID:           "TASK-20260824T120000",
		Title:        "Implement rate limiting",
		Status:       StatusPending,
		MilestoneID:  "M-02",
		PrimaryTheme: "security",
	}
	require.NoError(t, task.Validate())

	missing := *task
	missing.MilestoneID = ""
	assert.Error(t, missing.Validate())

	badProgress := *task
	badProgress.Progress = 120
	assert.Error(t, badProgress.Validate())
}

func TestTaskCriteriaSatisfied(t *testing.T) {
	task := &Task{AcceptanceCriteria: []Criterion{
		{Description: "tests pass", Satisfied: true},
		{Description: "docs updated", Satisfied: false},
	}}
	assert.False(t, task.CriteriaSatisfied())
	task.AcceptanceCriteria[1].Satisfied = true
	assert.True(t, task.CriteriaSatisfied())

	empty := &Task{}
	assert.True(t, empty.CriteriaSatisfied())
}

func TestThemeValidateSelfLoop(t *testing.T) {
	theme := &Theme{Name: "payment", LinkedThemes: []string{"checkout", "payment"}}
	assert.Error(t, theme.Validate())

	theme.LinkedThemes = []string{"checkout"}
	assert.NoError(t, theme.Validate())
}

func TestFlowStepStatusOrdering(t *testing.T) {
	assert.True(t, StepComplete.AtLeast(StepInProgress))
	assert.True(t, StepComplete.AtLeast(StepComplete))
	assert.False(t, StepInProgress.AtLeast(StepComplete))
	assert.True(t, StepPending.AtLeast(StepPending))
}

func TestContextModeRank(t *testing.T) {
	assert.Less(t, ModeFocused.Rank(), ModeExpanded.Rank())
	assert.Less(t, ModeExpanded.Rank(), ModeWide.Rank())
	assert.Equal(t, -1, ContextMode("bogus").Rank())
}

func TestSeverityMax(t *testing.T) {
	assert.Equal(t, SeverityHigh, SeverityMedium.Max(SeverityHigh))
	assert.Equal(t, SeverityHigh, SeverityHigh.Max(SeverityLow))
	assert.Equal(t, SeverityCritical, SeverityCritical.Max(SeverityCritical))
}

func TestFlowIndexLookup(t *testing.T) {
	idx := &FlowIndex{Flows: []FlowIndexEntry{
		{FlowID: "registration-flow", FlowFile: "auth-flow.json"},
		{FlowID: "payment-processing-flow", FlowFile: "payment-flow.json"},
	}}
	entry := idx.Lookup("payment-processing-flow")
	require.NotNil(t, entry)
	assert.Equal(t, "payment-flow.json", entry.FlowFile)
	assert.Nil(t, idx.Lookup("missing-flow"))
}

func TestNoteworthyEventValidate(t *testing.T) {
	ev := &NoteworthyEvent{
		ID:        "event-20260824T120000",
		Type:      EventDecision,
		Title:     "Added oauth.js to authentication theme",
		Impact:    SeverityMedium,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, ev.Validate())
	ev.Impact = "enormous"
	assert.Error(t, ev.Validate())
}

func TestSessionStatusTerminal(t *testing.T) {
	assert.True(t, SessionCompleted.IsTerminal())
	assert.True(t, SessionTerminated.IsTerminal())
	assert.False(t, SessionActive.IsTerminal())
	assert.False(t, SessionPaused.IsTerminal())
}
