package idgen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixed = time.Date(2026, 8, 24, 12, 30, 45, 123_000_000, time.UTC)

func TestTaskID(t *testing.T) {
	id := TaskID(fixed)
	assert.Equal(t, "TASK-20260824T123045.123", id)
	assert.True(t, IsTaskID(id))
	assert.False(t, IsTaskID("TASK-123"))
}

func TestSidequestID(t *testing.T) {
	id := SidequestID(fixed, 1)
	assert.Equal(t, "SQ-20260824T123045.123-001", id)

	n, err := ParseSidequestOrdinal(id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = ParseSidequestOrdinal("SQ-bogus")
	assert.Error(t, err)
}

func TestSubtaskAndMilestoneIDs(t *testing.T) {
	assert.Equal(t, "ST-02", SubtaskID(2))
	n, err := ParseSubtaskOrdinal("ST-02")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, "M-02", MilestoneID(2))
	n, err = ParseMilestoneOrdinal("M-02")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPlanID(t *testing.T) {
	id := PlanID(2, 3, "Payment Processing Rework")
	assert.Equal(t, "M02-v3-payment-processing-rework", id)

	milestone, version, slug, err := ParsePlanID(id)
	require.NoError(t, err)
	assert.Equal(t, 2, milestone)
	assert.Equal(t, 3, version)
	assert.Equal(t, "payment-processing-rework", slug)
}

func TestBranchNames(t *testing.T) {
	assert.Equal(t, "ai-pm-org-branch-001", BranchName(1))
	assert.Equal(t, "ai-pm-org-branch-042", BranchName(42))
	assert.Equal(t, "ai-pm-org-branch-1234", BranchName(1234))

	n, err := ParseBranchNumber("ai-pm-org-branch-002")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.True(t, IsWorkBranch("ai-pm-org-branch-010"))
	assert.False(t, IsWorkBranch(OrgMainBranch))
	assert.False(t, IsWorkBranch("ai-pm-org-branch-01")) // needs 3+ digits
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "rate-limiting", Slug("Rate limiting!"))
	assert.Equal(t, "untitled", Slug(""))
	assert.Equal(t, "untitled", Slug("???"))
	long := Slug("this is an extremely long title that should be truncated at the boundary somewhere")
	assert.LessOrEqual(t, len(long), 46)
}
