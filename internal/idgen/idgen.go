// Package idgen generates and parses the orchestrator's entity identifiers.
//
// ID shapes:
//
//	TASK-<timestamp>       task
//	SQ-<timestamp>-<n>     sidequest (ordinal allocated in-transaction)
//	ST-<n>                 subtask, scoped to its parent
//	M-<n>                  milestone
//	M<n>-v<k>-<slug>       implementation plan
//	event-<timestamp>      noteworthy event
//	ai-pm-org-branch-<NNN> work branch (zero-padded to >= 3 digits)
package idgen

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Timestamp layout used in ids: compact ISO-8601 UTC with millisecond
// precision, filesystem-safe (no colons).
const tsLayout = "20060102T150405.000"

// BranchPrefix is the naming prefix for managed work branches.
const BranchPrefix = "ai-pm-org-branch-"

// OrgMainBranch is the canonical organizational branch name.
const OrgMainBranch = "ai-pm-org-main"

var (
	taskIDPattern   = regexp.MustCompile(`^TASK-\d{8}T\d{6}\.\d{3}$`)
	sqIDPattern     = regexp.MustCompile(`^SQ-(\d{8}T\d{6}\.\d{3})-(\d{3,})$`)
	subtaskPattern  = regexp.MustCompile(`^ST-(\d+)$`)
	milestonePat    = regexp.MustCompile(`^M-(\d+)$`)
	planIDPattern   = regexp.MustCompile(`^M(\d+)-v(\d+)-([a-z0-9_-]+)$`)
	branchPattern   = regexp.MustCompile(`^ai-pm-org-branch-(\d{3,})$`)
	nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)
)

func stamp(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// TaskID returns a TASK-<timestamp> id for the given creation time.
func TaskID(t time.Time) string {
	return "TASK-" + stamp(t)
}

// IsTaskID reports whether id has the task id shape.
func IsTaskID(id string) bool { return taskIDPattern.MatchString(id) }

// SidequestID returns a SQ-<timestamp>-<n> id. The ordinal must come from
// MAX(n)+1 inside the transaction that inserts the row.
func SidequestID(t time.Time, ordinal int) string {
	return fmt.Sprintf("SQ-%s-%03d", stamp(t), ordinal)
}

// ParseSidequestOrdinal extracts the ordinal from a sidequest id.
func ParseSidequestOrdinal(id string) (int, error) {
	m := sqIDPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, fmt.Errorf("invalid sidequest id: %s", id)
	}
	return strconv.Atoi(m[2])
}

// SubtaskID returns a ST-<n> id, scoped to the subtask's parent.
func SubtaskID(ordinal int) string {
	return fmt.Sprintf("ST-%02d", ordinal)
}

// ParseSubtaskOrdinal extracts the ordinal from a subtask id.
func ParseSubtaskOrdinal(id string) (int, error) {
	m := subtaskPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, fmt.Errorf("invalid subtask id: %s", id)
	}
	return strconv.Atoi(m[1])
}

// MilestoneID returns a M-<n> id.
func MilestoneID(ordinal int) string {
	return fmt.Sprintf("M-%02d", ordinal)
}

// ParseMilestoneOrdinal extracts the ordinal from a milestone id.
func ParseMilestoneOrdinal(id string) (int, error) {
	m := milestonePat.FindStringSubmatch(id)
	if m == nil {
		return 0, fmt.Errorf("invalid milestone id: %s", id)
	}
	return strconv.Atoi(m[1])
}

// PlanID returns a M<n>-v<k>-<slug> implementation plan id.
func PlanID(milestoneOrdinal, version int, title string) string {
	return fmt.Sprintf("M%02d-v%d-%s", milestoneOrdinal, version, Slug(title))
}

// ParsePlanID splits a plan id into milestone ordinal, version, and slug.
func ParsePlanID(id string) (milestone, version int, slug string, err error) {
	m := planIDPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, 0, "", fmt.Errorf("invalid plan id: %s", id)
	}
	milestone, _ = strconv.Atoi(m[1])
	version, _ = strconv.Atoi(m[2])
	return milestone, version, m[3], nil
}

// EventID returns an event-<timestamp> id.
func EventID(t time.Time) string {
	return "event-" + stamp(t)
}

// BranchName returns the ai-pm-org-branch-NNN name for a branch number,
// zero-padded to at least 3 digits.
func BranchName(number int) string {
	return fmt.Sprintf("%s%03d", BranchPrefix, number)
}

// ParseBranchNumber extracts the number from a managed work branch name.
func ParseBranchNumber(name string) (int, error) {
	m := branchPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, fmt.Errorf("not a managed work branch: %s", name)
	}
	return strconv.Atoi(m[1])
}

// IsWorkBranch reports whether name is a managed work branch.
func IsWorkBranch(name string) bool { return branchPattern.MatchString(name) }

const maxSlugLength = 46

// Slug converts a title to a lowercase hyphenated slug for plan ids and
// file names.
func Slug(title string) string {
	if title == "" {
		return "untitled"
	}
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	slug := nonAlphanumeric.ReplaceAllString(strings.TrimSpace(b.String()), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "untitled"
	}
	if len(slug) > maxSlugLength {
		slug = strings.Trim(slug[:maxSlugLength], "-")
	}
	return slug
}
