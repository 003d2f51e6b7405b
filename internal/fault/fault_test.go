package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindMatching(t *testing.T) {
	err := New(LimitExceeded, "task %s has 3 active sidequests", "TASK-1").
		WithResolutions(SidequestLimitResolutions...)

	assert.True(t, errors.Is(err, Sentinel(LimitExceeded)))
	assert.False(t, errors.Is(err, Sentinel(Busy)))
	assert.True(t, IsKind(err, LimitExceeded))
	assert.Equal(t, LimitExceeded, KindOf(err))
	assert.Equal(t, []string{"wait", "modify_existing", "replace", "raise_limit"}, err.Resolutions)
}

func TestWrappedKindSurvivesFmtErrorf(t *testing.T) {
	inner := New(ConflictError, "row version changed")
	outer := fmt.Errorf("applying change set: %w", inner)

	assert.True(t, errors.Is(outer, Sentinel(ConflictError)))
	assert.Equal(t, ConflictError, KindOf(outer))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(IntegrityError, cause, "staging %s", "themes.json")

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "IntegrityError")
	assert.Contains(t, err.Error(), "disk full")
}

func TestDetailsPayload(t *testing.T) {
	err := New(StateTransitionForbidden, "milestone gate not met").
		WithDetail("milestone", "M-02").
		WithDetail("flow", "payment-processing-flow")

	assert.Equal(t, "M-02", err.Details["milestone"])
	assert.Equal(t, "payment-processing-flow", err.Details["flow"])
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(ConflictError, "busy")))
	assert.True(t, Retryable(New(Busy, "queue full")))
	assert.False(t, Retryable(New(NotFound, "no such task")))
	assert.False(t, Retryable(errors.New("plain")))
}
