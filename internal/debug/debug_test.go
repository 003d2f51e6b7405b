package debug

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureStderr runs fn with os.Stderr redirected to a pipe and returns
// everything fn wrote.
func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stderr
	os.Stderr = w
	defer func() { os.Stderr = orig }()

	fn()

	require.NoError(t, w.Close())
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestLogfTerminatesLines(t *testing.T) {
	wasEnabled := enabled
	enabled = true
	defer func() { enabled = wasEnabled }()

	out := captureStderr(t, func() {
		Logf("first %s", "line")
		Logf("second line\n")
	})
	assert.Equal(t, "first line\nsecond line\n", out)
}

func TestLogfDisabledWritesNothing(t *testing.T) {
	wasEnabled := enabled
	enabled = false
	defer func() { enabled = wasEnabled }()

	out := captureStderr(t, func() {
		Logf("should not appear")
	})
	assert.Empty(t, out)
}
