package branch

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/aryanduntley/aipm/internal/debug"
	"github.com/aryanduntley/aipm/internal/fault"
)

// Git runs git plumbing commands against one repository.
type Git struct {
	dir string
}

// NewGit returns a runner rooted at the repository directory.
func NewGit(dir string) *Git {
	return &Git{dir: dir}
}

// Run executes a git command, returning trimmed stdout. Failures carry
// stderr in the error message.
func (g *Git) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	debug.Logf("git %s", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fault.Wrap(fault.IntegrityError, err, "git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Head returns the current HEAD commit hash, or "" for an unborn branch.
func (g *Git) Head(ctx context.Context) (string, error) {
	out, err := g.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		if strings.Contains(err.Error(), "unknown revision") ||
			strings.Contains(err.Error(), "ambiguous argument") {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	return g.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(ctx context.Context, name string) (bool, error) {
	_, err := g.Run(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// RemoteBranchExists reports whether origin/<name> exists.
func (g *Git) RemoteBranchExists(ctx context.Context, name string) (bool, error) {
	_, err := g.Run(ctx, "rev-parse", "--verify", "--quiet", "refs/remotes/origin/"+name)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// IsClean reports whether the user's source tree has no uncommitted
// changes. Organizational state under projectManagement/ and the branch
// metadata file are exempt: the orchestrator writes them between commits.
func (g *Git) IsClean(ctx context.Context) (bool, error) {
	out, err := g.Run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if strings.HasPrefix(path, "projectManagement/") || path == "projectManagement/" ||
			path == ".ai-pm-meta.json" || strings.HasPrefix(path, ".aipm/") {
			continue
		}
		return false, nil
	}
	return true, nil
}

// IsRepo reports whether dir is inside a git work tree.
func (g *Git) IsRepo(ctx context.Context) bool {
	out, err := g.Run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// DefaultBranch resolves the user's main branch: origin/HEAD if set,
// otherwise main, otherwise master, otherwise the current branch.
func (g *Git) DefaultBranch(ctx context.Context) (string, error) {
	if out, err := g.Run(ctx, "symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil {
		return strings.TrimPrefix(out, "origin/"), nil
	}
	for _, candidate := range []string{"main", "master"} {
		if ok, _ := g.BranchExists(ctx, candidate); ok {
			return candidate, nil
		}
	}
	return g.CurrentBranch(ctx)
}

// LastCommitTime returns the unix epoch of a branch's tip commit, or zero.
func (g *Git) LastCommitTime(ctx context.Context, name string) (int64, error) {
	out, err := g.Run(ctx, "log", "-1", "--format=%ct", name)
	if err != nil {
		return 0, err
	}
	var epoch int64
	for _, c := range out {
		if c < '0' || c > '9' {
			return 0, nil
		}
		epoch = epoch*10 + int64(c-'0')
	}
	return epoch, nil
}
