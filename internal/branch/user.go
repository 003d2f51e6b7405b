package branch

import (
	"context"
	"os"
	"os/user"

	"github.com/aryanduntley/aipm/internal/types"
)

// DetectUser identifies who is creating a work branch, trying git config,
// then the USER/USERNAME environment, then the system user, and finally
// the ai-user fallback. The winning source is recorded alongside the name.
func DetectUser(ctx context.Context, g *Git) types.CreatedBy {
	if name, err := g.Run(ctx, "config", "user.name"); err == nil && name != "" {
		email, _ := g.Run(ctx, "config", "user.email")
		return types.CreatedBy{Name: name, Email: email, Source: "git_config"}
	}
	for _, env := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(env); v != "" {
			return types.CreatedBy{Name: v, Source: "env"}
		}
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return types.CreatedBy{Name: u.Username, Source: "system"}
	}
	return types.CreatedBy{Name: "ai-user", Source: "fallback"}
}
