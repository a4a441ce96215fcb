// Package gitx resolves the current git branch for a working directory. Branch
// lookups shell out to git; results are cached briefly so the collector's
// frequent flushes do not fork a process per delta.
package gitx

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"codemie/internal/logging"
)

const (
	lookupTimeout = 5 * time.Second
	cacheTTL      = 30 * time.Second
	cacheSize     = 32
)

// Resolver answers "what branch is this directory on" with a short-lived
// cache keyed by directory.
type Resolver struct {
	cache *expirable.LRU[string, string]
	group singleflight.Group
	log   *logging.Logger
}

// NewResolver creates a resolver with the default cache policy.
func NewResolver() *Resolver {
	return &Resolver{
		cache: expirable.NewLRU[string, string](cacheSize, nil, cacheTTL),
		log:   logging.NewComponentLogger("GitResolver"),
	}
}

// Branch returns the current branch of dir, or "" when dir is not a git
// worktree, git is unavailable, or HEAD is detached. Failures are cached like
// successes so a non-repo directory is not probed on every call.
func (r *Resolver) Branch(ctx context.Context, dir string) string {
	if dir == "" {
		return ""
	}
	if branch, ok := r.cache.Get(dir); ok {
		return branch
	}

	// concurrent lookups for the same directory share one git invocation
	result, _, _ := r.group.Do(dir, func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
		cmd.Dir = dir
		out, err := cmd.Output()
		branch := strings.TrimSpace(string(out))
		if err != nil || branch == "HEAD" {
			// detached HEAD reports the literal "HEAD"; treat it as no branch
			if err != nil {
				r.log.Debug("git branch lookup failed in %s: %v", dir, err)
			}
			branch = ""
		}
		r.cache.Add(dir, branch)
		return branch, nil
	})
	return result.(string)
}

// Invalidate drops the cached entry for dir.
func (r *Resolver) Invalidate(dir string) {
	r.cache.Remove(dir)
}
