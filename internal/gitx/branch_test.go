package gitx

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBranchOutsideRepo(t *testing.T) {
	r := NewResolver()
	assert.Empty(t, r.Branch(context.Background(), t.TempDir()))
}

func TestBranchEmptyDir(t *testing.T) {
	r := NewResolver()
	assert.Empty(t, r.Branch(context.Background(), ""))
}

func TestBranchInRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run())
	}
	run("init", "-b", "feature/login")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	run("commit", "--allow-empty", "-m", "init")

	r := NewResolver()
	assert.Equal(t, "feature/login", r.Branch(context.Background(), dir))

	// second lookup is served from cache
	assert.Equal(t, "feature/login", r.Branch(context.Background(), dir))

	r.Invalidate(dir)
	assert.Equal(t, "feature/login", r.Branch(context.Background(), dir))
}
