package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial commit")
	return dir
}

func TestNewRejectsNonGitDirectory(t *testing.T) {
	_, err := New(t.TempDir(), t.TempDir())
	assert.Error(t, err)
}

func TestOpenCreatesSessionScopedWorktree(t *testing.T) {
	repo := initRepo(t)
	coord, err := New(repo, filepath.Join(repo, ".coderd", "worktrees"))
	require.NoError(t, err)

	info, err := coord.Open(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, "coderd/session-session-1", info.Branch)
	assert.DirExists(t, info.Path)

	status, ok := coord.Status("session-1")
	require.True(t, ok)
	assert.Equal(t, info.Path, status.Path)

	all := coord.List()
	assert.Len(t, all, 1)
}

func TestCommitReturnsEmptyWhenNothingChanged(t *testing.T) {
	repo := initRepo(t)
	coord, err := New(repo, filepath.Join(repo, ".coderd", "worktrees"))
	require.NoError(t, err)

	info, err := coord.Open(context.Background(), "session-2")
	require.NoError(t, err)

	sha, err := coord.Commit(context.Background(), info, "no changes")
	require.NoError(t, err)
	assert.Empty(t, sha)
}

func TestCommitAndMergeIntoTarget(t *testing.T) {
	repo := initRepo(t)
	coord, err := New(repo, filepath.Join(repo, ".coderd", "worktrees"))
	require.NoError(t, err)

	info, err := coord.Open(context.Background(), "session-3")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(info.Path, "new.txt"), []byte("content\n"), 0o644))

	dirty, err := coord.Dirty(context.Background(), info)
	require.NoError(t, err)
	assert.True(t, dirty)

	sha, err := coord.Commit(context.Background(), info, "add new.txt")
	require.NoError(t, err)
	assert.NotEmpty(t, sha)

	require.NoError(t, coord.Merge(context.Background(), info, "main"))
	assert.FileExists(t, filepath.Join(repo, "new.txt"))

	_, ok := coord.Status("session-3")
	assert.False(t, ok, "Merge should remove the worktree's tracked info")
}
