package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmux/taskmux/internal/broker/wire"
)

func TestCommandExecutor_Echo(t *testing.T) {
	e := NewCommandExecutor()
	res := e.Execute(context.Background(), wire.Payload{
		"execution_id": "task-1",
		"command":      "echo hello from pty",
	})

	assert.Equal(t, "task-1", res.ExecutionID)
	assert.Equal(t, wire.StatusCompleted, res.Status)
	assert.Contains(t, res.Output, "hello from pty")
	assert.Greater(t, res.DurationSeconds, 0.0)
}

func TestCommandExecutor_MissingCommand(t *testing.T) {
	e := NewCommandExecutor()

	for _, payload := range []wire.Payload{
		{"execution_id": "task-2"},
		{"execution_id": "task-2", "command": "   "},
		{"execution_id": "task-2", "command": 42},
	} {
		res := e.Execute(context.Background(), payload)
		assert.Equal(t, wire.StatusFailed, res.Status)
		assert.Equal(t, "payload has no command", res.Error)
	}
}

func TestCommandExecutor_NonZeroExit(t *testing.T) {
	e := NewCommandExecutor()
	res := e.Execute(context.Background(), wire.Payload{
		"execution_id": "task-3",
		"command":      "exit 3",
	})

	assert.Equal(t, wire.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "exit status 3")
}

func TestCommandExecutor_Timeout(t *testing.T) {
	e := NewCommandExecutor()
	e.CommandTimeout = 200 * time.Millisecond

	start := time.Now()
	res := e.Execute(context.Background(), wire.Payload{
		"execution_id": "task-4",
		"command":      "sleep 30",
	})

	assert.Equal(t, wire.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCommandExecutor_CancelledContext(t *testing.T) {
	e := NewCommandExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := e.Execute(ctx, wire.Payload{
		"execution_id": "task-5",
		"command":      "sleep 30",
	})

	assert.Equal(t, wire.StatusFailed, res.Status)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCommandExecutor_WorkingDir(t *testing.T) {
	dir := t.TempDir()
	e := NewCommandExecutor()
	res := e.Execute(context.Background(), wire.Payload{
		"execution_id": "task-6",
		"command":      "pwd",
		"working_dir":  dir,
	})

	require.Equal(t, wire.StatusCompleted, res.Status, "error: %s", res.Error)
	assert.Contains(t, res.Output, filepath.Base(dir))
}

func TestCommandExecutor_BadWorkingDir(t *testing.T) {
	e := NewCommandExecutor()
	res := e.Execute(context.Background(), wire.Payload{
		"execution_id": "task-7",
		"command":      "true",
		"working_dir":  "/nonexistent/path/for/tests",
	})

	assert.Equal(t, wire.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "working directory")
}

func TestCommandExecutor_TruncatesOutput(t *testing.T) {
	e := NewCommandExecutor()
	e.MaxOutputBytes = 1024

	res := e.Execute(context.Background(), wire.Payload{
		"execution_id": "task-8",
		"command":      `i=0; while [ $i -lt 200 ]; do echo 0123456789012345678901234567890123456789; i=$((i+1)); done`,
	})

	require.Equal(t, wire.StatusCompleted, res.Status, "error: %s", res.Error)
	assert.True(t, strings.HasSuffix(res.Output, "[output truncated]"), "missing truncation marker")
	assert.LessOrEqual(t, len(res.Output), 1024+len("\n[output truncated]"))
}

func TestResolveWorkingDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	dir := t.TempDir()

	t.Run("tilde expands to home", func(t *testing.T) {
		got, err := resolveWorkingDir("~")
		require.NoError(t, err)
		assert.Equal(t, home, got)
	})

	t.Run("existing dir resolves clean", func(t *testing.T) {
		got, err := resolveWorkingDir(dir)
		require.NoError(t, err)
		assert.Equal(t, filepath.Clean(dir), got)
	})

	t.Run("tilde in the middle is literal", func(t *testing.T) {
		_, err := resolveWorkingDir("/foo/~/bar")
		assert.Error(t, err)
	})

	t.Run("nonexistent path", func(t *testing.T) {
		_, err := resolveWorkingDir("/nonexistent/path/that/does/not/exist")
		assert.Error(t, err)
	})

	t.Run("file is not a directory", func(t *testing.T) {
		f := filepath.Join(dir, "plain")
		require.NoError(t, os.WriteFile(f, []byte("x"), 0o600))
		_, err := resolveWorkingDir(f)
		assert.Error(t, err)
	})
}
