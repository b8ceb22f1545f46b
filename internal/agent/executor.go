// Package agent implements the reference task runner: a streaming
// websocket client, a REST polling client, and the command executor
// both of them drive.
package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/taskmux/taskmux/internal/broker/wire"
)

// Executor runs one task payload to completion. Implementations must
// honour ctx cancellation and always return a structured result; they
// never panic the caller's goroutine.
type Executor interface {
	Execute(ctx context.Context, payload wire.Payload) wire.Result
}

const (
	defaultMaxOutputBytes = 1 << 20
	defaultCommandTimeout = 30 * time.Minute
)

// CommandExecutor runs the payload's command under a PTY via the
// shell. It understands two payload fields:
//
//	command     string  required, passed to the shell with -c
//	working_dir string  optional, supports ~ expansion
//
// Everything else in the payload is carried opaquely and ignored here.
type CommandExecutor struct {
	Shell          string        // defaults to /bin/sh
	MaxOutputBytes int           // combined pty output cap, defaults to 1 MiB
	CommandTimeout time.Duration // hard per-task wall clock, defaults to 30m
}

// NewCommandExecutor returns an executor with default bounds.
func NewCommandExecutor() *CommandExecutor {
	return &CommandExecutor{
		Shell:          "/bin/sh",
		MaxOutputBytes: defaultMaxOutputBytes,
		CommandTimeout: defaultCommandTimeout,
	}
}

// Execute runs the payload command and reports its outcome. Failures
// to even start the command come back as failed results, not errors.
func (e *CommandExecutor) Execute(ctx context.Context, payload wire.Payload) wire.Result {
	execID := payload.ExecutionID()

	command, _ := payload["command"].(string)
	if strings.TrimSpace(command) == "" {
		return failedResult(execID, "payload has no command")
	}

	workingDir := ""
	if wd, _ := payload["working_dir"].(string); wd != "" {
		resolved, err := resolveWorkingDir(wd)
		if err != nil {
			return failedResult(execID, err.Error())
		}
		workingDir = resolved
	}

	timeout := e.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	// Send SIGTERM (instead of the default SIGKILL) on cancellation so
	// the command can clean up; Go escalates to SIGKILL after WaitDelay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return failedResult(execID, fmt.Sprintf("start pty: %v", err))
	}

	output, truncated := e.readBounded(ptmx)
	_ = ptmx.Close()
	waitErr := cmd.Wait()
	duration := time.Since(start)

	res := wire.Result{
		ExecutionID:     execID,
		Status:          wire.StatusCompleted,
		Output:          output,
		DurationSeconds: duration.Seconds(),
	}
	if truncated {
		res.Output += "\n[output truncated]"
	}
	if waitErr != nil {
		res.Status = wire.StatusFailed
		if ctx.Err() == context.DeadlineExceeded {
			res.Error = fmt.Sprintf("command timed out after %s", timeout)
		} else {
			res.Error = waitErr.Error()
		}
	}
	return res
}

// readBounded drains the pty until the child exits, keeping at most
// MaxOutputBytes. The drain continues past the cap so a chatty command
// never blocks on a full pty buffer. The pty returns an error (EOF or
// EIO depending on platform) when the child side closes; either ends
// the read normally.
func (e *CommandExecutor) readBounded(ptmx *os.File) (string, bool) {
	maxBytes := e.MaxOutputBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxOutputBytes
	}

	var (
		out       strings.Builder
		truncated bool
		buf       = make([]byte, 32*1024)
	)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			keep := maxBytes - out.Len()
			if keep > n {
				keep = n
			}
			if keep > 0 {
				out.Write(buf[:keep])
			}
			if keep < n {
				truncated = true
			}
		}
		if err != nil {
			return out.String(), truncated
		}
	}
}

func failedResult(execID, msg string) wire.Result {
	return wire.Result{
		ExecutionID: execID,
		Status:      wire.StatusFailed,
		Error:       msg,
	}
}

// resolveWorkingDir expands a leading ~, resolves the path to an
// absolute one, and verifies the directory exists.
func resolveWorkingDir(path string) (string, error) {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = home
	} else if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}
	resolved := filepath.Clean(abs)

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat working directory %q: %w", resolved, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %q is not a directory", resolved)
	}
	return resolved, nil
}
