// Package local is the local half of the execution gateway. It runs shell
// commands and writes files on the machine hosting Dockyard, with the same
// method set the ssh transport offers for remote servers.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultShell runs commands given as a single string.
const DefaultShell = "/bin/sh"

// Executor runs commands and file operations on this machine.
type Executor struct {
	// Shell interprets commands. Empty means DefaultShell.
	Shell string

	// Dir is the working directory for commands. Empty means the process directory.
	Dir string

	// Env is appended to the process environment for every command.
	Env []string

	// CommandTimeout bounds a command when the context has no deadline. Zero means none.
	CommandTimeout time.Duration
}

// New returns an executor with default settings.
func New() *Executor {
	return &Executor{Shell: DefaultShell}
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d: %s", e.ExitCode, e.Stderr)
}

// ExecuteCommand runs cmd through the shell and returns trimmed stdout and stderr.
func (e *Executor) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	if cmd == "" {
		return "", "", fmt.Errorf("command is required")
	}
	if _, ok := ctx.Deadline(); !ok && e.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.CommandTimeout)
		defer cancel()
	}

	shell := e.Shell
	if shell == "" {
		shell = DefaultShell
	}

	c := exec.CommandContext(ctx, shell, "-c", cmd)
	c.Dir = e.Dir
	// Children of a killed shell may keep the output pipes open.
	c.WaitDelay = time.Second
	if len(e.Env) > 0 {
		c.Env = append(os.Environ(), e.Env...)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	c.Stdout = &stdoutBuf
	c.Stderr = &stderrBuf

	start := time.Now()
	runErr := c.Run()
	stdout = strings.TrimSpace(stdoutBuf.String())
	stderr = strings.TrimSpace(stderrBuf.String())

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(start)).
		Err(runErr).
		Msg("local command completed")

	if runErr == nil {
		return stdout, stderr, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout, stderr, fmt.Errorf("command interrupted: %w", ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return stdout, stderr, &ExitError{Command: cmd, ExitCode: exitErr.ExitCode(), Stderr: stderr}
	}
	return stdout, stderr, fmt.Errorf("failed to execute command: %w", runErr)
}

// WriteFile writes data to path, creating parent directories.
func (e *Executor) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	// WriteFile leaves the mode of an existing file untouched.
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	return nil
}

// RemoveAll deletes path and everything below it. A missing path is not an error.
func (e *Executor) RemoveAll(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
