package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// ExecuteCommand runs a command on the remote host. Without a deadline on
// ctx the command is bounded by Config.CommandTimeout.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	res, err := c.execute(ctx, cmd)
	return res.Stdout, res.Stderr, err
}

// Run is ExecuteCommand returning the full result including the exit code.
func (c *SSHClient) Run(ctx context.Context, cmd string) (ExecResult, error) {
	return c.execute(ctx, cmd)
}

func (c *SSHClient) execute(ctx context.Context, cmd string) (ExecResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	startTime := time.Now()
	log.Debug().Str("host", c.config.Host).Str("command", cmd).Msg("executing command")

	sshClient, err := c.getClient()
	if err != nil {
		return ExecResult{ExitCode: -1}, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		c.checkAlive(sshClient)
		return ExecResult{ExitCode: -1}, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		// The output buffers stay owned by the abandoned session.
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		log.Debug().Str("host", c.config.Host).Str("command", cmd).Msg("command abandoned")
		return ExecResult{ExitCode: -1, Duration: time.Since(startTime)}, &TransportError{
			Op:          "execute",
			Err:         ctx.Err(),
			IsTemporary: true,
		}
	case execErr = <-doneChan:
	}

	res := ExecResult{
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		Duration: time.Since(startTime),
	}

	log.Debug().
		Str("host", c.config.Host).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", res.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("command exited with code %d: %s", res.ExitCode, res.Stderr),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	res.ExitCode = -1
	return res, &TransportError{
		Op:          "execute",
		Err:         execErr,
		IsTemporary: true,
		IsAuthError: false,
	}
}
