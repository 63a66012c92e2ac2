package ssh

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestExecutorExecuteCommand(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)
	ctx := context.Background()

	tests := []struct {
		name           string
		command        string
		expectError    bool
		expectedStdout string
		expectedStderr string
	}{
		{
			name:           "simple echo",
			command:        "echo test",
			expectedStdout: "test",
		},
		{
			name:           "stderr output",
			command:        "echo error >&2",
			expectedStderr: "error",
		},
		{
			name:           "arbitrary command",
			command:        "docker compose version",
			expectedStdout: "command: docker compose version",
		},
		{
			name:           "exit with error",
			command:        "exit 3",
			expectError:    true,
			expectedStderr: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, err := client.ExecuteCommand(ctx, tt.command)

			if tt.expectError && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if stdout != tt.expectedStdout {
				t.Errorf("expected stdout '%s', got '%s'", tt.expectedStdout, stdout)
			}
			if stderr != tt.expectedStderr {
				t.Errorf("expected stderr '%s', got '%s'", tt.expectedStderr, stderr)
			}
		})
	}
}

func TestExecutorExitCode(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	res, err := client.Run(context.Background(), "exit 3")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", res.ExitCode)
	}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %T", err)
	}
	if te.Temporary() {
		t.Error("a non-zero exit is not temporary")
	}
	if !strings.Contains(err.Error(), "code 3") || !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected exit code and stderr in error, got %v", err)
	}
}

func TestExecutorContextTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := client.ExecuteCommand(ctx, "sleep")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("command was not abandoned promptly: %v", elapsed)
	}

	// The connection survives an abandoned session.
	if _, _, err := client.ExecuteCommand(context.Background(), "true"); err != nil {
		t.Errorf("follow-up command failed: %v", err)
	}
}

func TestExecutorCommandTimeoutDefault(t *testing.T) {
	server := newTestSSHServer(t)

	config := passwordConfig(server)
	config.CommandTimeout = 100 * time.Millisecond
	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()

	if _, _, err := client.ExecuteCommand(context.Background(), "sleep"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
