package ssh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// createSFTPClient opens an SFTP session on the existing connection.
func (c *SSHClient) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		c.checkAlive(sshClient)
		return nil, &TransportError{
			Op:          "sftp",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	return sftpClient, nil
}

// WriteFile writes data to remotePath, creating parent directories.
func (c *SSHClient) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	return c.withSFTP(ctx, "upload", func(client *sftp.Client) error {
		if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
			return fmt.Errorf("failed to create remote directory: %w", err)
		}

		f, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return fmt.Errorf("failed to create remote file: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write remote file: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close remote file: %w", err)
		}
		if err := client.Chmod(remotePath, mode); err != nil {
			return fmt.Errorf("failed to set permissions: %w", err)
		}

		log.Debug().Str("host", c.config.Host).Str("path", remotePath).Int("bytes", len(data)).Msg("file uploaded")
		return nil
	})
}

// RemoveAll deletes remotePath recursively. A missing path is not an error.
func (c *SSHClient) RemoveAll(ctx context.Context, remotePath string) error {
	return c.withSFTP(ctx, "remove", func(client *sftp.Client) error {
		err := client.RemoveAll(remotePath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", remotePath, err)
		}
		return nil
	})
}

// withSFTP runs fn on a fresh SFTP session, abandoning it when ctx ends.
func (c *SSHClient) withSFTP(ctx context.Context, op string, fn func(*sftp.Client) error) error {
	client, err := c.createSFTPClient()
	if err != nil {
		return err
	}
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- fn(client) }()

	select {
	case <-ctx.Done():
		_ = client.Close()
		return &TransportError{Op: op, Err: ctx.Err(), IsTemporary: true}
	case err := <-done:
		if err != nil {
			return &TransportError{Op: op, Err: err, IsTemporary: false}
		}
		return nil
	}
}
