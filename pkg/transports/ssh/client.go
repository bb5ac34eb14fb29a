// Package ssh runs operation scripts on remote hosts over SSH and SFTP.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// TransportError represents an error that occurred during a transport operation.
type TransportError struct {
	// Op is the operation that failed
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates whether retrying may help.
	IsTemporary bool

	// IsAuthError indicates authentication was rejected.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether err is a transport failure worth retrying.
func Temporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}

// Client is a single SSH connection.
type Client struct {
	config *Config
	client *ssh.Client
}

// Dial connects and authenticates to the configured host.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	clientConfig, err := config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "handshake", Err: err, IsAuthError: true}
	}
	_ = conn.SetDeadline(time.Time{})

	log.Debug().Str("address", address).Str("user", config.User).Msg("SSH connection established")
	return &Client{config: config, client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// Config returns the connection configuration.
func (c *Client) Config() *Config {
	return c.config
}

// Run executes cmd and streams its output. A non-zero exit status is
// returned as the exit code with a nil error. Cancelling ctx signals the
// remote process and closes the session.
func (c *Client) Run(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return -1, &TransportError{Op: "session", Err: err, IsTemporary: true}
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Start(cmd); err != nil {
		return -1, &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		log.Debug().Str("command", cmd).Msg("context cancelled, terminating remote command")
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			_ = session.Signal(ssh.SIGKILL)
		}
		return -1, ctx.Err()
	case err := <-done:
		return exitStatus(err)
	}
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}
	return -1, &TransportError{Op: "exec", Err: err}
}

// Upload writes r to remotePath over SFTP, creating parent directories.
func (c *Client) Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error {
	sftpClient, err := sftp.NewClient(c.client)
	if err != nil {
		return &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}
	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	defer remoteFile.Close()

	written, err := io.Copy(remoteFile, contextReader{ctx: ctx, r: r})
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: ctx.Err() == nil}
	}
	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			log.Warn().Err(err).Str("remote", remotePath).Msg("failed to set file permissions")
		}
	}

	log.Debug().Str("remote", remotePath).Int64("bytes", written).Msg("file uploaded")
	return nil
}

// Remove deletes a remote file over SFTP.
func (c *Client) Remove(remotePath string) error {
	sftpClient, err := sftp.NewClient(c.client)
	if err != nil {
		return &TransportError{Op: "sftp-init", Err: err, IsTemporary: true}
	}
	defer sftpClient.Close()
	if err := sftpClient.Remove(remotePath); err != nil {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
