package plugins

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/openfroyo/toscaflow/pkg/models"
	"github.com/openfroyo/toscaflow/pkg/transports/ssh"
)

// Remote is the part of an SSH connection the ssh plugin uses.
type Remote interface {
	Run(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error)
	Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error
	Remove(remotePath string) error
	Close() error
}

// Dialer opens a connection to a host.
type Dialer func(ctx context.Context, cfg *ssh.Config) (Remote, error)

// SSH copies an operation script to the host the operation runs on and
// executes it there. The host address comes from the host's "ip" or
// "address" attribute or property; the arguments ssh_user, ssh_port and
// ssh_key_path override the defaults.
type SSH struct {
	version  string
	defaults ssh.Config
	dial     Dialer
}

// NewSSH creates the ssh plugin. defaults supplies the user, credentials and
// timeouts for every connection.
func NewSSH(version string, defaults ssh.Config) *SSH {
	return &SSH{
		version:  version,
		defaults: defaults,
		dial: func(ctx context.Context, cfg *ssh.Config) (Remote, error) {
			return ssh.Dial(ctx, cfg)
		},
	}
}

// WithDialer replaces how connections are opened.
func (s *SSH) WithDialer(d Dialer) *SSH {
	s.dial = d
	return s
}

func (s *SSH) Name() string    { return SSHPlugin }
func (s *SSH) Version() string { return s.version }

// Resolve returns a function running the local script at path function on
// the remote host.
func (s *SSH) Resolve(function string) (OperationFunc, error) {
	if function == "" {
		return nil, models.NewValidationError("ssh function is required", nil)
	}
	return func(ctx context.Context, inv *Invocation) error {
		script, err := os.ReadFile(function)
		if err != nil {
			return models.AbortTask("read %s: %v", function, err)
		}
		cfg, err := s.connectionConfig(inv)
		if err != nil {
			return err
		}

		remote, err := s.dial(ctx, cfg)
		if err != nil {
			if ssh.Temporary(err) {
				return models.RetryTask(err.Error(), -1)
			}
			return err
		}
		defer remote.Close()

		remotePath := path.Join(cfg.RemoteTempDir, "toscaflow-"+inv.TaskID+".sh")
		if err := remote.Upload(ctx, bytes.NewReader(script), remotePath, 0o700); err != nil {
			return err
		}
		defer func() {
			if err := remote.Remove(remotePath); err != nil {
				inv.Log(LevelDebug, "failed to remove %s: %v", remotePath, err)
			}
		}()

		stdout := &lineWriter{inv: inv, level: LevelInfo}
		stderr := &lineWriter{inv: inv, level: LevelWarn}
		code, err := remote.Run(ctx, remoteCommand(inv, remotePath), stdout, stderr)
		stdout.Flush()
		stderr.Flush()
		if err != nil {
			if ssh.Temporary(err) && ctx.Err() == nil {
				return models.RetryTask(err.Error(), -1)
			}
			return err
		}
		return ExitError(code, function)
	}, nil
}

func (s *SSH) connectionConfig(inv *Invocation) (*ssh.Config, error) {
	target := inv.Host
	if target == nil {
		target = &inv.Actor
	}
	address := hostAddress(target)
	if address == "" {
		return nil, models.AbortTask("no ip or address for host %s", target.Name)
	}
	cfg := s.defaults.ForHost(address)

	if user, ok := inv.Arguments["ssh_user"].(string); ok && user != "" {
		cfg.User = user
	}
	if key, ok := inv.Arguments["ssh_key_path"].(string); ok && key != "" {
		cfg.AuthMethod = ssh.AuthMethodKey
		cfg.PrivateKeyPath = key
	}
	switch port := inv.Arguments["ssh_port"].(type) {
	case int:
		cfg.Port = port
	case float64:
		cfg.Port = int(port)
	}
	return cfg, nil
}

func hostAddress(a *Actor) string {
	for _, values := range []map[string]interface{}{a.Attributes, a.Properties} {
		for _, key := range []string{"ip", "address"} {
			if v, ok := values[key].(string); ok && v != "" {
				return v
			}
		}
	}
	return ""
}

// remoteCommand exports the invocation environment and runs the script.
func remoteCommand(inv *Invocation, remotePath string) string {
	env := Environment(inv)
	sort.Strings(env)
	var b strings.Builder
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		fmt.Fprintf(&b, "%s=%s ", k, shellQuote(v))
	}
	b.WriteString("/bin/sh ")
	b.WriteString(shellQuote(remotePath))
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
