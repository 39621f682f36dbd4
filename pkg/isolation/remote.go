package isolation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHAuthMethod is the authentication used by the ssh backend.
type SSHAuthMethod string

const (
	SSHAuthPassword SSHAuthMethod = "password"
	SSHAuthKey      SSHAuthMethod = "key"
)

// SSHConfig configures the ssh backend.
type SSHConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`

	AuthMethod           SSHAuthMethod `yaml:"auth_method"`
	Password             string        `yaml:"password"`
	PrivateKeyPath       string        `yaml:"private_key_path"`
	PrivateKeyPassphrase string        `yaml:"private_key_passphrase"`

	// KnownHostsPath is consulted only when StrictHostKeyChecking is set.
	KnownHostsPath        string `yaml:"known_hosts_path"`
	StrictHostKeyChecking bool   `yaml:"strict_host_key_checking"`

	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// RemoteDir is where scripts are uploaded. Defaults to /tmp.
	RemoteDir string `yaml:"remote_dir"`
}

// Validate checks the configuration.
func (c *SSHConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	switch c.AuthMethod {
	case SSHAuthPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case SSHAuthKey:
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("private key path is required for key authentication")
		}
	default:
		return fmt.Errorf("unsupported auth method: %q", c.AuthMethod)
	}
	return nil
}

// Address returns host:port, defaulting the port to 22.
func (c *SSHConfig) Address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, fmt.Sprint(port))
}

// clientConfig builds the x/crypto/ssh client configuration.
func (c *SSHConfig) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	switch c.AuthMethod {
	case SSHAuthPassword:
		auth = append(auth,
			ssh.Password(c.Password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			}),
		)
	case SSHAuthKey:
		key, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking {
		if c.KnownHostsPath == "" {
			return nil, fmt.Errorf("known_hosts path is required for strict host key checking")
		}
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	timeout := c.ConnectionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// SSHBackend uploads scripts to a remote host over SFTP and runs them there.
// Each run uses its own connection.
type SSHBackend struct {
	cfg SSHConfig
}

// NewSSHBackend creates an ssh backend.
func NewSSHBackend(cfg SSHConfig) *SSHBackend {
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = "/tmp"
	}
	return &SSHBackend{cfg: cfg}
}

// Name implements Backend.
func (s *SSHBackend) Name() string { return BackendSSH }

// Available implements Backend by opening and closing a connection.
func (s *SSHBackend) Available(ctx context.Context) bool {
	client, err := s.dial(ctx)
	if err != nil {
		return false
	}
	client.Close()
	return true
}

func (s *SSHBackend) dial(ctx context.Context) (*ssh.Client, error) {
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	clientCfg, err := s.cfg.clientConfig()
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: clientCfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", s.cfg.Address(), err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.cfg.Address(), clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", s.cfg.Address(), err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Run implements Backend.
func (s *SSHBackend) Run(ctx context.Context, req Request) (Result, error) {
	client, err := s.dial(ctx)
	if err != nil {
		return Result{}, unavailable(BackendSSH, err)
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return Result{}, prepareFailed(BackendSSH, true, fmt.Errorf("failed to start sftp: %w", err))
	}
	defer sc.Close()

	remote := path.Join(s.cfg.RemoteDir, "autoflow-"+uuid.New().String()+filepath.Ext(req.ScriptPath))
	if err := upload(sc, req.ScriptPath, remote); err != nil {
		return Result{}, prepareFailed(BackendSSH, true, err)
	}
	defer sc.Remove(remote)

	session, err := client.NewSession()
	if err != nil {
		return Result{}, prepareFailed(BackendSSH, true, fmt.Errorf("failed to open session: %w", err))
	}
	defer session.Close()

	var stdout, stderr syncBuffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	runCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(remoteCommand(remote, req.Env)) }()

	out := execOutcome{}
	select {
	case err = <-done:
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case err = <-done:
		case <-time.After(2 * time.Second):
			_ = session.Signal(ssh.SIGKILL)
			session.Close()
			err = <-done
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			out.timedOut = true
		} else {
			out.err = runCtx.Err()
		}
	}

	out.stdout = stdout.String()
	out.stderr = stderr.String()

	switch {
	case out.timedOut:
		out.exitCode = ExitCodeTimeout
		out.err = fmt.Errorf("script timed out after %s", req.Timeout)
	case out.err != nil:
		out.exitCode = 1
	case err != nil:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			out.exitCode = exitErr.ExitStatus()
		} else {
			out.exitCode = 1
			out.err = err
		}
	}
	return toResult(BackendSSH, out), nil
}

// upload copies the local script to remote and makes it executable.
func upload(sc *sftp.Client, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := sc.MkdirAll(path.Dir(remote)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}
	dst, err := sc.Create(remote)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to upload script: %w", err)
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return sc.Chmod(remote, 0o700)
}

// remoteCommand renders the remote shell command for an uploaded script.
func remoteCommand(remote string, env []string) string {
	var parts []string
	if len(env) > 0 {
		parts = append(parts, "env")
		for _, kv := range env {
			parts = append(parts, quoteArg(kv))
		}
	}
	switch strings.ToLower(path.Ext(remote)) {
	case ".py":
		parts = append(parts, "python3")
	case ".ps1":
		parts = append(parts, "pwsh", "-NoProfile", "-File")
	default:
		parts = append(parts, "/bin/sh")
	}
	parts = append(parts, quoteArg(remote))
	return strings.Join(parts, " ")
}

func quoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
