package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/haasonsaas/plugperf/internal/retry"
)

// SSHConfig configures an SSH runner.
type SSHConfig struct {
	Host string
	// Port defaults to 22.
	Port int
	User string

	// Password enables password authentication.
	Password string
	// KeyFile is a PEM private key. KeyPassphrase decrypts it when set.
	KeyFile       string
	KeyPassphrase string

	// KnownHostsFile pins host keys. Required unless InsecureIgnoreHostKey.
	KnownHostsFile        string
	InsecureIgnoreHostKey bool

	// DialTimeout bounds a single connection attempt. Defaults to 15s.
	DialTimeout time.Duration
	// WorkDir is the default remote working directory.
	WorkDir string

	// Retry controls reconnect attempts. Authentication and host key
	// failures are never retried.
	Retry retry.Config
}

func (c SSHConfig) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// SSHRunner runs commands on a remote host over a single SSH connection.
type SSHRunner struct {
	cfg    SSHConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHRunner validates cfg and returns an unconnected runner.
func NewSSHRunner(cfg SSHConfig, logger *slog.Logger) (*SSHRunner, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("ssh host is required")
	}
	if strings.TrimSpace(cfg.User) == "" {
		return nil, errors.New("ssh user is required")
	}
	if cfg.Password == "" && cfg.KeyFile == "" {
		return nil, errors.New("ssh requires a password or a key file")
	}
	if cfg.KnownHostsFile == "" && !cfg.InsecureIgnoreHostKey {
		return nil, errors.New("ssh requires known_hosts_file or insecure_ignore_host_key")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSHRunner{cfg: cfg, logger: logger.With("component", "ssh", "host", cfg.Host)}, nil
}

func (r *SSHRunner) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if r.cfg.KeyFile != "" {
		pem, err := os.ReadFile(r.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		var signer ssh.Signer
		if r.cfg.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(r.cfg.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if r.cfg.Password != "" {
		auth = append(auth, ssh.Password(r.cfg.Password))
	}

	var hostKey ssh.HostKeyCallback
	if r.cfg.InsecureIgnoreHostKey {
		hostKey = ssh.InsecureIgnoreHostKey() //nolint:gosec
	} else {
		cb, err := knownhosts.New(r.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         r.cfg.DialTimeout,
	}, nil
}

// Connect dials the host, retrying transient network failures.
func (r *SSHRunner) Connect(ctx context.Context) error {
	clientCfg, err := r.clientConfig()
	if err != nil {
		return err
	}

	retryCfg := r.cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.logger.Warn("ssh connect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	client, result := retry.DoWithValue(ctx, retryCfg, func(int) (*ssh.Client, error) {
		return r.dial(ctx, clientCfg)
	})
	if result.Err != nil {
		return fmt.Errorf("ssh connect %s after %d attempt(s): %w", r.cfg.addr(), result.Attempts, result.Err)
	}

	r.mu.Lock()
	old := r.client
	r.client = client
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	r.logger.Debug("ssh connected", "attempts", result.Attempts)
	return nil
}

func (r *SSHRunner) dial(ctx context.Context, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	addr := r.cfg.addr()
	dialer := net.Dialer{Timeout: r.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(r.cfg.DialTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		if isHandshakeRejection(err) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func isHandshakeRejection(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return true
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "knownhosts:")
}

// Run executes cmd in a fresh session. Cancelling ctx signals the remote
// process and closes the session.
func (r *SSHRunner) Run(ctx context.Context, cmd Command) (Output, error) {
	if err := cmd.Validate(); err != nil {
		return Output{}, err
	}
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return Output{}, errors.New("ssh runner is not connected")
	}

	session, err := client.NewSession()
	if err != nil {
		return Output{}, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if cmd.Dir == "" {
		cmd.Dir = r.cfg.WorkDir
	}
	line := cmd.String()

	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return Output{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	case err = <-done:
	}

	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitStatus()
		return out, &ExitError{Command: line, ExitCode: out.ExitCode, Stderr: out.Stderr}
	}
	return out, fmt.Errorf("ssh run %s: %w", cmd.Name, err)
}

// Close closes the underlying connection.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	client := r.client
	r.client = nil
	r.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}
