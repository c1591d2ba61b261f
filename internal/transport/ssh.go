// Package transport provides the secure shell channel to the remote
// sandbox host. Every container engine operation the sandbox manager
// performs is issued as a command over this channel.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"forgeloop/internal/logging"
)

// ErrorCategory classifies transport failures.
type ErrorCategory string

const (
	CategoryPermissionDenied ErrorCategory = "permission_denied"
	CategoryTimeout          ErrorCategory = "timeout"
	CategorySSHFailed        ErrorCategory = "ssh_failed"
	CategoryEngineFailed     ErrorCategory = "engine_failed"
)

// TransportError is a categorized failure of a remote engine operation.
type TransportError struct {
	Category ErrorCategory
	Op       string
	Output   string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("transport %s (%s): %s", e.Op, e.Category, e.Output)
	}
	return fmt.Sprintf("transport %s (%s): %v", e.Op, e.Category, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Runner executes a command on the remote host. The sandbox manager
// depends on this interface so tests can substitute a fake host.
type Runner interface {
	// Run executes cmd and returns combined stdout. A non-zero exit whose
	// stderr carries only WARNING lines is treated as success; any other
	// non-zero exit returns a *TransportError.
	Run(ctx context.Context, cmd string, timeout time.Duration) (string, error)
	Close() error
}

// Config holds SSH connection settings for the sandbox host.
type Config struct {
	Host    string
	Port    int
	User    string
	KeyPath string
	Timeout time.Duration
}

// SSHRunner is the production Runner backed by golang.org/x/crypto/ssh.
type SSHRunner struct {
	cfg  Config
	mu   sync.Mutex
	conn *ssh.Client
}

// NewSSHRunner creates a runner. The connection is established lazily and
// re-established when a keepalive fails.
func NewSSHRunner(cfg Config) *SSHRunner {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SSHRunner{cfg: cfg}
}

func (r *SSHRunner) connect(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		if _, _, err := r.conn.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return r.conn, nil
		}
		r.conn.Close()
		r.conn = nil
	}

	key, err := os.ReadFile(r.cfg.KeyPath)
	if err != nil {
		return nil, &TransportError{Category: CategorySSHFailed, Op: "connect", Err: fmt.Errorf("read key %s: %w", r.cfg.KeyPath, err)}
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, &TransportError{Category: CategorySSHFailed, Op: "connect", Err: fmt.Errorf("parse key: %w", err)}
	}

	sshConfig := &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.cfg.Timeout,
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port)
	dialer := &net.Dialer{Timeout: r.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Category: CategorySSHFailed, Op: "connect", Err: fmt.Errorf("dial %s: %w", addr, err)}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return nil, &TransportError{Category: CategorySSHFailed, Op: "connect", Err: fmt.Errorf("handshake: %w", err)}
	}

	r.conn = ssh.NewClient(sshConn, chans, reqs)
	logging.S().Infow("ssh connection established", "host", r.cfg.Host, "user", r.cfg.User)
	return r.conn, nil
}

// Run executes cmd on the remote host with its own timeout.
func (r *SSHRunner) Run(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := r.connect(ctx)
	if err != nil {
		return "", err
	}

	sess, err := client.NewSession()
	if err != nil {
		return "", &TransportError{Category: CategorySSHFailed, Op: "session", Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		// Best effort: tear down the channel so the remote command dies.
		// The buffers stay untouched here; the remote goroutine may still
		// be writing to them.
		sess.Signal(ssh.SIGKILL)
		sess.Close()
		return "", &TransportError{
			Category: CategoryTimeout,
			Op:       firstWord(cmd),
			Err:      ctx.Err(),
		}
	case err = <-done:
	}

	if err == nil {
		return stdout.String(), nil
	}

	return stdout.String(), Categorize(firstWord(cmd), stdout.String(), stderr.String(), err)
}

// Close tears down the SSH connection.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		err := r.conn.Close()
		r.conn = nil
		return err
	}
	return nil
}

// Categorize maps a failed remote command to a TransportError. Stderr
// consisting solely of WARNING lines is informational and not a failure.
func Categorize(op, stdout, stderr string, err error) error {
	if onlyWarnings(stderr) {
		return nil
	}

	combined := strings.ToLower(stderr + " " + err.Error())
	category := CategoryEngineFailed
	switch {
	case strings.Contains(combined, "permission denied"):
		category = CategoryPermissionDenied
	case strings.Contains(combined, "context deadline exceeded") || strings.Contains(combined, "timed out"):
		category = CategoryTimeout
	case strings.Contains(combined, "connection refused") ||
		strings.Contains(combined, "no route to host") ||
		strings.Contains(combined, "handshake"):
		category = CategorySSHFailed
	}

	out := strings.TrimSpace(stderr)
	if out == "" {
		out = tail(stdout, 500)
	}
	return &TransportError{Category: category, Op: op, Output: tail(out, 500), Err: err}
}

// onlyWarnings reports whether stderr contains output and every non-empty
// line is WARNING-prefixed.
func onlyWarnings(stderr string) bool {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	saw := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "WARNING") {
			return false
		}
		saw = true
	}
	return saw
}

func firstWord(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return cmd
	}
	if len(fields) > 1 && fields[0] == "docker" {
		return "docker " + fields[1]
	}
	return fields[0]
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
