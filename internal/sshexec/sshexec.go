// Package sshexec implements the Remote Executor (spec §4.1): a single
// run(target, command, timeout) operation over a pooled SSH transport, with
// a strict argv-only contract and an explicit shell=true escape hatch.
package sshexec

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
	"golang.org/x/crypto/ssh/knownhosts"

	"proximity/internal/coreerr"
)

// HostConfig describes how to reach one hypervisor host over SSH.
type HostConfig struct {
	Address        string // host:port
	User           string
	KeyPath        string // preferred when set
	Password       string // fallback
	KnownHostsPath string
	// MaxConcurrency bounds in-flight commands per host (spec §4.1 default 8).
	MaxConcurrency int
	ConnectTimeout time.Duration
}

// Result is the outcome of one command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Executor is a concurrency-safe, per-host connection pool. It never holds
// application-level locks across a suspension point; each Run call owns its
// own SSH session.
type Executor struct {
	mu    sync.Mutex
	hosts map[string]*hostPool
}

type hostPool struct {
	cfg HostConfig
	sem chan struct{}

	connMu sync.Mutex
	client *ssh.Client
}

// New constructs an empty Executor. Hosts are registered lazily via
// RegisterHost or resolved from configuration at startup.
func New() *Executor {
	return &Executor{hosts: make(map[string]*hostPool)}
}

// RegisterHost adds or replaces the pool configuration for a host.
func (e *Executor) RegisterHost(name string, cfg HostConfig) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hosts[name] = &hostPool{cfg: cfg, sem: make(chan struct{}, cfg.MaxConcurrency)}
}

func (e *Executor) pool(host string) (*hostPool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.hosts[host]
	if !ok {
		return nil, coreerr.New(coreerr.KindInvalidRequest, fmt.Sprintf("sshexec: unknown host %q", host))
	}
	return p, nil
}

// Run executes an argv command on the host, quoting every argument itself;
// command must not be a shell string (spec §4.1 argv-only contract).
func (e *Executor) Run(ctx context.Context, host string, argv []string, timeout time.Duration) (*Result, error) {
	if len(argv) == 0 {
		return nil, coreerr.New(coreerr.KindInvalidRequest, "sshexec: empty argv")
	}
	return e.run(ctx, host, quoteArgv(argv), timeout)
}

// RunShell executes an already-quoted shell string verbatim. Callers are
// responsible for quoting; this exists only for the rare case where the
// caller genuinely needs shell features (pipes, redirection).
func (e *Executor) RunShell(ctx context.Context, host string, shellCmd string, timeout time.Duration) (*Result, error) {
	if strings.TrimSpace(shellCmd) == "" {
		return nil, coreerr.New(coreerr.KindInvalidRequest, "sshexec: empty shell command")
	}
	return e.run(ctx, host, shellCmd, timeout)
}

// RunInContainer executes an argv command inside an LXC container via the
// hypervisor's `pct exec`, quoting both the inner command and every
// interpolated value so that the container-exec variant remains injection-safe
// even if a hostname or env value contains shell metacharacters (spec §8
// "command injection probe").
func (e *Executor) RunInContainer(ctx context.Context, host string, containerID int, argv []string, timeout time.Duration) (*Result, error) {
	if len(argv) == 0 {
		return nil, coreerr.New(coreerr.KindInvalidRequest, "sshexec: empty argv")
	}
	pctArgv := append([]string{"pct", "exec", fmt.Sprintf("%d", containerID), "--"}, argv...)
	return e.run(ctx, host, quoteArgv(pctArgv), timeout)
}

func (e *Executor) run(ctx context.Context, host, command string, timeout time.Duration) (*Result, error) {
	p, err := e.pool(host)
	if err != nil {
		return nil, err
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, coreerr.Wrap(coreerr.KindTimeout, ctx.Err(), "sshexec: waiting for host concurrency slot")
	}
	defer func() { <-p.sem }()

	client, err := p.connect(ctx)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindSSHUnavailable, err, fmt.Sprintf("sshexec: connecting to %s", host))
	}

	session, err := client.NewSession()
	if err != nil {
		p.invalidate()
		return nil, coreerr.Wrap(coreerr.KindSSHUnavailable, err, "sshexec: opening session")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		result := &Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
		if err == nil {
			result.ExitCode = 0
			return result, nil
		}
		if exitErr, ok := err.(*ssh.ExitError); ok {
			result.ExitCode = exitErr.ExitStatus()
			return result, coreerr.New(coreerr.KindTaskFailed, "command exited non-zero").
				WithDetails(map[string]any{"exit_code": result.ExitCode, "stderr": result.Stderr})
		}
		return result, coreerr.Wrap(coreerr.KindSSHUnavailable, err, "sshexec: command failed to run")

	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1, Duration: time.Since(start)},
			coreerr.Wrap(coreerr.KindTimeout, runCtx.Err(), "sshexec: command timed out or was cancelled")
	}
}

func (p *hostPool) connect(ctx context.Context) (*ssh.Client, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if p.client != nil {
		// Cheap liveness probe: a closed transport fails session creation
		// immediately, so a stale client is simply replaced on next use.
		if _, _, err := p.client.Conn.SendRequest("keepalive@proximity", true, nil); err == nil {
			return p.client, nil
		}
		_ = p.client.Close()
		p.client = nil
	}

	auths, err := p.authMethods()
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := p.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            p.cfg.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         p.cfg.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: p.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.cfg.Address, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, p.cfg.Address, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("handshake with %s: %w", p.cfg.Address, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	p.client = client
	return client, nil
}

func (p *hostPool) invalidate() {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.client != nil {
		_ = p.client.Close()
		p.client = nil
	}
}

func (p *hostPool) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if p.cfg.KeyPath != "" {
		keyBytes, err := os.ReadFile(p.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key %s: %w", p.cfg.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key %s: %w", p.cfg.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if p.cfg.Password != "" {
		methods = append(methods, ssh.Password(p.cfg.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh credentials configured (key or password required)")
	}
	return methods, nil
}

// hostKeyCallback enforces the caller-supplied known-hosts set and rejects
// on mismatch; it never falls back to InsecureIgnoreHostKey (spec §4.1:
// "never silently trust unknown keys").
func (p *hostPool) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if p.cfg.KnownHostsPath == "" {
		return nil, fmt.Errorf("known_hosts path not configured; refusing to trust unknown host keys")
	}
	cb, err := knownhosts.New(p.cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", p.cfg.KnownHostsPath, err)
	}
	return cb, nil
}

// quoteArgv joins an argv vector into a POSIX shell command line, single
// quoting every argument so embedded metacharacters cannot escape the
// argument boundary (spec §8 command injection probe).
func quoteArgv(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
