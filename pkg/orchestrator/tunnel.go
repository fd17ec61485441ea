package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// TunnelState is the lifecycle state of a TunnelSession.
type TunnelState string

const (
	TunnelIdle         TunnelState = "idle"
	TunnelEstablishing TunnelState = "establishing"
	TunnelActive       TunnelState = "active"
	TunnelDegraded     TunnelState = "degraded"
	TunnelClosed       TunnelState = "closed"
)

// TunnelSession records one established forward.
type TunnelSession struct {
	ID         uuid.UUID
	Conn       Connection
	LocalPort  int
	RemotePort int
	StartedAt  time.Time
}

// forwardChild is a handle to a forwarding process we own directly (the
// password-auth path). Key-auth forwards daemonize and are reached only by
// port during teardown.
type forwardChild interface {
	Terminate() error
	Kill() error
}

// TunnelManager owns the local-to-remote port-forward lifecycle. One session
// per manager; Establish after Closed starts a fresh session.
type TunnelManager struct {
	Conn   Connection
	Config *Config
	Report *Reporter

	mu      sync.Mutex
	state   TunnelState
	session *TunnelSession
	child   forwardChild

	run           commandRunner
	probe         func(ctx context.Context) error
	launch        func(ctx context.Context) (forwardChild, error)
	portListening func(port int) bool

	// teardownGrace is the TERM-to-KILL wait when clearing the local port.
	teardownGrace time.Duration
}

// NewTunnelManager builds a manager for conn using cfg's ports and timings.
func NewTunnelManager(conn Connection, cfg *Config, rep *Reporter) *TunnelManager {
	m := &TunnelManager{
		Conn:          conn,
		Config:        cfg,
		Report:        rep,
		state:         TunnelIdle,
		run:           runLocalCommand,
		portListening: localPortListening,
		teardownGrace: 2 * time.Second,
	}
	m.probe = func(ctx context.Context) error {
		return NewRemote(conn, cfg.ConnectTimeout(), rep).Probe(ctx)
	}
	m.launch = m.launchForward
	return m
}

// State returns the current session state.
func (m *TunnelManager) State() TunnelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the current session, or nil before the first Establish.
func (m *TunnelManager) Session() *TunnelSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *TunnelManager) setState(s TunnelState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// localPortListening reports whether something accepts on 127.0.0.1:port.
func localPortListening(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 250*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Establish drives Idle -> Establishing -> Active. Any failure lands in
// Closed with no retry; the caller may call Establish again from scratch.
func (m *TunnelManager) Establish(ctx context.Context) (*TunnelSession, error) {
	m.mu.Lock()
	switch m.state {
	case TunnelIdle, TunnelClosed:
	default:
		st := m.state
		m.mu.Unlock()
		return nil, fmt.Errorf("establish: session is %s", st)
	}
	m.state = TunnelEstablishing
	m.mu.Unlock()

	lp := m.Config.LocalPort
	rp := m.Config.RemotePort

	// Best-effort: clear whatever holds the local port. A busy port here is
	// almost always a stale forward from a previous run.
	if m.portListening(lp) {
		m.Report.Verbosef("local port %d busy, clearing it first", lp)
		m.clearLocalPort(ctx, lp)
	}

	m.Report.Verbosef("probing %s", m.Conn.Dest())
	if err := m.probe(ctx); err != nil {
		m.setState(TunnelClosed)
		return nil, err
	}

	m.Report.Verbosef("launching forward %d:localhost:%d to %s", lp, rp, m.Conn.Dest())
	child, err := m.launch(ctx)
	if err != nil {
		m.setState(TunnelClosed)
		return nil, &ConnectivityError{Host: m.Conn.Host, Op: "forward-launch", Err: err}
	}

	if err := m.waitForListen(ctx, lp); err != nil {
		if child != nil {
			_ = child.Kill()
		}
		m.setState(TunnelClosed)
		return nil, err
	}

	sess := &TunnelSession{
		ID:         uuid.New(),
		Conn:       m.Conn,
		LocalPort:  lp,
		RemotePort: rp,
		StartedAt:  time.Now(),
	}
	m.mu.Lock()
	m.session = sess
	m.child = child
	m.state = TunnelActive
	m.mu.Unlock()
	m.Report.Verbosef("tunnel %s active on localhost:%d", sess.ID, lp)
	return sess, nil
}

// waitForListen polls the local port until it is listening, bounded by the
// configured attempt cap and interval.
func (m *TunnelManager) waitForListen(ctx context.Context, port int) error {
	attempts := m.Config.EstablishAttempts
	interval := m.Config.EstablishInterval()
	for i := 0; i < attempts; i++ {
		if m.portListening(port) {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return &ConnectivityError{
		Host: m.Conn.Host,
		Op:   "establish",
		Err:  fmt.Errorf("port %d not listening after %d attempts", port, attempts),
	}
}

// HealthLoop blocks, checking the local port every health interval. It
// returns nil when ctx is cancelled (the tunnel stays Active and running),
// or ErrTunnelDegraded the first time the port is found not listening.
// Degraded is terminal: the loop never attempts recovery.
func (m *TunnelManager) HealthLoop(ctx context.Context) error {
	if m.State() != TunnelActive {
		return fmt.Errorf("health loop: session is %s", m.State())
	}
	ticker := time.NewTicker(m.Config.HealthInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if m.portListening(m.Config.LocalPort) {
				m.Report.Debugf("health check ok on port %d", m.Config.LocalPort)
				continue
			}
			m.setState(TunnelDegraded)
			m.Report.Errorf("tunnel lost: port %d no longer listening", m.Config.LocalPort)
			return ErrTunnelDegraded
		}
	}
}

// Teardown closes the session from any state: terminate our own child if we
// hold one, then clear whatever is still bound to the local port with the
// TERM-grace-KILL discipline. Idempotent; tearing down a Closed session is a
// no-op success.
func (m *TunnelManager) Teardown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == TunnelClosed || m.state == TunnelIdle {
		m.state = TunnelClosed
		m.mu.Unlock()
		return nil
	}
	child := m.child
	m.child = nil
	m.state = TunnelClosed
	m.mu.Unlock()

	if child != nil {
		if err := child.Terminate(); err == nil {
			time.Sleep(m.teardownGrace)
		}
		_ = child.Kill()
	}
	m.clearLocalPort(ctx, m.Config.LocalPort)
	return nil
}

// clearLocalPort finds PIDs listening on port and signals them TERM, waits
// the grace period, then KILLs survivors. Best-effort throughout.
func (m *TunnelManager) clearLocalPort(ctx context.Context, port int) {
	pids := m.pidsOnPort(ctx, port)
	if len(pids) == 0 {
		return
	}
	m.Report.Debugf("clearing port %d: pids %s", port, strings.Join(pids, " "))
	m.signalPids(ctx, "-TERM", pids)
	time.Sleep(m.teardownGrace)
	if remaining := m.pidsOnPort(ctx, port); len(remaining) > 0 {
		m.signalPids(ctx, "-KILL", remaining)
	}
}

func (m *TunnelManager) pidsOnPort(ctx context.Context, port int) []string {
	stdout, _, err := m.run(ctx, nil, []string{"lsof", "-ti", fmt.Sprintf("tcp:%d", port), "-sTCP:LISTEN"})
	if err != nil {
		return nil
	}
	var pids []string
	for _, line := range strings.Split(stdout, "\n") {
		if p := strings.TrimSpace(line); p != "" {
			pids = append(pids, p)
		}
	}
	return pids
}

func (m *TunnelManager) signalPids(ctx context.Context, sig string, pids []string) {
	argv := append([]string{"kill", sig}, pids...)
	_, _, _ = m.run(ctx, nil, argv)
}

// launchForward starts the forwarding process. Key auth uses the client's
// own daemonizing launch and leaves no child to manage. Password auth cannot
// use that flag together with the credential-feeding channel, so it starts a
// plain child on a pty, answers the password prompt, and leaves the child
// running to be confirmed by the listen poll.
func (m *TunnelManager) launchForward(ctx context.Context) (forwardChild, error) {
	switch m.Conn.Auth {
	case KindPassword:
		argv := BuildForwardCommand(m.Conn, m.Config.LocalPort, m.Config.RemotePort, m.Config.ConnectTimeout(), false)
		return startPtyForward(ctx, argv, m.Conn.secretValue())
	default:
		argv := BuildForwardCommand(m.Conn, m.Config.LocalPort, m.Config.RemotePort, m.Config.ConnectTimeout(), true)
		m.Report.Debugf("forward: %s", strings.Join(argv, " "))
		if err := startDaemonForward(ctx, argv); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// startDaemonForward launches a self-backgrounding forward without capturing
// its pipes. The daemonized grandchild inherits whatever stdio the client
// holds, so attaching pipe buffers here would keep the launch blocked for
// the tunnel's whole lifetime; confirmation is the listen poll, not output.
func startDaemonForward(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

var passwordPromptRe = regexp.MustCompile(`(?i)password[^:]*:`)

// ptyForward wraps the password-auth forwarding child.
type ptyForward struct {
	cmd *exec.Cmd
}

func (f *ptyForward) Terminate() error {
	if f.cmd.Process == nil {
		return nil
	}
	return f.cmd.Process.Signal(syscall.SIGTERM)
}

func (f *ptyForward) Kill() error {
	if f.cmd.Process == nil {
		return nil
	}
	return f.cmd.Process.Kill()
}

// answerPasswordPrompt drains a pty, writing secret once the password
// prompt appears. It owns closing f. The secret travels only over the pty,
// never through argv or the environment.
func answerPasswordPrompt(f *os.File, secret string) {
	defer f.Close()
	reader := bufio.NewReader(f)
	var window []byte
	answered := false
	buf := make([]byte, 256)
	for {
		n, err := reader.Read(buf)
		if n > 0 && !answered {
			window = append(window, buf[:n]...)
			if len(window) > 4096 {
				window = window[len(window)-4096:]
			}
			if passwordPromptRe.Match(window) {
				_, _ = f.WriteString(secret + "\n")
				answered = true
				window = nil
			}
		}
		if err != nil {
			return
		}
	}
}

// startPtyForward launches argv on a pseudo-terminal and leaves it running,
// with the first password prompt answered in the background.
func startPtyForward(ctx context.Context, argv []string, secret string) (forwardChild, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	go answerPasswordPrompt(f, secret)
	go func() { _ = cmd.Wait() }()
	return &ptyForward{cmd: cmd}, nil
}

// runPtyCommand runs argv on a pseudo-terminal to completion, answering the
// password prompt with secret. Used for password-auth probes where the
// credential is not yet saved and so cannot be resolved by name.
func runPtyCommand(ctx context.Context, argv []string, secret string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	f, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	go answerPasswordPrompt(f, secret)
	return cmd.Wait()
}
