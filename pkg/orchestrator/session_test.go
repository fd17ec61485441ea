package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// newTestSession wires a session whose tunnel always establishes instantly
// and whose remote answers through respond.
func newTestSession(t *testing.T, respond func(script string) (string, error)) *Session {
	t.Helper()
	cfg := testTunnelConfig()
	rep := NewReporter(false, false)
	conn := keyConn("/k")

	tunnel := NewTunnelManager(conn, cfg, rep)
	tunnel.teardownGrace = 0
	tunnel.probe = func(ctx context.Context) error { return nil }
	tunnel.launch = func(ctx context.Context) (forwardChild, error) { return &fakeChild{}, nil }
	up := false
	tunnel.portListening = func(port int) bool {
		defer func() { up = true }()
		return up
	}

	remote := scriptedRemote(conn, respond)
	return &Session{
		Config: cfg,
		Report: rep,
		Conn:   conn,
		Tunnel: tunnel,
		Deploy: NewDeploymentManager(remote, cfg, rep),
		Proc: func() *RemoteProcessManager {
			p := NewRemoteProcessManager(remote, cfg, rep)
			p.graceSeconds = 0
			return p
		}(),
		Log: NewHostLog(t.TempDir()),
	}
}

func healthyRemote(script string) (string, error) {
	switch {
	case strings.Contains(script, "$HOME"):
		return "/home/ubuntu", nil
	case strings.Contains(script, "present="):
		return "present=yes\nexecutable=yes\nsyntax=ok\n", nil
	case strings.Contains(script, "nohup"):
		return "started=4242\n", nil
	}
	return "", nil
}

func TestDefaultDecide(t *testing.T) {
	d, _ := defaultDecide(DeploymentStatus{Present: true, Executable: true, SyntaxOK: true})
	if d != DecisionContinue {
		t.Fatalf("healthy deployment should continue, got %v", d)
	}
	d, _ = defaultDecide(DeploymentStatus{Present: false})
	if d != DecisionRedeploy {
		t.Fatalf("absent deployment should redeploy, got %v", d)
	}
	d, _ = defaultDecide(DeploymentStatus{Present: true, Executable: true, SyntaxOK: false})
	if d != DecisionRedeploy {
		t.Fatalf("broken deployment should redeploy, got %v", d)
	}
}

func TestSessionUp_StartsServer(t *testing.T) {
	var sawStart bool
	sess := newTestSession(t, func(script string) (string, error) {
		if strings.Contains(script, "nohup") {
			sawStart = true
		}
		return healthyRemote(script)
	})

	if err := sess.Up(context.Background(), UpOptions{}); err != nil {
		t.Fatalf("up: %v", err)
	}
	if !sawStart {
		t.Fatalf("server start never ran")
	}
	if sess.Tunnel.State() != TunnelActive {
		t.Fatalf("tunnel should stay active, got %s", sess.Tunnel.State())
	}
}

func TestSessionUp_DeployOnlySkipsStart(t *testing.T) {
	sess := newTestSession(t, func(script string) (string, error) {
		if strings.Contains(script, "nohup") {
			t.Fatalf("deploy-only run must not start the server")
		}
		return healthyRemote(script)
	})

	if err := sess.Up(context.Background(), UpOptions{DeployOnly: true}); err != nil {
		t.Fatalf("up: %v", err)
	}
}

func TestSessionUp_AbortDecision(t *testing.T) {
	sess := newTestSession(t, healthyRemote)
	opts := UpOptions{
		Decide: func(DeploymentStatus) (DeployDecision, error) { return DecisionAbort, nil },
	}
	if err := sess.Up(context.Background(), opts); !errors.Is(err, ErrUserCancelled) {
		t.Fatalf("expected ErrUserCancelled, got %v", err)
	}
}

func TestSessionUp_ContinueWithAbsentFileFails(t *testing.T) {
	sess := newTestSession(t, func(script string) (string, error) {
		if strings.Contains(script, "present=") {
			return "present=no\nexecutable=no\nsyntax=bad\n", nil
		}
		return healthyRemote(script)
	})
	opts := UpOptions{
		Decide: func(DeploymentStatus) (DeployDecision, error) { return DecisionContinue, nil },
	}

	err := sess.Up(context.Background(), opts)
	var derr *DeploymentError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DeploymentError, got %v", err)
	}
}

func TestSessionUp_EstablishFailureStopsEverything(t *testing.T) {
	sess := newTestSession(t, func(script string) (string, error) {
		t.Fatalf("no remote work after failed establish")
		return "", nil
	})
	sess.Tunnel.probe = func(ctx context.Context) error {
		return &ConnectivityError{Host: "10.0.0.5", Op: "probe", Err: errors.New("down")}
	}

	err := sess.Up(context.Background(), UpOptions{})
	var cerr *ConnectivityError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConnectivityError, got %v", err)
	}
}
