package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DeployDecision is the operator's answer when a pre-existing deployment is
// found (or missing): redeploy the server file, continue with what is there,
// or abort the session.
type DeployDecision int

const (
	DecisionRedeploy DeployDecision = iota
	DecisionContinue
	DecisionAbort
)

// UpOptions tune one Session.Up run.
type UpOptions struct {
	// LocalServerFile is the local path of the server executable to deploy.
	// Defaults to the configured server filename in the working directory.
	LocalServerFile string

	// DeployOnly stops after deployment verification; no server start.
	DeployOnly bool

	// SkipStart leaves the remote server alone (status-style runs).
	SkipStart bool

	// Decide is consulted with the current deployment status before any
	// redeploy. Nil means: deploy when the file is absent or broken,
	// continue otherwise (the auto-confirm behavior).
	Decide func(status DeploymentStatus) (DeployDecision, error)
}

// Session ties one Connection to the managers that act on it. One session
// per process invocation; the tunnel and the remote server deliberately
// outlive it unless cleanup is requested explicitly.
type Session struct {
	Config *Config
	Report *Reporter
	Conn   Connection

	Tunnel *TunnelManager
	Deploy *DeploymentManager
	Proc   *RemoteProcessManager
	Log    *HostLog

	remoteDir string
}

// NewSession wires the managers for conn. logBase is the config directory
// used for per-host activity logs.
func NewSession(conn Connection, cfg *Config, logBase string, rep *Reporter) *Session {
	remote := NewRemote(conn, cfg.ConnectTimeout(), rep)
	return &Session{
		Config: cfg,
		Report: rep,
		Conn:   conn,
		Tunnel: NewTunnelManager(conn, cfg, rep),
		Deploy: NewDeploymentManager(remote, cfg, rep),
		Proc:   NewRemoteProcessManager(remote, cfg, rep),
		Log:    NewHostLog(logBase),
	}
}

func (s *Session) logEvent(format string, args ...any) {
	if s.Log == nil {
		return
	}
	if err := s.Log.Append(s.Conn.Host, fmt.Sprintf(format, args...)); err != nil {
		s.Report.Debugf("host log: %v", err)
	}
}

// defaultDecide deploys when the file is absent or fails verification and
// continues otherwise.
func defaultDecide(status DeploymentStatus) (DeployDecision, error) {
	if !status.Present || !status.Executable || !status.SyntaxOK {
		return DecisionRedeploy, nil
	}
	return DecisionContinue, nil
}

// ensureDeployed runs the verify-decide-deploy cycle and returns the final
// status.
func (s *Session) ensureDeployed(ctx context.Context, opts UpOptions) (DeploymentStatus, error) {
	status, err := s.Deploy.EnsureDeployed(ctx)
	if err != nil {
		return status, err
	}

	decide := opts.Decide
	if decide == nil {
		decide = defaultDecide
	}
	decision, err := decide(status)
	if err != nil {
		return status, err
	}

	switch decision {
	case DecisionAbort:
		return status, ErrUserCancelled
	case DecisionContinue:
		if !status.Present {
			return status, &DeploymentError{Host: s.Conn.Host, Reason: "server file absent and deployment declined"}
		}
		return status, nil
	}

	local := opts.LocalServerFile
	if local == "" {
		local = filepath.Join(".", s.Config.ServerFile)
	}
	if _, err := os.Stat(expandPath(local)); err != nil {
		return status, &DeploymentError{Host: s.Conn.Host, Reason: fmt.Sprintf("local server file %s: %v", local, err)}
	}
	status, err = s.Deploy.Deploy(ctx, local)
	if err != nil {
		return status, err
	}
	s.logEvent("deployed %s to %s", s.Config.ServerFile, status.RemotePath)
	return status, nil
}

// Up runs the session forward path: establish the tunnel, verify (and if
// decided, perform) deployment, and start the remote server. The health loop
// is left to the caller so interrupt handling stays in one place.
func (s *Session) Up(ctx context.Context, opts UpOptions) error {
	sess, err := s.Tunnel.Establish(ctx)
	if err != nil {
		return err
	}
	s.logEvent("tunnel %s established %d:localhost:%d", sess.ID, sess.LocalPort, sess.RemotePort)

	status, err := s.ensureDeployed(ctx, opts)
	if err != nil {
		return err
	}
	if opts.DeployOnly {
		s.Report.Infof("deployment verified at %s", status.RemotePath)
		return nil
	}
	if opts.SkipStart {
		return nil
	}

	dir, err := s.Deploy.ResolveRemoteDir(ctx)
	if err != nil {
		return err
	}
	s.remoteDir = dir
	if err := s.Proc.Start(ctx, dir); err != nil {
		var depErr *DeploymentError
		if errors.As(err, &depErr) {
			s.Report.Errorf("%s", depErr.Reason)
		}
		return err
	}
	s.logEvent("server started on port %d", s.Config.RemotePort)
	s.Report.Infof("serving %s via http://localhost:%d", s.Conn.Dest(), s.Config.LocalPort)
	return nil
}

// Watch blocks in the tunnel health loop until interrupted or the tunnel
// degrades. On interrupt the tunnel is left running; teardown is always a
// separate explicit action.
func (s *Session) Watch(ctx context.Context) error {
	err := s.Tunnel.HealthLoop(ctx)
	if errors.Is(err, ErrTunnelDegraded) {
		s.logEvent("tunnel degraded, port %d lost", s.Config.LocalPort)
		if s.remoteDir != "" {
			if tail, terr := s.Proc.TailLog(ctx, s.remoteDir); terr == nil && strings.TrimSpace(tail) != "" {
				s.Report.Verbosef("last remote server log lines:\n%s", tail)
			}
		}
	}
	return err
}
