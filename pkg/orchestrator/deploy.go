package orchestrator

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// DeploymentStatus is the observed state of the server file on the remote
// host. It is recomputed on every call, never cached, because remote state
// can change out of band.
type DeploymentStatus struct {
	Present    bool
	Executable bool
	SyntaxOK   bool

	// RemotePath is the fully resolved absolute path of the server file.
	RemotePath string
}

// DeploymentManager verifies and installs the file-serving executable on the
// remote host. It never redeploys on its own: callers decide redeploy vs
// continue vs abort based on the status it reports.
type DeploymentManager struct {
	Remote *Remote
	Config *Config
	Report *Reporter
}

// NewDeploymentManager builds a manager over an established Remote.
func NewDeploymentManager(remote *Remote, cfg *Config, rep *Reporter) *DeploymentManager {
	return &DeploymentManager{Remote: remote, Config: cfg, Report: rep}
}

// ResolveRemoteDir expands a home-relative remote_dir ("~" or "~/x") against
// the remote shell's home. If the query fails, falls back to the
// conventional /home/<user> (or /root for root).
func (d *DeploymentManager) ResolveRemoteDir(ctx context.Context) (string, error) {
	dir := strings.TrimSpace(d.Config.RemoteDir)
	if dir == "" {
		return "", &ValidationError{Field: "remote_dir", Reason: "is required"}
	}
	if !strings.HasPrefix(dir, "~") {
		return path.Clean(dir), nil
	}

	home := ""
	if out, err := d.Remote.Run(ctx, `printf %s "$HOME"`); err == nil {
		home = strings.TrimSpace(out)
	}
	if home == "" {
		if d.Remote.Conn.User == "root" {
			home = "/root"
		} else {
			home = "/home/" + d.Remote.Conn.User
		}
		d.Report.Verbosef("remote home query failed, assuming %s", home)
	}

	rest := strings.TrimPrefix(dir, "~")
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" {
		return home, nil
	}
	return path.Join(home, rest), nil
}

// EnsureDeployed checks presence, execute permission, and interpreter-level
// syntax of the server file in one remote round trip.
func (d *DeploymentManager) EnsureDeployed(ctx context.Context) (DeploymentStatus, error) {
	dir, err := d.ResolveRemoteDir(ctx)
	if err != nil {
		return DeploymentStatus{}, err
	}
	remotePath := path.Join(dir, d.Config.ServerFile)
	status := DeploymentStatus{RemotePath: remotePath}

	script := fmt.Sprintf(
		`f=%s
if [ -e "$f" ]; then echo present=yes; else echo present=no; fi
if [ -x "$f" ]; then echo executable=yes; else echo executable=no; fi
if python3 -m py_compile "$f" 2>/dev/null; then echo syntax=ok; else echo syntax=bad; fi`,
		shellEscapeSingleQuotes(remotePath),
	)
	out, err := d.Remote.Run(ctx, script)
	if err != nil {
		return status, err
	}

	for _, line := range strings.Split(out, "\n") {
		switch strings.TrimSpace(line) {
		case "present=yes":
			status.Present = true
		case "executable=yes":
			status.Executable = true
		case "syntax=ok":
			status.SyntaxOK = true
		}
	}
	d.Report.Verbosef("deployment status for %s: present=%t executable=%t syntax_ok=%t",
		remotePath, status.Present, status.Executable, status.SyntaxOK)
	return status, nil
}

// Deploy transfers localFile to the remote directory, marks it executable,
// and re-verifies. The returned status reflects the post-transfer check.
func (d *DeploymentManager) Deploy(ctx context.Context, localFile string) (DeploymentStatus, error) {
	dir, err := d.ResolveRemoteDir(ctx)
	if err != nil {
		return DeploymentStatus{}, err
	}

	if _, err := d.Remote.Run(ctx, fmt.Sprintf("mkdir -p %s", shellEscapeSingleQuotes(dir))); err != nil {
		return DeploymentStatus{}, err
	}

	remotePath := path.Join(dir, d.Config.ServerFile)
	d.Report.Verbosef("copying %s to %s:%s", localFile, d.Remote.Conn.Host, remotePath)
	if err := d.Remote.Copy(ctx, localFile, remotePath); err != nil {
		return DeploymentStatus{}, err
	}
	if _, err := d.Remote.Run(ctx, fmt.Sprintf("chmod +x %s", shellEscapeSingleQuotes(remotePath))); err != nil {
		return DeploymentStatus{}, err
	}

	status, err := d.EnsureDeployed(ctx)
	if err != nil {
		return status, err
	}
	if !status.Present {
		return status, &DeploymentError{
			Host:   d.Remote.Conn.Host,
			Reason: fmt.Sprintf("%s still absent after transfer", remotePath),
		}
	}
	return status, nil
}

// CheckInterpreter verifies the remote python3 interpreter exists, which the
// deployed server needs to run.
func (d *DeploymentManager) CheckInterpreter(ctx context.Context) error {
	out, err := d.Remote.Run(ctx, "command -v python3 || true")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) == "" {
		return &DeploymentError{Host: d.Remote.Conn.Host, Reason: "python3 not found on remote host"}
	}
	return nil
}
