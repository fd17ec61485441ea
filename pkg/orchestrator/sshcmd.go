package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// sshcmd.go
//
// Argv builders for the external secure-shell and secure-copy clients, plus
// the local command runner everything above it goes through.
//
// Security:
//   - Secrets never appear in a constructed argv, an environment value we
//     log, or a temp file. Password auth goes through an SSH_ASKPASS wrapper
//     that calls back into our own binary by credential NAME; the wrapper
//     contains no secret.
//   - Debug/verbose output is redacted unconditionally (see report.go), and
//     for password-authenticated sessions command lines are suppressed
//     entirely rather than printed redacted.

// commandRunner executes a local command and returns stdout/stderr. It is a
// seam for tests: state machines swap it for a fake so no test ever shells
// out or touches a network.
type commandRunner func(ctx context.Context, env map[string]string, argv []string) (stdout, stderr string, err error)

// runLocalCommand is the production commandRunner.
func runLocalCommand(ctx context.Context, env map[string]string, argv []string) (string, string, error) {
	if len(argv) == 0 {
		return "", "", errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = nil
	if len(env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), env)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// mergeEnv applies override/append semantics of extra onto base.
func mergeEnv(base []string, extra map[string]string) []string {
	merged := append([]string(nil), base...)
	for k, v := range extra {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		prefix := k + "="
		found := false
		for i := range merged {
			if strings.HasPrefix(merged[i], prefix) {
				merged[i] = prefix + v
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, prefix+v)
		}
	}
	return merged
}

// sshBaseArgs returns the option prefix shared by every ssh invocation for
// this connection. Key auth runs in BatchMode so a missing/rejected key
// fails fast instead of falling back to an interactive prompt.
func sshBaseArgs(c Connection, timeout time.Duration) []string {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	args := []string{
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", fmt.Sprintf("ConnectTimeout=%d", secs),
	}
	switch c.Auth {
	case KindKey:
		args = append(args,
			"-o", "BatchMode=yes",
			"-i", expandPath(c.KeyPath),
		)
	case KindPassword:
		args = append(args,
			"-o", "PreferredAuthentications=keyboard-interactive,password",
			"-o", "PubkeyAuthentication=no",
			"-o", "NumberOfPasswordPrompts=1",
		)
	}
	return args
}

// BuildProbeCommand builds the fail-fast connectivity probe: authenticate
// and run a no-op remote command.
func BuildProbeCommand(c Connection, timeout time.Duration) []string {
	argv := []string{"ssh"}
	argv = append(argv, sshBaseArgs(c, timeout)...)
	argv = append(argv, c.Dest(), "true")
	return argv
}

// BuildForwardCommand builds the local port-forward launch. When daemonize
// is true the client backgrounds itself after the forward is up (-f), which
// is only safe for key auth; password forwards are started as a plain child
// and polled instead.
func BuildForwardCommand(c Connection, localPort, remotePort int, timeout time.Duration, daemonize bool) []string {
	argv := []string{"ssh"}
	argv = append(argv, sshBaseArgs(c, timeout)...)
	argv = append(argv,
		"-L", fmt.Sprintf("%d:localhost:%d", localPort, remotePort),
		"-N",
	)
	if daemonize {
		argv = append(argv, "-f")
	}
	argv = append(argv, c.Dest())
	return argv
}

// BuildRemoteCommand builds an ssh invocation that runs script on the remote
// host through sh -c.
func BuildRemoteCommand(c Connection, timeout time.Duration, script string) []string {
	argv := []string{"ssh"}
	argv = append(argv, sshBaseArgs(c, timeout)...)
	argv = append(argv, c.Dest(), "sh", "-c", shellEscapeSingleQuotes(script))
	return argv
}

// BuildCopyCommand builds the scp transfer of localFile into remotePath.
func BuildCopyCommand(c Connection, timeout time.Duration, localFile, remotePath string) []string {
	argv := []string{"scp"}
	argv = append(argv, sshBaseArgs(c, timeout)...)
	argv = append(argv, expandPath(localFile), c.Dest()+":"+remotePath)
	return argv
}

// shellEscapeSingleQuotes escapes a string for safe use as one sh argument,
// using the classic single-quote strategy.
func shellEscapeSingleQuotes(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexByte(s, '\'') < 0 {
		return "'" + s + "'"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// askpassEnvFunc builds the environment that makes ssh/scp fetch the
// password through an external helper. Injectable for tests.
type askpassEnvFunc func(credName string) (map[string]string, func(), error)

// askpassEnv writes a tiny wrapper script (no secrets inside; it only names
// the credential) and returns env overrides forcing OpenSSH to use it.
//
// OpenSSH executes SSH_ASKPASS without a reliable PATH in some environments,
// so the wrapper execs this binary by absolute path.
func askpassEnv(credName string) (map[string]string, func(), error) {
	credName = strings.TrimSpace(credName)
	if credName == "" {
		return nil, nil, errors.New("askpass: empty credential name")
	}
	bin := strings.TrimSpace(os.Getenv("TUNNELSERVE_BIN"))
	if bin == "" {
		if exe, err := os.Executable(); err == nil && strings.TrimSpace(exe) != "" {
			bin = strings.TrimSpace(exe)
		} else {
			bin = "tunnelserve"
		}
	}

	wrapperPath := filepath.Join(os.TempDir(), fmt.Sprintf("tunnelserve-askpass-%d.sh", os.Getpid()))
	wrapper := "#!/bin/sh\n" +
		"exec " + shellEscapeSingleQuotes(bin) + " __askpass --name " + shellEscapeSingleQuotes(credName) + "\n"
	if err := os.WriteFile(wrapperPath, []byte(wrapper), 0o700); err != nil {
		return nil, nil, fmt.Errorf("write askpass wrapper: %w", err)
	}

	env := map[string]string{
		"SSH_ASKPASS":         wrapperPath,
		"SSH_ASKPASS_REQUIRE": "force",
		"DISPLAY":             "1",
	}
	cleanup := func() { _ = os.Remove(wrapperPath) }
	return env, cleanup, nil
}

// Remote runs commands against one Connection through the system ssh/scp
// clients. It is the single choke point for remote execution, which is where
// the password-session redaction rule is enforced.
type Remote struct {
	Conn    Connection
	Timeout time.Duration

	Report *Reporter

	run     commandRunner
	askpass askpassEnvFunc
}

// NewRemote builds a Remote for conn with the given probe/exec timeout.
func NewRemote(conn Connection, timeout time.Duration, rep *Reporter) *Remote {
	return &Remote{
		Conn:    conn,
		Timeout: timeout,
		Report:  rep,
		run:     runLocalCommand,
		askpass: askpassEnv,
	}
}

// env returns the extra environment for this connection (askpass wiring for
// password auth, nothing for keys) plus its cleanup.
func (r *Remote) env() (map[string]string, func(), error) {
	if r.Conn.Auth != KindPassword {
		return nil, func() {}, nil
	}
	return r.askpass(r.Conn.CredentialName)
}

// debugCommand logs an argv at debug level, suppressing it entirely for
// password-authenticated sessions.
func (r *Remote) debugCommand(argv []string) {
	if r.Report == nil {
		return
	}
	if r.Conn.Auth == KindPassword {
		r.Report.Debugf("remote %s: command suppressed (password-authenticated session)", r.Conn.Host)
		return
	}
	r.Report.Debugf("remote %s: %s", r.Conn.Host, strings.Join(argv, " "))
}

// Run executes script on the remote host and returns its stdout.
func (r *Remote) Run(ctx context.Context, script string) (string, error) {
	argv := BuildRemoteCommand(r.Conn, r.Timeout, script)
	r.debugCommand(argv)

	env, cleanup, err := r.env()
	if err != nil {
		return "", err
	}
	defer cleanup()

	stdout, stderr, err := r.run(ctx, env, argv)
	if err != nil {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = err.Error()
		}
		return stdout, &ConnectivityError{Host: r.Conn.Host, Op: "remote-exec", Err: errors.New(msg)}
	}
	return stdout, nil
}

// Probe authenticates and runs a no-op remote command, failing fast when the
// host is unreachable or the credential is bad.
func (r *Remote) Probe(ctx context.Context) error {
	argv := BuildProbeCommand(r.Conn, r.Timeout)
	r.debugCommand(argv)

	env, cleanup, err := r.env()
	if err != nil {
		return err
	}
	defer cleanup()

	_, stderr, err := r.run(ctx, env, argv)
	if err != nil {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = err.Error()
		}
		return &ConnectivityError{Host: r.Conn.Host, Op: "probe", Err: errors.New(msg)}
	}
	return nil
}

// Copy transfers localFile to remotePath with scp.
func (r *Remote) Copy(ctx context.Context, localFile, remotePath string) error {
	argv := BuildCopyCommand(r.Conn, r.Timeout, localFile, remotePath)
	r.debugCommand(argv)

	env, cleanup, err := r.env()
	if err != nil {
		return err
	}
	defer cleanup()

	_, stderr, err := r.run(ctx, env, argv)
	if err != nil {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = err.Error()
		}
		return &ConnectivityError{Host: r.Conn.Host, Op: "copy", Err: errors.New(msg)}
	}
	return nil
}
