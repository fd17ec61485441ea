package orchestrator

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// remoteLogFilename is where the server's stdout/stderr land in the
// deployment directory. Read back only for diagnostics.
const remoteLogFilename = "server.log"

// RemoteProcessManager starts the file server on the remote host and, during
// cleanup, finds and terminates it by command-line pattern or by port.
type RemoteProcessManager struct {
	Remote *Remote
	Config *Config
	Report *Reporter

	// graceSeconds is the remote TERM-to-KILL wait, embedded in the stop
	// scripts.
	graceSeconds int
}

// NewRemoteProcessManager builds a manager over an established Remote.
func NewRemoteProcessManager(remote *Remote, cfg *Config, rep *Reporter) *RemoteProcessManager {
	return &RemoteProcessManager{Remote: remote, Config: cfg, Report: rep, graceSeconds: 2}
}

// Start launches the server as a detached background process with output
// redirected to the remote log file. It waits only long enough to catch an
// immediate launch failure, then returns; the server outlives this process
// by design.
func (p *RemoteProcessManager) Start(ctx context.Context, remoteDir string) error {
	dir := shellEscapeSingleQuotes(remoteDir)
	file := shellEscapeSingleQuotes(p.Config.ServerFile)
	script := fmt.Sprintf(`cd %s || exit 1
nohup python3 %s %d >> %s 2>&1 </dev/null &
pid=$!
sleep 1
if kill -0 "$pid" 2>/dev/null; then echo "started=$pid"; else echo "failed"; fi`,
		dir, file, p.Config.RemotePort, shellEscapeSingleQuotes(remoteLogFilename))

	out, err := p.Remote.Run(ctx, script)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "started=") {
			p.Report.Verbosef("remote server started on %s (pid %s, port %d)",
				p.Remote.Conn.Host, strings.TrimPrefix(line, "started="), p.Config.RemotePort)
			return nil
		}
	}

	tail, _ := p.TailLog(ctx, remoteDir)
	reason := "server process exited immediately after launch"
	if strings.TrimSpace(tail) != "" {
		reason += "; last log lines:\n" + tail
	}
	return &DeploymentError{Host: p.Remote.Conn.Host, Reason: reason}
}

// stopPatterns is the full pattern set for StopByName: the configured
// patterns plus the deployed server filename, always.
func (p *RemoteProcessManager) stopPatterns() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, pat := range append([]string{p.Config.ServerFile}, p.Config.ProcessPatterns...) {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		if _, ok := seen[pat]; ok {
			continue
		}
		seen[pat] = struct{}{}
		out = append(out, pat)
	}
	return out
}

// pgrepPattern brackets the pattern's first character so pgrep -f never
// matches the cleanup shell itself, whose own command line carries the
// pattern. "[e]nhanced" matches "enhanced" in a server's command line but
// not the literal "[e]nhanced" in the script's.
func pgrepPattern(pat string) string {
	r := []rune(pat)
	if len(r) == 0 {
		return pat
	}
	switch r[0] {
	case '^', '\\', ']', '[':
		return pat
	}
	return "[" + string(r[0]) + "]" + string(r[1:])
}

// stopScript builds the two-phase termination for one pid-listing command:
// TERM every match, wait the grace period, KILL survivors. Echoes the
// initial match count. The script's own shell (and its command-substitution
// forks, which share its command line) are filtered out of every pid list so
// the cleanup can never terminate itself mid-run.
func stopScript(listPids string, graceSeconds int) string {
	return fmt.Sprintf(`self=$$
drop_self() { for p in "$@"; do [ "$p" = "$self" ] || printf '%%s ' "$p"; done; }
pids=$(drop_self $(%s))
if [ -n "$pids" ]; then
  kill -TERM $pids 2>/dev/null
  sleep %d
  left=$(drop_self $(%s))
  [ -n "$left" ] && kill -KILL $left 2>/dev/null
fi
echo "count=$(echo $pids | wc -w)"`, listPids, graceSeconds, listPids)
}

func parseStopCount(out string) int {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "count=") {
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "count=")))
			if err == nil {
				return n
			}
		}
	}
	return 0
}

// StopByName terminates remote processes whose command line matches any
// known server pattern. Returns how many processes were found; zero found is
// a success, which is what makes repeated cleanup idempotent.
func (p *RemoteProcessManager) StopByName(ctx context.Context) (int, error) {
	total := 0
	for _, pat := range p.stopPatterns() {
		list := fmt.Sprintf("pgrep -f %s 2>/dev/null || true", shellEscapeSingleQuotes(pgrepPattern(pat)))
		out, err := p.Remote.Run(ctx, stopScript(list, p.graceSeconds))
		if err != nil {
			return total, err
		}
		n := parseStopCount(out)
		if n > 0 {
			p.Report.Verbosef("stopped %d process(es) matching %q on %s", n, pat, p.Remote.Conn.Host)
		}
		total += n
	}
	return total, nil
}

// StopByPort terminates whatever still holds the server port, catching
// processes the name patterns miss.
func (p *RemoteProcessManager) StopByPort(ctx context.Context, port int) (int, error) {
	list := fmt.Sprintf("{ lsof -ti tcp:%d 2>/dev/null || fuser -n tcp %d 2>/dev/null; } | tr -s ' \\n' ' '", port, port)
	out, err := p.Remote.Run(ctx, stopScript(list, p.graceSeconds))
	if err != nil {
		return 0, err
	}
	n := parseStopCount(out)
	if n > 0 {
		p.Report.Verbosef("stopped %d process(es) on %s port %d", n, p.Remote.Conn.Host, port)
	}
	return n, nil
}

// TailLog returns the last lines of the remote server log for diagnostic
// display.
func (p *RemoteProcessManager) TailLog(ctx context.Context, remoteDir string) (string, error) {
	logPath := path.Join(remoteDir, remoteLogFilename)
	return p.Remote.Run(ctx, fmt.Sprintf("tail -n 40 %s 2>/dev/null || true", shellEscapeSingleQuotes(logPath)))
}
