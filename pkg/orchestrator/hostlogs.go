package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HostLog keeps a small append-only activity log per host under the config
// directory, so an operator can see when a host was last tunneled, deployed
// to, or cleaned. Lines are timestamped plain text; secrets never reach this
// layer.
type HostLog struct {
	Dir string
}

// NewHostLog builds a log rooted at <baseDir>/logs.
func NewHostLog(baseDir string) *HostLog {
	return &HostLog{Dir: filepath.Join(baseDir, "logs")}
}

func (l *HostLog) pathFor(host string) string {
	// Hosts are addresses; replace separators defensively anyway.
	name := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(strings.TrimSpace(host))
	return filepath.Join(l.Dir, name+".log")
}

// Append records one event for host.
func (l *HostLog) Append(host, event string) error {
	if strings.TrimSpace(host) == "" {
		return &ValidationError{Field: "host", Reason: "is required"}
	}
	if err := os.MkdirAll(l.Dir, 0o700); err != nil {
		return &PersistenceError{Path: l.Dir, Err: err}
	}
	p := l.pathFor(host)
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return &PersistenceError{Path: p, Err: err}
	}
	defer f.Close()
	line := fmt.Sprintf("%s %s\n", time.Now().Format(time.RFC3339), strings.TrimSpace(event))
	if _, err := f.WriteString(line); err != nil {
		return &PersistenceError{Path: p, Err: err}
	}
	return nil
}

// Tail returns up to n of the most recent lines for host. A host with no log
// yields an empty slice, not an error.
func (l *HostLog) Tail(host string, n int) ([]string, error) {
	data, err := os.ReadFile(l.pathFor(host))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &PersistenceError{Path: l.pathFor(host), Err: err}
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
