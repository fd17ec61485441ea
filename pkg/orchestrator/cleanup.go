package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Cleanup phase names as they appear in results and summaries.
const (
	PhaseTunnel     = "tunnel"
	PhaseCredential = "credential"
	PhaseStopByName = "stop-by-name"
	PhaseStopByPort = "stop-by-port"
)

// HostCleanupResult records the per-phase outcome of cleaning one host. A
// nil map value means the phase succeeded.
type HostCleanupResult struct {
	Host   string
	Phases map[string]error
}

// OK reports whether every attempted phase succeeded.
func (r HostCleanupResult) OK() bool {
	for _, err := range r.Phases {
		if err != nil {
			return false
		}
	}
	return true
}

// Err converts a failed result into a CleanupError, or nil if all phases
// succeeded.
func (r HostCleanupResult) Err() error {
	if r.OK() {
		return nil
	}
	return &CleanupError{Host: r.Host, Phases: r.Phases}
}

// String renders the result phase by phase, in stable order.
func (r HostCleanupResult) String() string {
	names := make([]string, 0, len(r.Phases))
	for name := range r.Phases {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		if err := r.Phases[name]; err != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", name, err))
		} else {
			parts = append(parts, name+": ok")
		}
	}
	return fmt.Sprintf("%s [%s]", r.Host, strings.Join(parts, ", "))
}

// CleanupSummary aggregates a bulk cleanup.
type CleanupSummary struct {
	Succeeded int
	Total     int
	Results   []HostCleanupResult
}

func (s CleanupSummary) String() string {
	return fmt.Sprintf("%d/%d succeeded", s.Succeeded, s.Total)
}

// CleanupCoordinator drives tunnel teardown plus remote process cleanup for
// one host or for every registered host. One host's failure never aborts a
// batch; failures surface in the summary only.
type CleanupCoordinator struct {
	Registry *HostRegistry
	Config   *Config
	Report   *Reporter

	// teardownTunnel closes the single local tunnel slot. Local teardown runs
	// regardless of which remote host is being cleaned.
	teardownTunnel func(ctx context.Context) error

	// newProc builds the remote process manager for a resolved connection.
	// Injectable for tests.
	newProc func(conn Connection) *RemoteProcessManager
}

// NewCleanupCoordinator builds a coordinator. tunnel may be nil when no
// session was established this invocation; local teardown then still clears
// the configured port via a throwaway manager.
func NewCleanupCoordinator(reg *HostRegistry, cfg *Config, tunnel *TunnelManager, rep *Reporter) *CleanupCoordinator {
	c := &CleanupCoordinator{
		Registry: reg,
		Config:   cfg,
		Report:   rep,
	}
	c.teardownTunnel = func(ctx context.Context) error {
		t := tunnel
		if t == nil {
			t = NewTunnelManager(Connection{}, cfg, rep)
			t.state = TunnelActive
		}
		return t.Teardown(ctx)
	}
	c.newProc = func(conn Connection) *RemoteProcessManager {
		return NewRemoteProcessManager(NewRemote(conn, cfg.ConnectTimeout(), rep), cfg, rep)
	}
	return c
}

// CleanupOne tears down the local tunnel, then stops the server on host by
// name pattern and by port. Local failure does not prevent the remote
// phases, and vice versa.
func (c *CleanupCoordinator) CleanupOne(ctx context.Context, host string) HostCleanupResult {
	res := HostCleanupResult{Host: host, Phases: map[string]error{}}

	res.Phases[PhaseTunnel] = c.teardownTunnel(ctx)

	cred, err := c.Registry.FindCredentialFor(host)
	if err != nil {
		res.Phases[PhaseCredential] = err
		return res
	}
	conn := ConnectionFromCredential(cred)
	if conn.Auth == KindPassword {
		c.Report.AddSecret(conn.secretValue())
	}

	proc := c.newProc(conn)
	if _, err := proc.StopByName(ctx); err != nil {
		res.Phases[PhaseStopByName] = err
	} else {
		res.Phases[PhaseStopByName] = nil
	}
	if _, err := proc.StopByPort(ctx, c.Config.RemotePort); err != nil {
		res.Phases[PhaseStopByPort] = err
	} else {
		res.Phases[PhaseStopByPort] = nil
	}
	return res
}

// CleanupAll applies CleanupOne to every registered address and aggregates a
// success count.
func (c *CleanupCoordinator) CleanupAll(ctx context.Context) (CleanupSummary, error) {
	addrs, err := c.Registry.Addresses()
	if err != nil {
		return CleanupSummary{}, err
	}

	sum := CleanupSummary{Total: len(addrs)}
	for _, addr := range addrs {
		res := c.CleanupOne(ctx, addr)
		sum.Results = append(sum.Results, res)
		if res.OK() {
			sum.Succeeded++
		} else {
			c.Report.Errorf("cleanup %s", res)
		}
	}
	c.Report.Infof("cleanup complete: %s", sum)
	return sum, nil
}
