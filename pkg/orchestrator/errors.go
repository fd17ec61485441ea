package orchestrator

import (
	"errors"
	"fmt"
)

// Error taxonomy for the orchestrator.
//
// Sentinels cover the cheap "expected" outcomes that callers branch on;
// the typed errors carry enough context for operator-facing messages.
// Everything is wrapped with %w so errors.Is/As work through call chains.

var (
	// ErrDuplicateName is returned when adding a credential whose name already
	// exists in either collection (names are unique across both kinds).
	ErrDuplicateName = errors.New("credential name already exists")

	// ErrNotFound is returned when a named credential (or a host address)
	// cannot be located.
	ErrNotFound = errors.New("not found")

	// ErrUserCancelled means the operator backed out of a selection flow.
	// It is a benign outcome, not a failure; callers redisplay the menu.
	ErrUserCancelled = errors.New("cancelled by operator")

	// ErrTunnelDegraded is reported by the health loop when the local forward
	// port stops listening. The session is terminal at that point; recovery is
	// a fresh Establish, never an automatic reconnect.
	ErrTunnelDegraded = errors.New("tunnel degraded: local port no longer listening")
)

// ValidationError reports a bad credential, path, or empty required field.
// Always recoverable: re-prompt or abort the current sub-flow only.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ConnectivityError reports a probe, auth, or timeout failure against a host.
// Surfaced immediately; never silently retried beyond the bounded
// establish poll.
type ConnectivityError struct {
	Host string
	Op   string // "probe", "forward", "remote-exec", "copy"
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// PersistenceError reports a failed config/credential write. The on-disk
// state is left unchanged when this is returned.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DeploymentError reports a missing remote file or interpreter. Callers
// surface it with a remediation choice (redeploy / continue / abort).
type DeploymentError struct {
	Host   string
	Reason string
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("deployment on %s: %s", e.Host, e.Reason)
}

// CleanupError aggregates per-phase failures for one host's cleanup.
// A partial failure never aborts a bulk cleanup; it lands in the summary.
type CleanupError struct {
	Host   string
	Phases map[string]error // phase name -> failure
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup %s: %d phase(s) failed", e.Host, len(e.Phases))
}
