package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Connection is an immutable snapshot of everything needed to reach one
// host: user, address, auth kind, and a reference to the secret material.
// The password itself lives in the unexported secret field and is never
// marshaled or printed; String and Dest deliberately omit it.
type Connection struct {
	User string
	Host string
	Auth CredentialKind

	// CredentialName is the saved-credential name backing this connection,
	// empty for ad-hoc connections that were never persisted.
	CredentialName string

	// KeyPath is set for key auth.
	KeyPath string

	secret string
}

// ConnectionFromCredential snapshots a saved credential.
func ConnectionFromCredential(cred Credential) Connection {
	c := Connection{
		User:           strings.TrimSpace(cred.CredUser()),
		Host:           strings.TrimSpace(cred.CredHost()),
		Auth:           cred.Kind(),
		CredentialName: strings.TrimSpace(cred.CredName()),
	}
	switch v := cred.(type) {
	case KeyCredential:
		c.KeyPath = v.KeyPath
	case PasswordCredential:
		c.secret = v.Secret
	}
	return c
}

// Dest returns the user@host ssh destination.
func (c Connection) Dest() string {
	if c.User == "" {
		return c.Host
	}
	return c.User + "@" + c.Host
}

// String renders the connection for display. Never includes the secret.
func (c Connection) String() string {
	return fmt.Sprintf("%s (%s auth)", c.Dest(), c.Auth)
}

// secretValue exposes the password to same-package callers that feed it over
// a pty. Callers must register it with a Reporter before any output.
func (c Connection) secretValue() string { return c.secret }

// Selector resolves an operator's choice of target into a Connection. It
// supports selection by saved credential name, by ordinal position in the
// host listing, and by explicit address.
type Selector struct {
	Store    *CredentialStore
	Registry *HostRegistry
	Report   *Reporter
	Timeout  time.Duration

	// probe validates connectivity before an explicit new credential is
	// persisted. Injectable for tests.
	probe func(ctx context.Context, conn Connection) error

	// runPty feeds a not-yet-saved password over a pseudo-terminal. The
	// askpass channel resolves secrets by saved credential name, which does
	// not exist until after the probe succeeds, so the pre-persist probe
	// must carry the secret itself.
	runPty func(ctx context.Context, argv []string, secret string) error
}

// NewSelector builds a Selector over store and registry.
func NewSelector(store *CredentialStore, reg *HostRegistry, timeout time.Duration, rep *Reporter) *Selector {
	s := &Selector{
		Store:    store,
		Registry: reg,
		Report:   rep,
		Timeout:  timeout,
		runPty:   runPtyCommand,
	}
	s.probe = func(ctx context.Context, conn Connection) error {
		if conn.Auth == KindPassword {
			argv := BuildProbeCommand(conn, s.Timeout)
			if err := s.runPty(ctx, argv, conn.secretValue()); err != nil {
				return &ConnectivityError{Host: conn.Host, Op: "probe", Err: err}
			}
			return nil
		}
		return NewRemote(conn, s.Timeout, rep).Probe(ctx)
	}
	return s
}

// registerSecret hides a connection's password from all reporter output.
func (s *Selector) registerSecret(conn Connection) {
	if conn.Auth == KindPassword {
		s.Report.AddSecret(conn.secretValue())
	}
}

// ByName resolves a saved credential name.
func (s *Selector) ByName(name string) (Connection, error) {
	cred, err := s.Store.CredentialFor(name)
	if err != nil {
		return Connection{}, err
	}
	conn := ConnectionFromCredential(cred)
	s.registerSecret(conn)
	return conn, nil
}

// ByOrdinal resolves a 1-based position in the host listing, then picks a
// credential for that address (keys preferred).
func (s *Selector) ByOrdinal(n int) (Connection, error) {
	addrs, err := s.Registry.Addresses()
	if err != nil {
		return Connection{}, err
	}
	if n < 1 || n > len(addrs) {
		return Connection{}, &ValidationError{
			Field:  "selection",
			Reason: fmt.Sprintf("must be in 1..%d, got %d", len(addrs), n),
		}
	}
	return s.ByAddress(addrs[n-1])
}

// ByAddress resolves an address already known to the registry.
func (s *Selector) ByAddress(addr string) (Connection, error) {
	cred, err := s.Registry.FindCredentialFor(addr)
	if err != nil {
		return Connection{}, err
	}
	conn := ConnectionFromCredential(cred)
	s.registerSecret(conn)
	return conn, nil
}

// Explicit takes a freshly entered credential, probes the host, and only on
// success persists the credential and syncs the registry. A failed probe
// leaves the store untouched.
func (s *Selector) Explicit(ctx context.Context, cred Credential) (Connection, error) {
	if err := validateCredentialFields(cred); err != nil {
		return Connection{}, err
	}
	conn := ConnectionFromCredential(cred)
	s.registerSecret(conn)

	s.Report.Verbosef("probing %s before saving credential %q", conn.Dest(), cred.CredName())
	if err := s.probe(ctx, conn); err != nil {
		return Connection{}, err
	}

	if err := s.Store.Add(cred); err != nil {
		return Connection{}, err
	}
	if _, err := s.Registry.Sync(); err != nil {
		return Connection{}, err
	}
	s.Report.Verbosef("saved credential %q for %s", cred.CredName(), conn.Dest())
	return conn, nil
}
