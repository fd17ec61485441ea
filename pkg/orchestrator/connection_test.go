package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestSelector(t *testing.T, probeErr error) (*Selector, *CredentialStore) {
	t.Helper()
	store, reg := newTestRegistry(t)
	s := NewSelector(store, reg, time.Second, NewReporter(false, false))
	s.probe = func(ctx context.Context, conn Connection) error { return probeErr }
	return s, store
}

func TestConnectionFromCredential_Snapshots(t *testing.T) {
	conn := ConnectionFromCredential(PasswordCredential{Name: "p", User: "u", Host: "h", Secret: "pw"})
	if conn.Dest() != "u@h" || conn.Auth != KindPassword || conn.CredentialName != "p" {
		t.Fatalf("bad snapshot: %#v", conn)
	}
	if conn.secretValue() != "pw" {
		t.Fatalf("secret not carried")
	}
	if strings.Contains(conn.String(), "pw") {
		t.Fatalf("String leaked secret: %s", conn.String())
	}
}

func TestSelectorByName(t *testing.T) {
	s, store := newTestSelector(t, nil)
	if err := store.Add(PasswordCredential{Name: "lab", User: "u", Host: "10.0.0.5", Secret: "pw"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	conn, err := s.ByName("lab")
	if err != nil {
		t.Fatalf("by name: %v", err)
	}
	if conn.Host != "10.0.0.5" {
		t.Fatalf("wrong connection: %#v", conn)
	}

	if _, err := s.ByName("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSelectorByOrdinal(t *testing.T) {
	s, store := newTestSelector(t, nil)
	key := writeTestKey(t)
	if err := store.Add(KeyCredential{Name: "a", User: "u", Host: "10.0.0.1", KeyPath: key}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Add(KeyCredential{Name: "b", User: "u", Host: "10.0.0.2", KeyPath: key}); err != nil {
		t.Fatalf("add: %v", err)
	}

	conn, err := s.ByOrdinal(1)
	if err != nil {
		t.Fatalf("by ordinal: %v", err)
	}
	if conn.Host != "10.0.0.1" {
		t.Fatalf("ordinal 1 should be first listed address, got %s", conn.Host)
	}

	_, err = s.ByOrdinal(5)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for out-of-range ordinal, got %v", err)
	}
}

func TestSelectorExplicit_ProbeFailureNeverPersists(t *testing.T) {
	probeErr := &ConnectivityError{Host: "10.0.0.9", Op: "probe", Err: errors.New("unreachable")}
	s, store := newTestSelector(t, probeErr)

	_, err := s.Explicit(context.Background(), PasswordCredential{Name: "bad", User: "u", Host: "10.0.0.9", Secret: "pw"})
	var cerr *ConnectivityError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected probe error, got %v", err)
	}

	if _, err := store.CredentialFor("bad"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed probe must leave store untouched, got %v", err)
	}
}

func TestSelectorExplicit_PersistsAndSyncsOnSuccess(t *testing.T) {
	s, store := newTestSelector(t, nil)

	conn, err := s.Explicit(context.Background(), PasswordCredential{Name: "good", User: "u", Host: "10.0.0.9", Secret: "pw"})
	if err != nil {
		t.Fatalf("explicit: %v", err)
	}
	if conn.Host != "10.0.0.9" {
		t.Fatalf("wrong connection: %#v", conn)
	}

	if _, err := store.CredentialFor("good"); err != nil {
		t.Fatalf("credential should be saved after probe: %v", err)
	}
	addrs, err := s.Registry.Addresses()
	if err != nil {
		t.Fatalf("addresses: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "10.0.0.9" {
		t.Fatalf("registry not synced: %#v", addrs)
	}
}

// A password credential being created does not exist in the store yet, so
// the name-based askpass lookup cannot resolve it. The pre-persist probe
// must carry the entered password itself, over the pty, and keep it out of
// the constructed command line.
func TestSelectorProbe_FeedsUnsavedPasswordOverPty(t *testing.T) {
	store, reg := newTestRegistry(t)
	s := NewSelector(store, reg, time.Second, NewReporter(false, false))

	var gotArgv []string
	var gotSecret string
	s.runPty = func(ctx context.Context, argv []string, secret string) error {
		gotArgv = append([]string(nil), argv...)
		gotSecret = secret
		return nil
	}

	conn, err := s.Explicit(context.Background(), PasswordCredential{Name: "fresh", User: "u", Host: "10.0.0.7", Secret: "hunter2"})
	if err != nil {
		t.Fatalf("explicit: %v", err)
	}
	if gotSecret != "hunter2" {
		t.Fatalf("probe must carry the entered password directly, got %q", gotSecret)
	}
	joined := strings.Join(gotArgv, " ")
	if strings.Contains(joined, "hunter2") {
		t.Fatalf("password leaked into probe command line: %v", gotArgv)
	}
	if strings.Contains(joined, "SSH_ASKPASS") {
		t.Fatalf("pre-persist probe must not rely on the saved-name askpass lookup: %v", gotArgv)
	}
	if conn.Host != "10.0.0.7" {
		t.Fatalf("wrong connection: %#v", conn)
	}
	if _, err := store.CredentialFor("fresh"); err != nil {
		t.Fatalf("credential should be saved once the probe succeeds: %v", err)
	}
}

func TestSelectorProbe_PtyFailureWrapsConnectivityError(t *testing.T) {
	store, reg := newTestRegistry(t)
	s := NewSelector(store, reg, time.Second, NewReporter(false, false))
	s.runPty = func(ctx context.Context, argv []string, secret string) error {
		return errors.New("permission denied")
	}

	_, err := s.Explicit(context.Background(), PasswordCredential{Name: "bad", User: "u", Host: "10.0.0.8", Secret: "hunter2"})
	var cerr *ConnectivityError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConnectivityError, got %v", err)
	}
	if cerr.Op != "probe" {
		t.Fatalf("expected probe op, got %q", cerr.Op)
	}
	if _, err := store.CredentialFor("bad"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed probe must leave store untouched, got %v", err)
	}
}

func TestSelectorExplicit_InvalidFieldsRejectedBeforeProbe(t *testing.T) {
	probed := false
	s, _ := newTestSelector(t, nil)
	s.probe = func(ctx context.Context, conn Connection) error {
		probed = true
		return nil
	}

	_, err := s.Explicit(context.Background(), PasswordCredential{Name: "", User: "u", Host: "h", Secret: "pw"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if probed {
		t.Fatalf("invalid credential must not be probed")
	}
}
