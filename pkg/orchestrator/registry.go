package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tunnelserve/pkg/hostlist"
)

// HostRegistry is a derived, deduplicated index of addresses that have at
// least one valid credential. It never writes credentials; it only projects
// the credential store into the plain-text listing file and answers lookups.
type HostRegistry struct {
	Store *CredentialStore

	// Path is the listing file location. Defaults to <store dir>/hosts.txt.
	Path string
}

const hostsFilename = "hosts.txt"

// NewHostRegistry builds a registry over store.
func NewHostRegistry(store *CredentialStore) *HostRegistry {
	return &HostRegistry{
		Store: store,
		Path:  filepath.Join(store.Dir, hostsFilename),
	}
}

// current parses the on-disk listing, returning an empty listing if absent.
func (r *HostRegistry) current() (hostlist.Listing, error) {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return hostlist.Listing{}, nil
		}
		return hostlist.Listing{}, fmt.Errorf("read %s: %w", r.Path, err)
	}
	return hostlist.Parse(data)
}

// project partitions the currently-backed addresses: key-backed addresses in
// the key section, password-only addresses in the password section. An
// address with both kinds lands under key, matching the FindCredentialFor
// tie-break.
func (r *HostRegistry) project() (key, password []string, err error) {
	keys, err := r.Store.LoadKeys()
	if err != nil {
		return nil, nil, err
	}
	pws, err := r.Store.LoadPasswords()
	if err != nil {
		return nil, nil, err
	}

	keyAddrs := map[string]struct{}{}
	for _, e := range keys.SavedKeys {
		if a := strings.TrimSpace(e.Host); a != "" {
			keyAddrs[a] = struct{}{}
		}
	}
	for a := range keyAddrs {
		key = append(key, a)
	}
	for _, e := range pws.SavedPasswords {
		a := strings.TrimSpace(e.Host)
		if a == "" {
			continue
		}
		if _, ok := keyAddrs[a]; ok {
			continue
		}
		password = append(password, a)
	}
	return key, password, nil
}

// Sync rebuilds the listing from the credential store and rewrites the file
// wholesale. Addresses that were present before but are no longer backed by
// any credential are retained in the manual section; Sync never drops them —
// that is Clean's job.
func (r *HostRegistry) Sync() (hostlist.Listing, error) {
	key, password, err := r.project()
	if err != nil {
		return hostlist.Listing{}, err
	}

	prev, err := r.current()
	if err != nil {
		return hostlist.Listing{}, err
	}

	backed := map[string]struct{}{}
	for _, a := range key {
		backed[a] = struct{}{}
	}
	for _, a := range password {
		backed[a] = struct{}{}
	}

	var manual []string
	for _, a := range prev.All() {
		if _, ok := backed[a]; !ok {
			manual = append(manual, a)
		}
	}

	l := hostlist.Listing{Key: key, Password: password, Manual: manual}
	if err := r.write(l); err != nil {
		return hostlist.Listing{}, err
	}
	return l, nil
}

// Clean rebuilds the listing like Sync but drops every address with no
// backing credential, returning how many were removed.
func (r *HostRegistry) Clean() (int, error) {
	key, password, err := r.project()
	if err != nil {
		return 0, err
	}

	prev, err := r.current()
	if err != nil {
		return 0, err
	}

	backed := map[string]struct{}{}
	for _, a := range key {
		backed[a] = struct{}{}
	}
	for _, a := range password {
		backed[a] = struct{}{}
	}
	removed := 0
	for _, a := range prev.All() {
		if _, ok := backed[a]; !ok {
			removed++
		}
	}

	l := hostlist.Listing{Key: key, Password: password}
	if err := r.write(l); err != nil {
		return 0, err
	}
	return removed, nil
}

func (r *HostRegistry) write(l hostlist.Listing) error {
	dir := filepath.Dir(r.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &PersistenceError{Path: dir, Err: err}
	}
	tmp := r.Path + fmt.Sprintf(".tmp-%d-%d", os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmp, hostlist.Render(l), 0o600); err != nil {
		return &PersistenceError{Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, r.Path); err != nil {
		_ = os.Remove(tmp)
		return &PersistenceError{Path: r.Path, Err: err}
	}
	return nil
}

// Addresses returns every address currently in the listing (all sections),
// syncing first so the answer reflects the credential store.
func (r *HostRegistry) Addresses() ([]string, error) {
	l, err := r.Sync()
	if err != nil {
		return nil, err
	}
	return l.All(), nil
}

// FindCredentialFor returns a credential for addr: the first matching key
// credential wins, else the first matching password credential, else
// ErrNotFound. "First" is by credential name order, which keeps the
// tie-break deterministic across runs.
func (r *HostRegistry) FindCredentialFor(addr string) (Credential, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, &ValidationError{Field: "address", Reason: "is required"}
	}

	keys, err := r.Store.LoadKeys()
	if err != nil {
		return nil, err
	}
	if name := firstNameForHost(keyNamesByHost(keys), addr); name != "" {
		e := keys.SavedKeys[name]
		return KeyCredential{Name: name, User: e.User, Host: e.Host, KeyPath: e.Key}, nil
	}

	pws, err := r.Store.LoadPasswords()
	if err != nil {
		return nil, err
	}
	if name := firstNameForHost(passwordNamesByHost(pws), addr); name != "" {
		e := pws.SavedPasswords[name]
		return PasswordCredential{Name: name, User: e.User, Host: e.Host, Secret: e.Password}, nil
	}

	return nil, fmt.Errorf("no credential for %s: %w", addr, ErrNotFound)
}

func keyNamesByHost(doc *KeyDocument) map[string][]string {
	m := map[string][]string{}
	for name, e := range doc.SavedKeys {
		m[strings.TrimSpace(e.Host)] = append(m[strings.TrimSpace(e.Host)], name)
	}
	return m
}

func passwordNamesByHost(doc *PasswordDocument) map[string][]string {
	m := map[string][]string{}
	for name, e := range doc.SavedPasswords {
		m[strings.TrimSpace(e.Host)] = append(m[strings.TrimSpace(e.Host)], name)
	}
	return m
}

func firstNameForHost(byHost map[string][]string, addr string) string {
	names := byHost[addr]
	if len(names) == 0 {
		return ""
	}
	first := names[0]
	for _, n := range names[1:] {
		if n < first {
			first = n
		}
	}
	return first
}
