package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Credential persistence.
//
// Two JSON documents live under the (owner-only) config directory:
//
//	keys.json      {"default_key": ..., "default_user": ..., "default_host": ..., "saved_keys": {name: {key,user,host}}}
//	passwords.json {"default_user": ..., "default_host": ..., "saved_passwords": {name: {user,host,password}}}
//
// Both are written 0600 via tmp+rename so a failed save never corrupts the
// existing file. Credential names are unique across BOTH documents to keep
// lookups unambiguous.

const (
	keysFilename      = "keys.json"
	passwordsFilename = "passwords.json"
)

// CredentialKind distinguishes the two credential collections.
type CredentialKind string

const (
	KindKey      CredentialKind = "key"
	KindPassword CredentialKind = "password"
)

// Credential is the common view over both stored credential variants.
type Credential interface {
	CredName() string
	CredUser() string
	CredHost() string
	Kind() CredentialKind
}

// KeyCredential authenticates with a private key file.
type KeyCredential struct {
	Name    string
	User    string
	Host    string
	KeyPath string
}

func (c KeyCredential) CredName() string     { return c.Name }
func (c KeyCredential) CredUser() string     { return c.User }
func (c KeyCredential) CredHost() string     { return c.Host }
func (c KeyCredential) Kind() CredentialKind { return KindKey }

// PasswordCredential authenticates with a stored secret.
type PasswordCredential struct {
	Name   string
	User   string
	Host   string
	Secret string
}

func (c PasswordCredential) CredName() string     { return c.Name }
func (c PasswordCredential) CredUser() string     { return c.User }
func (c PasswordCredential) CredHost() string     { return c.Host }
func (c PasswordCredential) Kind() CredentialKind { return KindPassword }

// KeyEntry is the on-disk shape of one saved key credential.
type KeyEntry struct {
	Key  string `json:"key"`
	User string `json:"user"`
	Host string `json:"host"`
}

// KeyDocument is the on-disk shape of keys.json.
type KeyDocument struct {
	DefaultKey  string              `json:"default_key"`
	DefaultUser string              `json:"default_user"`
	DefaultHost string              `json:"default_host"`
	SavedKeys   map[string]KeyEntry `json:"saved_keys"`
}

// PasswordEntry is the on-disk shape of one saved password credential.
type PasswordEntry struct {
	User     string `json:"user"`
	Host     string `json:"host"`
	Password string `json:"password"`
}

// PasswordDocument is the on-disk shape of passwords.json.
type PasswordDocument struct {
	DefaultUser    string                   `json:"default_user"`
	DefaultHost    string                   `json:"default_host"`
	SavedPasswords map[string]PasswordEntry `json:"saved_passwords"`
}

// CredentialStore owns the two credential documents. It is the only writer;
// the host registry and selector only read through it.
type CredentialStore struct {
	// Dir is the backing config directory (created 0700 on first use).
	Dir string
}

// NewCredentialStore opens (creating if needed) the store at dir. If dir is
// empty the default config dir is used.
func NewCredentialStore(dir string) (*CredentialStore, error) {
	if strings.TrimSpace(dir) == "" {
		var err error
		dir, err = DefaultConfigDir()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &PersistenceError{Path: dir, Err: err}
	}
	return &CredentialStore{Dir: dir}, nil
}

func (s *CredentialStore) keysPath() string      { return filepath.Join(s.Dir, keysFilename) }
func (s *CredentialStore) passwordsPath() string { return filepath.Join(s.Dir, passwordsFilename) }

// LoadKeys reads keys.json. A missing file yields an empty document, never
// an error.
func (s *CredentialStore) LoadKeys() (*KeyDocument, error) {
	doc := &KeyDocument{SavedKeys: map[string]KeyEntry{}}
	data, err := os.ReadFile(s.keysPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.keysPath(), err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.keysPath(), err)
	}
	if doc.SavedKeys == nil {
		doc.SavedKeys = map[string]KeyEntry{}
	}
	return doc, nil
}

// LoadPasswords reads passwords.json. A missing file yields an empty
// document, never an error.
func (s *CredentialStore) LoadPasswords() (*PasswordDocument, error) {
	doc := &PasswordDocument{SavedPasswords: map[string]PasswordEntry{}}
	data, err := os.ReadFile(s.passwordsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.passwordsPath(), err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.passwordsPath(), err)
	}
	if doc.SavedPasswords == nil {
		doc.SavedPasswords = map[string]PasswordEntry{}
	}
	return doc, nil
}

// SaveKeys writes keys.json atomically with owner-only permissions.
// Structural validation happens before anything touches disk: a document
// missing its saved_keys collection is rejected and the existing file is
// left as-is.
func (s *CredentialStore) SaveKeys(doc *KeyDocument) error {
	if doc == nil || doc.SavedKeys == nil {
		return &PersistenceError{
			Path: s.keysPath(),
			Err:  errors.New("document missing saved_keys collection"),
		}
	}
	return s.writeDocument(s.keysPath(), doc)
}

// SavePasswords writes passwords.json atomically with owner-only permissions,
// validating structure first.
func (s *CredentialStore) SavePasswords(doc *PasswordDocument) error {
	if doc == nil || doc.SavedPasswords == nil {
		return &PersistenceError{
			Path: s.passwordsPath(),
			Err:  errors.New("document missing saved_passwords collection"),
		}
	}
	return s.writeDocument(s.passwordsPath(), doc)
}

func (s *CredentialStore) writeDocument(path string, doc any) error {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return &PersistenceError{Path: s.Dir, Err: err}
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &PersistenceError{Path: path, Err: err}
	}
	payload = append(payload, '\n')

	tmp := path + fmt.Sprintf(".tmp-%d-%d", os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return &PersistenceError{Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return &PersistenceError{Path: path, Err: err}
	}
	return nil
}

// NameExists reports whether name is taken in either collection.
func (s *CredentialStore) NameExists(name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, nil
	}
	keys, err := s.LoadKeys()
	if err != nil {
		return false, err
	}
	if _, ok := keys.SavedKeys[name]; ok {
		return true, nil
	}
	pws, err := s.LoadPasswords()
	if err != nil {
		return false, err
	}
	_, ok := pws.SavedPasswords[name]
	return ok, nil
}

// Add validates cred and persists it into its collection. The caller is
// responsible for having run the live connectivity probe first; Add only
// performs structural/local validation (non-empty fields, key file
// permissions) and the cross-collection duplicate-name check.
func (s *CredentialStore) Add(cred Credential) error {
	if err := validateCredentialFields(cred); err != nil {
		return err
	}
	dup, err := s.NameExists(cred.CredName())
	if err != nil {
		return err
	}
	if dup {
		return fmt.Errorf("%q: %w", cred.CredName(), ErrDuplicateName)
	}

	switch c := cred.(type) {
	case KeyCredential:
		doc, err := s.LoadKeys()
		if err != nil {
			return err
		}
		doc.SavedKeys[c.Name] = KeyEntry{Key: c.KeyPath, User: c.User, Host: c.Host}
		if doc.DefaultKey == "" {
			doc.DefaultKey = c.KeyPath
			doc.DefaultUser = c.User
			doc.DefaultHost = c.Host
		}
		return s.SaveKeys(doc)
	case PasswordCredential:
		doc, err := s.LoadPasswords()
		if err != nil {
			return err
		}
		doc.SavedPasswords[c.Name] = PasswordEntry{User: c.User, Host: c.Host, Password: c.Secret}
		if doc.DefaultUser == "" {
			doc.DefaultUser = c.User
			doc.DefaultHost = c.Host
		}
		return s.SavePasswords(doc)
	default:
		return fmt.Errorf("unknown credential kind %q", cred.Kind())
	}
}

// Remove deletes the named credential from the given collection.
func (s *CredentialStore) Remove(kind CredentialKind, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	switch kind {
	case KindKey:
		doc, err := s.LoadKeys()
		if err != nil {
			return err
		}
		if _, ok := doc.SavedKeys[name]; !ok {
			return fmt.Errorf("key credential %q: %w", name, ErrNotFound)
		}
		delete(doc.SavedKeys, name)
		return s.SaveKeys(doc)
	case KindPassword:
		doc, err := s.LoadPasswords()
		if err != nil {
			return err
		}
		if _, ok := doc.SavedPasswords[name]; !ok {
			return fmt.Errorf("password credential %q: %w", name, ErrNotFound)
		}
		delete(doc.SavedPasswords, name)
		return s.SavePasswords(doc)
	default:
		return fmt.Errorf("unknown credential kind %q", kind)
	}
}

// validateCredentialFields checks the invariants every stored credential
// must satisfy: non-empty name/user/host, and for key credentials an
// existing, owner-only-readable key file.
func validateCredentialFields(cred Credential) error {
	if strings.TrimSpace(cred.CredName()) == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if strings.TrimSpace(cred.CredUser()) == "" {
		return &ValidationError{Field: "user", Reason: "is required"}
	}
	if strings.TrimSpace(cred.CredHost()) == "" {
		return &ValidationError{Field: "host", Reason: "is required"}
	}
	switch c := cred.(type) {
	case KeyCredential:
		return validateKeyPath(c.KeyPath)
	case PasswordCredential:
		if c.Secret == "" {
			return &ValidationError{Field: "password", Reason: "is required"}
		}
	}
	return nil
}

// validateKeyPath verifies the private key exists, is a regular file, and is
// not readable by group/other (ssh itself refuses loose key permissions).
func validateKeyPath(path string) error {
	p := expandPath(strings.TrimSpace(path))
	if p == "" {
		return &ValidationError{Field: "key", Reason: "is required"}
	}
	st, err := os.Stat(p)
	if err != nil {
		return &ValidationError{Field: "key", Reason: fmt.Sprintf("cannot stat %s: %v", p, err)}
	}
	if st.IsDir() {
		return &ValidationError{Field: "key", Reason: p + " is a directory"}
	}
	if st.Mode().Perm()&0o077 != 0 {
		return &ValidationError{
			Field:  "key",
			Reason: fmt.Sprintf("%s is readable by group/other (mode %04o); chmod 600 it", p, st.Mode().Perm()),
		}
	}
	return nil
}

// CredentialFor assembles the full Credential for a saved name, looking in
// the key collection first, then the password collection.
func (s *CredentialStore) CredentialFor(name string) (Credential, error) {
	name = strings.TrimSpace(name)
	keys, err := s.LoadKeys()
	if err != nil {
		return nil, err
	}
	if e, ok := keys.SavedKeys[name]; ok {
		return KeyCredential{Name: name, User: e.User, Host: e.Host, KeyPath: e.Key}, nil
	}
	pws, err := s.LoadPasswords()
	if err != nil {
		return nil, err
	}
	if e, ok := pws.SavedPasswords[name]; ok {
		return PasswordCredential{Name: name, User: e.User, Host: e.Host, Secret: e.Password}, nil
	}
	return nil, fmt.Errorf("credential %q: %w", name, ErrNotFound)
}
