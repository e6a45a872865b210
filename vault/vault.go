// Package vault resolves named credential references into short-lived values.
//
// Credentials live in a YAML file outside the repository (default
// ~/.conveyor/credentials.yaml) and can be overridden per reference with a
// CONVEYOR_CRED_<REF> environment variable. Resolved values are scoped to the
// invocation that requested them and must be scrubbed by the caller.
package vault

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound indicates the credential reference is unknown.
	ErrNotFound = errors.New("credential not found")
	// ErrAccessDenied indicates the reference exists but is not in the
	// pipeline's allowed scope.
	ErrAccessDenied = errors.New("credential access denied")
)

// Kind classifies a credential entry.
type Kind string

const (
	KindUserPass Kind = "userpass"
	KindToken    Kind = "token"
	KindFile     Kind = "file"
)

// Credential holds a resolved credential value. Values are byte slices so
// Scrub can zero them in place.
type Credential struct {
	Ref      string
	Kind     Kind
	Username []byte
	Secret   []byte // password, token, or file path depending on Kind
}

// Scrub zeroes the credential values. Safe to call more than once.
func (c *Credential) Scrub() {
	for i := range c.Username {
		c.Username[i] = 0
	}
	for i := range c.Secret {
		c.Secret[i] = 0
	}
	c.Username = nil
	c.Secret = nil
}

// String redacts the credential so accidental formatting never leaks it.
func (c *Credential) String() string {
	return fmt.Sprintf("credential[%s]", c.Ref)
}

// Resolver resolves credential references.
type Resolver interface {
	Resolve(ref string) (*Credential, error)
}

type entry struct {
	Kind     string `yaml:"kind"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Token    string `yaml:"token,omitempty"`
	Path     string `yaml:"path,omitempty"`
}

// Vault is a file-backed Resolver with an optional per-pipeline scope.
type Vault struct {
	entries map[string]entry
	scope   map[string]bool // nil means every reference is in scope
}

// Load reads a credentials file. A missing file yields an empty vault so
// env-only setups work without touching disk.
func Load(path string) (*Vault, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Vault{entries: map[string]entry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials file %s: %w", path, err)
	}

	var raw map[string]entry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing credentials file %s: %w", path, err)
	}
	if raw == nil {
		raw = map[string]entry{}
	}
	return &Vault{entries: raw}, nil
}

// Restrict limits the vault to the given references. Resolving anything
// outside the list fails with ErrAccessDenied.
func (v *Vault) Restrict(refs []string) {
	v.scope = make(map[string]bool, len(refs))
	for _, r := range refs {
		v.scope[r] = true
	}
}

// Resolve looks up a reference, consulting the CONVEYOR_CRED_<REF> env
// override first. The caller owns the returned Credential and must Scrub it.
func (v *Vault) Resolve(ref string) (*Credential, error) {
	if v.scope != nil && !v.scope[ref] {
		return nil, fmt.Errorf("resolving %s: %w", ref, ErrAccessDenied)
	}

	if val := os.Getenv(envOverride(ref)); val != "" {
		return credFromOverride(ref, val), nil
	}

	e, ok := v.entries[ref]
	if !ok {
		return nil, fmt.Errorf("resolving %s: %w", ref, ErrNotFound)
	}

	switch Kind(e.Kind) {
	case KindUserPass:
		return &Credential{
			Ref:      ref,
			Kind:     KindUserPass,
			Username: []byte(e.Username),
			Secret:   []byte(e.Password),
		}, nil
	case KindToken:
		return &Credential{Ref: ref, Kind: KindToken, Secret: []byte(e.Token)}, nil
	case KindFile:
		if _, err := os.Stat(e.Path); err != nil {
			return nil, fmt.Errorf("resolving %s: credential file: %w", ref, ErrNotFound)
		}
		return &Credential{Ref: ref, Kind: KindFile, Secret: []byte(e.Path)}, nil
	default:
		return nil, fmt.Errorf("resolving %s: unknown kind %q: %w", ref, e.Kind, ErrNotFound)
	}
}

// credFromOverride parses an env override. "user:pass" yields a userpass
// credential, anything else a bare token.
func credFromOverride(ref, val string) *Credential {
	if user, pass, ok := strings.Cut(val, ":"); ok && user != "" {
		return &Credential{
			Ref:      ref,
			Kind:     KindUserPass,
			Username: []byte(user),
			Secret:   []byte(pass),
		}
	}
	return &Credential{Ref: ref, Kind: KindToken, Secret: []byte(val)}
}

func envOverride(ref string) string {
	up := strings.ToUpper(ref)
	up = strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(up)
	return "CONVEYOR_CRED_" + up
}
