package crypto

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sync"
)

// Backend identifiers, in auto-detection priority order.
const (
	// ProviderNative is the stdlib-backed provider. It is always available
	// and probed first.
	ProviderNative = "native"
	// ProviderXDG derives keys through the xdg-go PBKDF2 implementation.
	ProviderXDG = "xdg"
)

// backend describes a registered provider: how to construct it and how to
// probe whether it is usable in the current process.
type backend struct {
	name      string
	available func() bool
	create    func() Provider
}

// backends is the fixed priority list consulted by auto-detection.
var backends = []backend{
	{name: ProviderNative, available: func() bool { return true }, create: func() Provider { return nativeProvider{} }},
	{name: ProviderXDG, available: func() bool { return true }, create: func() Provider { return xdgProvider{} }},
}

var (
	defaultMu       sync.RWMutex
	processOverride Provider

	detectOnce sync.Once
	detected   Provider
)

func init() {
	// Capability check at registration time: every backend must produce a
	// provider that passes the PBKDF2 known-answer self test.
	for _, b := range backends {
		if b.name == "" || b.create == nil || b.available == nil {
			panic(fmt.Sprintf("crypto: incomplete backend registration %q", b.name))
		}
		if err := selfCheck(b.create()); err != nil {
			panic(fmt.Sprintf("crypto: backend %q failed capability check: %v", b.name, err))
		}
	}
}

// selfCheck validates a provider against a PBKDF2-HMAC-SHA256 test vector
// (RFC 7914 appendix B). A backend that drifts from the reference output is
// rejected outright rather than producing undecryptable files later.
func selfCheck(p Provider) error {
	want := []byte{
		0x55, 0xac, 0x04, 0x6e, 0x56, 0xe3, 0x08, 0x9f,
		0xec, 0x16, 0x91, 0xc2, 0x25, 0x44, 0xb6, 0x05,
	}
	got := p.DeriveKey([]byte("passwd"), []byte("salt"), 1, 16, sha256.New)
	if !bytes.Equal(got, want) {
		return fmt.Errorf("PBKDF2 known-answer mismatch")
	}
	return nil
}

// SetDefault installs a process-wide default backend by name. It overrides
// auto-detection until ResetDefault is called.
func SetDefault(name string) error {
	p, err := lookup(name)
	if err != nil {
		return err
	}

	defaultMu.Lock()
	processOverride = p
	defaultMu.Unlock()
	return nil
}

// ResetDefault clears the process-wide override and restores auto-detection.
func ResetDefault() {
	defaultMu.Lock()
	processOverride = nil
	defaultMu.Unlock()
}

// lookup constructs the named provider, or reports it unavailable.
func lookup(name string) (Provider, error) {
	for _, b := range backends {
		if b.name != name {
			continue
		}
		if !b.available() {
			return nil, &ProviderUnavailableError{Name: name}
		}
		return b.create(), nil
	}
	return nil, &ProviderUnavailableError{Name: name}
}

// autoDetect returns the highest-priority available backend. The probing
// pass runs exactly once per process, even under concurrent first use.
func autoDetect() Provider {
	detectOnce.Do(func() {
		for _, b := range backends {
			if b.available() {
				detected = b.create()
				return
			}
		}
	})
	return detected
}

// Registry resolves the active crypto provider for one consumer. Each
// registry instance may carry its own override without affecting others;
// provider identity is stable for the lifetime of the instance unless the
// override is changed.
type Registry struct {
	mu       sync.RWMutex
	override Provider
}

// NewRegistry creates a registry with no instance override.
func NewRegistry() *Registry {
	return &Registry{}
}

// SetProvider installs an instance-level override by name.
func (r *Registry) SetProvider(name string) error {
	p, err := lookup(name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.override = p
	r.mu.Unlock()
	return nil
}

// ClearProvider removes the instance-level override.
func (r *Registry) ClearProvider() {
	r.mu.Lock()
	r.override = nil
	r.mu.Unlock()
}

// Resolve returns the provider to use for one operation. Resolution order:
// explicit name > instance override > process-wide override > auto-detected
// default. An explicit name that cannot be served fails with
// ProviderUnavailableError and is never silently substituted.
func (r *Registry) Resolve(explicit string) (Provider, error) {
	if explicit != "" {
		return lookup(explicit)
	}

	r.mu.RLock()
	override := r.override
	r.mu.RUnlock()
	if override != nil {
		return override, nil
	}

	defaultMu.RLock()
	process := processOverride
	defaultMu.RUnlock()
	if process != nil {
		return process, nil
	}

	if p := autoDetect(); p != nil {
		return p, nil
	}
	return nil, &ProviderUnavailableError{Name: "auto"}
}

// Providers lists the registered backend names in priority order.
func Providers() []string {
	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.name)
	}
	return names
}
