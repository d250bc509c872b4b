package dlcore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zalando/go-keyring"
)

const vaultService = "fluxdl-credentials"

// ConfigDirEnv overrides the ambient configuration directory used for the
// credential vault's fallback lock file and the daemon's PID file.
const ConfigDirEnv = "FLUXDL_CONFIG_DIR"

// ConfigDir resolves the ambient configuration directory: FLUXDL_CONFIG_DIR
// if set, otherwise a "fluxdl" directory under the OS user config dir. Falls
// back to the OS temp dir if neither can be created.
func ConfigDir() (string, error) {
	dir := os.Getenv(ConfigDirEnv)
	if dir == "" {
		cdr, err := os.UserConfigDir()
		if err != nil {
			dir = os.TempDir()
		} else {
			dir = filepath.Join(cdr, "fluxdl")
		}
	}
	if err := os.MkdirAll(dir, DefaultDirMode); err != nil {
		return os.TempDir(), nil
	}
	return dir, nil
}

// CredentialVault stores resource credentials keyed by a stable hash of
// the resource's clean (credential-stripped) URI. It never persists
// plaintext credentials into the SQLite store, the event bus, or logs.
//
// It prefers the OS keyring; when unavailable (headless CI, missing
// D-Bus session, etc.) it falls back to an in-process map so the engine
// keeps functioning for the lifetime of the process, matching the
// fallback posture used elsewhere for keyring-backed credential storage.
// While the fallback is active it also holds an advisory lock file under
// ConfigDir, so a second process sharing the same config dir can detect
// that credentials are only available in the first process's memory.
type CredentialVault struct {
	mu       sync.RWMutex
	fallback map[string]string
	useOS    bool
	lockFile *os.File
}

// NewCredentialVault creates a vault. probeKeyringAvailable determines at construction
// time (via a harmless keyring round-trip) whether the OS keyring is
// usable; if not, the vault transparently uses its in-memory fallback and
// takes the fallback lock file.
func NewCredentialVault() *CredentialVault {
	v := &CredentialVault{fallback: make(map[string]string)}
	v.useOS = probeKeyringAvailable()
	if !v.useOS {
		v.acquireFallbackLock()
	}
	return v
}

// acquireFallbackLock best-effort creates (or opens) a lock file marking
// that this process is relying on the in-memory fallback. Failure to
// acquire it is non-fatal: the vault still works, just without the marker.
func (v *CredentialVault) acquireFallbackLock() {
	dir, err := ConfigDir()
	if err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "vault-fallback.lock"), os.O_CREATE|os.O_WRONLY, DefaultFileMode)
	if err != nil {
		return
	}
	fmt.Fprintf(f, "pid=%d\n", os.Getpid())
	v.lockFile = f
}

// Close releases the fallback lock file, if one was acquired.
func (v *CredentialVault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lockFile == nil {
		return nil
	}
	err := v.lockFile.Close()
	v.lockFile = nil
	return err
}

func probeKeyringAvailable() bool {
	const probeKey = "__fluxdl_probe__"
	if err := keyring.Set(vaultService, probeKey, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(vaultService, probeKey)
	return true
}

func vaultKey(resourceURI string) string {
	sum := sha256.Sum256([]byte(resourceURI))
	return hex.EncodeToString(sum[:])
}

// Store saves a credential for the given clean resource URI.
func (v *CredentialVault) Store(resourceURI, secret string) error {
	key := vaultKey(resourceURI)
	if v.useOS {
		if err := keyring.Set(vaultService, key, secret); err == nil {
			return nil
		}
		// fall through to in-memory on unexpected OS keyring failure
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fallback[key] = secret
	return nil
}

// Lookup returns the stored credential for resourceURI, if any.
func (v *CredentialVault) Lookup(resourceURI string) (string, bool) {
	key := vaultKey(resourceURI)
	if v.useOS {
		if secret, err := keyring.Get(vaultService, key); err == nil {
			return secret, true
		}
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	secret, ok := v.fallback[key]
	return secret, ok
}

// Delete removes any stored credential for resourceURI.
func (v *CredentialVault) Delete(resourceURI string) {
	key := vaultKey(resourceURI)
	if v.useOS {
		_ = keyring.Delete(vaultService, key)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.fallback, key)
}
