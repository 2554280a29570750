// Package passkey manages the per-profile password encryption key: a
// random symmetric key that never leaves its 0600 keyfile, used solely
// to seal the user's session password at rest so it need not be
// retyped on every invocation. Compromise of the sealed password file
// alone reveals nothing without the keyfile.
package passkey

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"

	"sipher/internal/domain"
	"sipher/internal/util/memzero"
)

const (
	keyFile    = "profile.key"
	sealedFile = "password.seal"
)

// Manager owns the profile key and the sealed password file.
type Manager struct {
	dir string
}

// New returns a manager rooted at dir. The directory must exist.
func New(dir string) *Manager { return &Manager{dir: dir} }

// StorePassword seals password under the profile key, creating the key
// on first use.
func (m *Manager) StorePassword(password string) error {
	key, err := m.getOrCreateKey()
	if err != nil {
		return err
	}
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	blob := aead.Seal(nonce, nonce, []byte(password), nil)
	return writeFile(filepath.Join(m.dir, sealedFile), blob, 0o600)
}

// LoadPassword opens the sealed password. Returns domain.ErrNotFound
// if no password was stored, domain.ErrWrongPassword if the blob does
// not open under the profile key.
func (m *Manager) LoadPassword() (string, error) {
	blob, err := os.ReadFile(filepath.Join(m.dir, sealedFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", err
	}

	key, err := m.getOrCreateKey()
	if err != nil {
		return "", err
	}
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	if len(blob) < aead.NonceSize() {
		return "", fmt.Errorf("%w: sealed password truncated", domain.ErrStoreCorrupt)
	}
	nonce, ct := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", domain.ErrWrongPassword
	}
	return string(pt), nil
}

// Clear removes the sealed password (logout). The profile key stays.
func (m *Manager) Clear() error {
	err := os.Remove(filepath.Join(m.dir, sealedFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// getOrCreateKey loads the profile key, generating it on first use.
// File permissions are the extraction barrier: the key is only ever
// read back into memory here.
func (m *Manager) getOrCreateKey() ([]byte, error) {
	path := filepath.Join(m.dir, keyFile)
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("%w: profile key has wrong size", domain.ErrStoreCorrupt)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := writeFile(path, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// writeFile writes bytes via a temp file, then atomically replaces the
// target.
func writeFile(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	f, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
