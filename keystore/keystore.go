// Package keystore implements the KeyshareStore boundary (SPEC_FULL.md
// §4.7): a narrow client interface to an external encrypted key-value
// store, keyed by a session's SEC1-compressed verifying key.
//
// Grounded on original_source's crypto/kvdb/src/encrypted_sled (an
// encrypted on-disk KV store for keyshares) and adapted to the teacher's
// nacl/secretbox idiom from crypto/encrypt.go: each record is sealed
// with a per-record random nonce under a single at-rest key.
package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrNotFound is returned when no keyshare is stored for a verifying key.
var ErrNotFound = errors.New("keystore: not found")

// Store is the narrow client interface SessionDriver and the HTTP front
// door use to persist and recover keyshares.
type Store interface {
	Get(verifyingKey []byte) ([]byte, error)
	Put(verifyingKey []byte, keyshare []byte) error
}

// Memory is an in-process, unencrypted Store for tests and local dev.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get returns the stored keyshare for verifyingKey.
func (m *Memory) Get(verifyingKey []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(verifyingKey)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put stores keyshare under verifyingKey, overwriting any prior value.
func (m *Memory) Put(verifyingKey []byte, keyshare []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(keyshare))
	copy(v, keyshare)
	m.data[string(verifyingKey)] = v
	return nil
}

// FileStore persists keyshares as individual files under a directory,
// each one nacl/secretbox-sealed under a single at-rest key so a stolen
// disk image does not expose key material.
type FileStore struct {
	dir    string
	atRest [32]byte
}

// NewFileStore opens (creating if absent) a directory-backed store
// encrypted under atRestKey.
func NewFileStore(dir string, atRestKey [32]byte) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: create store dir: %w", err)
	}
	return &FileStore{dir: dir, atRest: atRestKey}, nil
}

func (f *FileStore) path(verifyingKey []byte) string {
	return filepath.Join(f.dir, hex.EncodeToString(verifyingKey)+".keyshare")
}

// Get reads and decrypts the keyshare stored for verifyingKey.
func (f *FileStore) Get(verifyingKey []byte) ([]byte, error) {
	raw, err := os.ReadFile(f.path(verifyingKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("keystore: read keyshare: %w", err)
	}
	if len(raw) < 24 {
		return nil, fmt.Errorf("keystore: corrupt keyshare record")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &f.atRest)
	if !ok {
		return nil, fmt.Errorf("keystore: decrypt keyshare: authentication failed")
	}
	return plain, nil
}

// Put encrypts and writes keyshare under verifyingKey.
func (f *FileStore) Put(verifyingKey []byte, keyshare []byte) error {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("keystore: generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], keyshare, &nonce, &f.atRest)

	tmp := f.path(verifyingKey) + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("keystore: write keyshare: %w", err)
	}
	if err := os.Rename(tmp, f.path(verifyingKey)); err != nil {
		return fmt.Errorf("keystore: commit keyshare: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"component": "keystore",
		"key":       hex.EncodeToString(verifyingKey)[:8],
	}).Debug("keyshare persisted")

	return nil
}
