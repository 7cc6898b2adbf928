// Package keystore manages the named libp2p identities a node publishes
// name records under. Generated keys are Ed25519; imported keys may be any
// libp2p key type. Each key lives in its own 0600 file, optionally sealed
// at rest with a passphrase.
package keystore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("namesys-keys")

// Errors
var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrInvalidKeyName   = errors.New("invalid key name")
	ErrKeyAlreadyExists = errors.New("key already exists")
)

// DefaultKeyName is the node's own identity.
const DefaultKeyName = "self"

const keyFileExt = ".key"

// Identity pairs a named private key with its derived peer ID.
type Identity struct {
	Name    string
	PrivKey crypto.PrivKey
	PeerID  peer.ID
}

// Manager loads, generates, and signs with named identities.
type Manager struct {
	dir      string
	password string

	mu   sync.RWMutex
	keys map[string]*Identity
}

// Open loads every key under dir, creating the directory when absent.
// A non-empty password means key files are sealed at rest.
func Open(dir, password string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}

	m := &Manager{
		dir:      dir,
		password: password,
		keys:     make(map[string]*Identity),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), keyFileExt) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), keyFileExt)
		ident, err := m.loadKey(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load key %q: %w", name, err)
		}
		m.keys[name] = ident
	}

	log.Infof("Keystore opened with %d key(s)", len(m.keys))
	return m, nil
}

// Generate creates and stores a new Ed25519 identity under name.
func (m *Manager) Generate(name string) (*Identity, error) {
	if err := validateKeyName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyAlreadyExists, name)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	ident, err := m.saveKey(name, priv)
	if err != nil {
		return nil, err
	}
	m.keys[name] = ident

	log.Infof("Generated key %q (peer %s)", name, ident.PeerID)
	return ident, nil
}

// Import stores an existing private key under name.
func (m *Manager) Import(name string, priv crypto.PrivKey) (*Identity, error) {
	if err := validateKeyName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyAlreadyExists, name)
	}

	ident, err := m.saveKey(name, priv)
	if err != nil {
		return nil, err
	}
	m.keys[name] = ident

	log.Infof("Imported key %q (peer %s)", name, ident.PeerID)
	return ident, nil
}

// Ensure returns the identity named name, generating it when absent.
func (m *Manager) Ensure(name string) (*Identity, error) {
	ident, err := m.Identity(name)
	if err == nil {
		return ident, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}
	return m.Generate(name)
}

// Identity returns the named identity.
func (m *Manager) Identity(name string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ident, ok := m.keys[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	return ident, nil
}

// Key returns the private key stored under name.
func (m *Manager) Key(name string) (crypto.PrivKey, error) {
	ident, err := m.Identity(name)
	if err != nil {
		return nil, err
	}
	return ident.PrivKey, nil
}

// PeerID returns the peer ID of the named identity.
func (m *Manager) PeerID(name string) (peer.ID, error) {
	ident, err := m.Identity(name)
	if err != nil {
		return "", err
	}
	return ident.PeerID, nil
}

// Has reports whether any stored identity owns pid. The resolver uses
// this for the self-resolution bypass.
func (m *Manager) Has(pid peer.ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ident := range m.keys {
		if ident.PeerID == pid {
			return true
		}
	}
	return false
}

// List returns all key names, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.keys))
	for name := range m.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Identities returns every stored identity. The rebroadcast loop uses
// this to republish all self-owned records.
func (m *Manager) Identities() []*Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idents := make([]*Identity, 0, len(m.keys))
	for _, ident := range m.keys {
		idents = append(idents, ident)
	}
	sort.Slice(idents, func(i, j int) bool { return idents[i].Name < idents[j].Name })
	return idents
}

// Sign signs data with the named key.
func (m *Manager) Sign(name string, data []byte) ([]byte, error) {
	ident, err := m.Identity(name)
	if err != nil {
		return nil, err
	}
	sig, err := ident.PrivKey.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("failed to sign with key %q: %w", name, err)
	}
	return sig, nil
}

// Delete removes the named key from memory and disk.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[name]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	if err := os.Remove(m.keyPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	delete(m.keys, name)
	log.Warnf("Deleted key %q", name)
	return nil
}

func (m *Manager) keyPath(name string) string {
	return filepath.Join(m.dir, name+keyFileExt)
}

func (m *Manager) loadKey(name string) (*Identity, error) {
	data, err := os.ReadFile(m.keyPath(name))
	if err != nil {
		return nil, err
	}
	if m.password != "" {
		data, err = unseal(data, m.password)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal key (wrong passphrase?): %w", err)
		}
	}
	priv, err := crypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal private key: %w", err)
	}
	return identityOf(name, priv)
}

func (m *Manager) saveKey(name string, priv crypto.PrivKey) (*Identity, error) {
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if m.password != "" {
		data, err = seal(data, m.password)
		if err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(m.keyPath(name), data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return identityOf(name, priv)
}

func identityOf(name string, priv crypto.PrivKey) (*Identity, error) {
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer ID: %w", err)
	}
	return &Identity{Name: name, PrivKey: priv, PeerID: pid}, nil
}

func validateKeyName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidKeyName, name)
	}
	return nil
}
