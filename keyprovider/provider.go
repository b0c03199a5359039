// Package keyprovider defines the KeyProvider capability interface (spec
// §4's "KeyProvider (interface)") and two implementations: an in-memory
// store and a file-backed store for local development.
package keyprovider

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrNotFound = errors.New("keyprovider: key not found")
)

// Keys is one session's master key material (spec §3 Session: "shared
// master secret (opaque bytes), master salt").
type Keys struct {
	MasterKey  []byte `json:"master_key"`
	MasterSalt []byte `json:"master_salt"`
	Version    int    `json:"version"`
}

// KeyProvider supplies and rotates master keys for sessions. Implementations
// must be safe for concurrent use: spec §5 describes it as "shared
// read-mostly; updates serialize through a write lock with per-key
// versioning".
type KeyProvider interface {
	Get(sessionID string) (Keys, error)
	Put(sessionID string, keys Keys) error
	Rotate(sessionID string) (Keys, error)
	Delete(sessionID string) error
}

// Memory is an in-memory KeyProvider. Zero value is ready to use.
type Memory struct {
	mu   sync.RWMutex
	data map[string]Keys
}

// NewMemory constructs an empty in-memory KeyProvider.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]Keys)}
}

func (m *Memory) Get(sessionID string) (Keys, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.data[sessionID]
	if !ok {
		return Keys{}, ErrNotFound
	}
	return k, nil
}

func (m *Memory) Put(sessionID string, keys Keys) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]Keys)
	}
	m.data[sessionID] = keys
	return nil
}

func (m *Memory) Rotate(sessionID string) (Keys, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[sessionID]
	if !ok {
		return Keys{}, ErrNotFound
	}
	next, err := freshKeys(len(cur.MasterKey), len(cur.MasterSalt))
	if err != nil {
		return Keys{}, err
	}
	next.Version = cur.Version + 1
	m.data[sessionID] = next
	return next, nil
}

func (m *Memory) Delete(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, sessionID)
	return nil
}

func freshKeys(keyLen, saltLen int) (Keys, error) {
	key := make([]byte, keyLen)
	salt := make([]byte, saltLen)
	if _, err := rand.Read(key); err != nil {
		return Keys{}, fmt.Errorf("keyprovider: rotate key: %w", err)
	}
	if _, err := rand.Read(salt); err != nil {
		return Keys{}, fmt.Errorf("keyprovider: rotate salt: %w", err)
	}
	return Keys{MasterKey: key, MasterSalt: salt}, nil
}

// File is a KeyProvider backed by a single JSON file on disk, guarded by an
// in-process lock. Intended for local development/testing, not a
// production secrets store (spec §3: "Key material may be cached in
// memory by KeyProvider's implementation").
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile constructs a File-backed KeyProvider rooted at path. The file is
// created on first Put if it does not already exist.
func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) load() (map[string]Keys, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Keys{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyprovider: read %s: %w", f.path, err)
	}
	var out map[string]Keys
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("keyprovider: decode %s: %w", f.path, err)
	}
	return out, nil
}

func (f *File) save(data map[string]Keys) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("keyprovider: encode: %w", err)
	}
	if err := os.WriteFile(f.path, b, 0600); err != nil {
		return fmt.Errorf("keyprovider: write %s: %w", f.path, err)
	}
	return nil
}

func (f *File) Get(sessionID string) (Keys, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := f.load()
	if err != nil {
		return Keys{}, err
	}
	k, ok := data[sessionID]
	if !ok {
		return Keys{}, ErrNotFound
	}
	return k, nil
}

func (f *File) Put(sessionID string, keys Keys) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := f.load()
	if err != nil {
		return err
	}
	data[sessionID] = keys
	return f.save(data)
}

func (f *File) Rotate(sessionID string) (Keys, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := f.load()
	if err != nil {
		return Keys{}, err
	}
	cur, ok := data[sessionID]
	if !ok {
		return Keys{}, ErrNotFound
	}
	next, err := freshKeys(len(cur.MasterKey), len(cur.MasterSalt))
	if err != nil {
		return Keys{}, err
	}
	next.Version = cur.Version + 1
	data[sessionID] = next
	if err := f.save(data); err != nil {
		return Keys{}, err
	}
	return next, nil
}

func (f *File) Delete(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := f.load()
	if err != nil {
		return err
	}
	delete(data, sessionID)
	return f.save(data)
}
