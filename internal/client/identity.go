package client

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// IdentityStore persists the player token across process restarts so a
// reconnecting client resumes its existing roster identity.
type IdentityStore interface {
	Load() (string, bool)
	Save(token string) error
}

// FileIdentity keeps the token in a single file.
type FileIdentity struct {
	path string
}

func NewFileIdentity(path string) *FileIdentity {
	return &FileIdentity{path: path}
}

func (f *FileIdentity) Load() (string, bool) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", false
	}
	token := strings.TrimSpace(string(data))
	return token, token != ""
}

func (f *FileIdentity) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(f.path, []byte(token+"\n"), 0o600)
}

// MemoryIdentity holds the token in memory only. Useful in tests and for
// deliberately ephemeral sessions.
type MemoryIdentity struct {
	mu    sync.Mutex
	token string
}

func (m *MemoryIdentity) Load() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.token != ""
}

func (m *MemoryIdentity) Save(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}
