package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
)

// MemoryBlobs keeps documents in process memory; tests and the in-memory
// deployment mode use it.
type MemoryBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{data: make(map[string][]byte)}
}

func (m *MemoryBlobs) Put(_ context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

// Get returns the stored bytes, or nil when absent.
func (m *MemoryBlobs) Get(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key]
}

// DirBlobs stores documents as files under a root directory, keyed by
// content hash so identical uploads share one file.
type DirBlobs struct {
	root string
}

func NewDirBlobs(root string) (*DirBlobs, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DirBlobs{root: root}, nil
}

func (d *DirBlobs) Put(_ context.Context, key string, data []byte) (string, error) {
	path := filepath.Join(d.root, key)
	if _, err := os.Stat(path); err == nil {
		return "file://" + path, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return "file://" + path, nil
}
