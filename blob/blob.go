// Package blob abstracts object storage for uploaded documents. Three
// backends: S3 for deployments, the filesystem for local runs, and an
// in-memory store for tests.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	harvest "github.com/fieldlabs/harvest"
)

// Store fetches and writes raw document bytes.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte, mediaType string) error
}

// New selects a backend from configuration.
func New(ctx context.Context, cfg harvest.BlobConfig) (Store, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3(ctx, cfg.Region)
	case "fs", "":
		root := cfg.RootDir
		if root == "" {
			root = "."
		}
		return NewFS(root), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: unknown blob backend %q", harvest.ErrInvalidInput, cfg.Backend)
	}
}

// FS stores blobs as files under root/bucket/key.
type FS struct {
	root string
}

// NewFS builds a filesystem store rooted at root.
func NewFS(root string) *FS {
	return &FS{root: root}
}

func (f *FS) path(bucket, key string) (string, error) {
	p := filepath.Join(f.root, bucket, filepath.FromSlash(key))
	// Reject keys escaping the root.
	if !strings.HasPrefix(filepath.Clean(p), filepath.Clean(f.root)+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: blob key escapes storage root", harvest.ErrInvalidInput)
	}
	return p, nil
}

// Get reads a blob.
func (f *FS) Get(_ context.Context, bucket, key string) ([]byte, error) {
	p, err := f.path(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: blob %s/%s", harvest.ErrNotFound, bucket, key)
	}
	return data, err
}

// Put writes a blob, creating parent directories.
func (f *FS) Put(_ context.Context, bucket, key string, data []byte, _ string) error {
	p, err := f.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0644)
}

// Memory is an in-memory store for tests.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Get reads a blob.
func (m *Memory) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s/%s", harvest.ErrNotFound, bucket, key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Put writes a blob.
func (m *Memory) Put(_ context.Context, bucket, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	m.blobs[bucket+"/"+key] = stored
	return nil
}
