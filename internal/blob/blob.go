// Package blob defines the storage interface shelf_scan uses for uploaded
// shelf photos. Blob storage is out of scope per §1; Store is the
// collaborator contract and LocalStore is a minimal reference
// implementation suitable for tests and single-node deployments.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Store persists and retrieves opaque photo blobs keyed by a server-minted
// object key.
type Store interface {
	Put(ctx context.Context, data []byte) (key string, err error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// LocalStore is a local-disk Store, for simple filesystem-backed
// persistence where no cloud SDK is wired.
type LocalStore struct {
	dir string
	mu  sync.Mutex
}

// NewLocalStore constructs a LocalStore rooted at dir, creating it if
// necessary.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: creating store dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) Put(ctx context.Context, data []byte) (string, error) {
	key := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(filepath.Join(s.dir, key), data, 0o644); err != nil {
		return "", fmt.Errorf("blob: writing object %s: %w", key, err)
	}
	return key, nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, key))
	if err != nil {
		return nil, fmt.Errorf("blob: reading object %s: %w", key, err)
	}
	return data, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(filepath.Join(s.dir, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: deleting object %s: %w", key, err)
	}
	return nil
}

// MemStore is an in-memory Store for unit tests that should not touch disk.
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemStore constructs an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (s *MemStore) Put(ctx context.Context, data []byte) (string, error) {
	key := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	return key, nil
}

func (s *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("blob: object %s not found", key)
	}
	return data, nil
}

func (s *MemStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}
