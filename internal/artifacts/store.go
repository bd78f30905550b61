// Package artifacts stores build outputs as opaque blobs keyed by path.
package artifacts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dshills/codemechanic/internal/domain"
)

// Store persists artifact blobs. Get and Delete return domain.ErrNotFound
// for unknown keys.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Presigner is implemented by stores that can hand out time-limited
// download URLs, so clients fetch the blob without going through the API.
// A non-empty filename is sent back as the attachment name.
type Presigner interface {
	URL(ctx context.Context, key, filename string, expiry time.Duration) (string, error)
}

// BuildKey is the object key of a build's zip archive.
func BuildKey(projectID, buildID fmt.Stringer) string {
	return "builds/" + projectID.String() + "/" + buildID.String() + ".zip"
}

func cleanKey(key string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", fmt.Errorf("%w: artifact key is required", domain.ErrInvalidInput)
	}
	return key, nil
}

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte, _ string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", key, domain.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return fmt.Errorf("artifact %s: %w", key, domain.ErrNotFound)
	}
	delete(s.blobs, key)
	return nil
}

// Len returns the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

var _ Store = (*MemoryStore)(nil)
