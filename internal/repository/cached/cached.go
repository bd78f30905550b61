// Package cached decorates a repository with an LRU cache for file reads.
// The executor and the assistant look files up by path far more often than
// they write them.
package cached

import (
	"context"
	"sync"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/repository"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is the number of files kept when New is given a non-positive size.
const DefaultSize = 1024

// Repository caches GetFileByPath results. Every other call goes straight to
// the wrapped repository.
type Repository struct {
	repository.Repository
	cache *lru.Cache[string, *domain.CodeFile]

	// set inside WithTx: reads skip the cache and touched keys are
	// evicted again once the transaction finishes.
	inTx    bool
	mu      sync.Mutex
	touched []string
}

// New wraps repo with a cache of size entries.
func New(repo repository.Repository, size int) (*Repository, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New[string, *domain.CodeFile](size)
	if err != nil {
		return nil, err
	}
	return &Repository{Repository: repo, cache: cache}, nil
}

// Len reports the number of cached files.
func (r *Repository) Len() int { return r.cache.Len() }

func key(projectID uuid.UUID, path string) string {
	return projectID.String() + "\x00" + path
}

func copyFile(f *domain.CodeFile) *domain.CodeFile {
	c := *f
	return &c
}

func (r *Repository) evict(k string) {
	r.cache.Remove(k)
	if r.inTx {
		r.mu.Lock()
		r.touched = append(r.touched, k)
		r.mu.Unlock()
	}
}

func (r *Repository) GetFileByPath(ctx context.Context, projectID uuid.UUID, path string) (*domain.CodeFile, error) {
	k := key(projectID, path)
	if !r.inTx {
		if f, ok := r.cache.Get(k); ok {
			return copyFile(f), nil
		}
	}
	f, err := r.Repository.GetFileByPath(ctx, projectID, path)
	if err != nil {
		return nil, err
	}
	if !r.inTx {
		r.cache.Add(k, copyFile(f))
	}
	return f, nil
}

// write evicts keys around fn. A reader that runs while fn is in flight can
// refill a key with the old row, so the keys are evicted again afterwards.
func (r *Repository) write(fn func() error, keys ...string) error {
	for _, k := range keys {
		r.evict(k)
	}
	err := fn()
	for _, k := range keys {
		r.cache.Remove(k)
	}
	return err
}

func (r *Repository) UpsertFile(ctx context.Context, file *domain.CodeFile) error {
	return r.write(func() error {
		return r.Repository.UpsertFile(ctx, file)
	}, key(file.ProjectID, file.Path))
}

func (r *Repository) DeleteFile(ctx context.Context, projectID uuid.UUID, path string) error {
	return r.write(func() error {
		return r.Repository.DeleteFile(ctx, projectID, path)
	}, key(projectID, path))
}

func (r *Repository) RenameFile(ctx context.Context, projectID uuid.UUID, oldPath, newPath string) error {
	return r.write(func() error {
		return r.Repository.RenameFile(ctx, projectID, oldPath, newPath)
	}, key(projectID, oldPath), key(projectID, newPath))
}

func (r *Repository) DeleteProject(ctx context.Context, id uuid.UUID) error {
	if err := r.Repository.DeleteProject(ctx, id); err != nil {
		return err
	}
	prefix := id.String() + "\x00"
	for _, k := range r.cache.Keys() {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			r.cache.Remove(k)
		}
	}
	return nil
}

// WithTx runs fn with a cache-aware view of the transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(repository.Repository) error) error {
	txView := &Repository{cache: r.cache, inTx: true}
	err := r.Repository.WithTx(ctx, func(tx repository.Repository) error {
		txView.Repository = tx
		return fn(txView)
	})
	// A concurrent reader may have refilled a key between the write and the
	// commit, so evict once more now that the outcome is settled.
	txView.mu.Lock()
	for _, k := range txView.touched {
		r.cache.Remove(k)
	}
	txView.mu.Unlock()
	return err
}

var _ repository.Repository = (*Repository)(nil)
