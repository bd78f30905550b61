package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dshills/codemechanic/internal/domain"
	"github.com/dshills/codemechanic/internal/repository"
	"github.com/dshills/codemechanic/internal/repository/repotest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) repository.Repository {
	t.Helper()
	repo, err := New(filepath.Join(t.TempDir(), "codemechanic-test.db"))
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repotest.Run(t, newTestRepo)
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	first, err := New(path)
	require.NoError(t, err)
	p := repotest.NewProject(t, first)
	require.NoError(t, first.Close())

	second, err := New(path)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
}

func TestWithTxRollsBack(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := repotest.NewProject(t, repo)

	boom := errors.New("boom")
	err := repo.WithTx(ctx, func(tx repository.Repository) error {
		if err := tx.UpsertFile(ctx, &domain.CodeFile{ProjectID: p.ID, Path: "tmp.ts", Content: "x"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = repo.GetFileByPath(ctx, p.ID, "tmp.ts")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentLogAppends(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := repotest.NewProject(t, repo)

	now := time.Now().UTC()
	s := &domain.ExecutionSession{ID: uuid.New(), ProjectID: p.ID, Prompt: "p", Status: domain.SessionStatusRunning, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.CreateSession(ctx, s))

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- repo.AppendLog(ctx, &domain.ExecutionLog{
				ID: uuid.New(), SessionID: s.ID, Level: domain.LogLevelInfo, Message: "tick", CreatedAt: time.Now().UTC(),
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	logs, err := repo.ListLogs(ctx, s.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, n)
	for i, l := range logs {
		assert.Equal(t, i+1, l.Seq)
	}
}
