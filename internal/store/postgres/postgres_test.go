package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storecrawl/internal/store"
)

var (
	testDSN  string
	testOnce sync.Once
	testErr  error
)

// TestMain 在 Docker 可用时启动一个临时的 Postgres 容器。
// 设置 STORECRAWL_TEST_DSN 时直接使用已有数据库。
func TestMain(m *testing.M) {
	code := m.Run()
	if purge != nil {
		purge()
	}
	os.Exit(code)
}

var purge func()

func startPostgres() (string, error) {
	if dsn := os.Getenv("STORECRAWL_TEST_DSN"); dsn != "" {
		return dsn, nil
	}
	pool, err := dockertest.NewPool("")
	if err != nil {
		return "", err
	}
	if err := pool.Client.Ping(); err != nil {
		return "", err
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_USER=storecrawl",
			"POSTGRES_PASSWORD=storecrawl",
			"POSTGRES_DB=storecrawl",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return "", err
	}
	_ = resource.Expire(300)
	purge = func() { _ = pool.Purge(resource) }

	dsn := fmt.Sprintf("postgres://storecrawl:storecrawl@%s/storecrawl?sslmode=disable", resource.GetHostPort("5432/tcp"))
	pool.MaxWait = 60 * time.Second
	err = pool.Retry(func() error {
		s, err := Open(context.Background(), dsn, 4)
		if err != nil {
			return err
		}
		s.Close()
		return nil
	})
	return dsn, err
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testOnce.Do(func() { testDSN, testErr = startPostgres() })
	if testErr != nil {
		t.Skipf("postgres not available: %v", testErr)
	}

	s, err := Open(context.Background(), testDSN, 8)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSwapAndFilter(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Drop(ctx, "pg_swap_games"))
	require.NoError(t, s.Drop(ctx, "pg_swap_games_tmp"))

	require.NoError(t, s.Insert(ctx, "pg_swap_games", map[string]any{"title": "old"}))
	for _, d := range []map[string]any{
		{"title": "A", "prices": map[string]any{"gb": "£5.00"}},
		{"title": "B", "prices": map[string]any{"gb": "Free or Not Available"}},
		{"title": "C"},
	} {
		require.NoError(t, s.Insert(ctx, "pg_swap_games_tmp", d))
	}

	// 重复多轮，确认隐式的索引和序列名不会冲突
	for round := 0; round < 3; round++ {
		require.NoError(t, s.Swap(ctx, "pg_swap_games", "pg_swap_games_tmp"))
		n, err := s.Count(ctx, "pg_swap_games_tmp", nil)
		require.NoError(t, err)
		assert.Zero(t, n)
		if round < 2 {
			docs, err := s.Find(ctx, "pg_swap_games", store.FindOptions{})
			require.NoError(t, err)
			for _, d := range docs {
				require.NoError(t, s.Insert(ctx, "pg_swap_games_tmp", d))
			}
		}
	}

	f := store.Filter{{Path: "prices.gb", NotEqual: "Free or Not Available"}}
	n, err := s.Count(ctx, "pg_swap_games", f)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	docs, err := s.Find(ctx, "pg_swap_games", store.FindOptions{Filter: f, Skip: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "C", docs[0]["title"])
}

func TestMissingTableReadsEmpty(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Drop(ctx, "pg_absent_games"))

	n, err := s.Count(ctx, "pg_absent_games", nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	docs, err := s.Find(ctx, "pg_absent_games", store.FindOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestInstanceLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	lock, err := s.TryAcquire(ctx, "storecrawl", "scheduler-test")
	require.NoError(t, err)

	_, err = s.TryAcquire(ctx, "storecrawl", "scheduler-test")
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lock.Release(ctx))
	again, err := s.TryAcquire(ctx, "storecrawl", "scheduler-test")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestGenerateLockIDIsStable(t *testing.T) {
	assert.Equal(t, GenerateLockID("a", "b"), GenerateLockID("a", "b"))
	assert.NotEqual(t, GenerateLockID("a", "b"), GenerateLockID("a", "c"))
}
