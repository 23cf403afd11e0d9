package store_test

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/livebs/governor/pkg/config"
	"github.com/livebs/governor/pkg/metrics"
	"github.com/livebs/governor/pkg/store"
	"github.com/livebs/governor/pkg/store/storetest"
)

func TestStore_AbsorbsBackendFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	flaky := storetest.NewFlaky(store.NewMemory())
	s := store.New(flaky, zap.New(core), nil)
	ctx := context.Background()

	require.True(t, s.Set(ctx, "k", []byte("v"), time.Hour))

	flaky.Fail("get", "set", "delete", "ping", "delete_prefix")

	val, ok := s.Get(ctx, "k")
	assert.False(t, ok)
	assert.Nil(t, val)
	assert.False(t, s.Set(ctx, "k2", []byte("v"), time.Hour))
	assert.False(t, s.Delete(ctx, "k"))
	assert.False(t, s.Ping(ctx))
	assert.Equal(t, 0, s.DeletePrefix(ctx, "k"))

	assert.GreaterOrEqual(t, logs.FilterMessage("store get failed").Len(), 1)
	assert.GreaterOrEqual(t, logs.FilterMessage("store set failed").Len(), 1)

	flaky.Heal()
	val, ok = s.Get(ctx, "k")
	require.True(t, ok, "failed delete must not have removed the key")
	assert.Equal(t, "v", string(val))
}

func TestStore_UpdateReportsFailure(t *testing.T) {
	flaky := storetest.NewFlaky(store.NewMemory())
	s := store.New(flaky, nil, nil)
	flaky.Fail("update")

	err := s.Update(context.Background(), "k", time.Hour, func([]byte, bool) ([]byte, error) {
		return []byte("v"), nil
	})
	assert.ErrorIs(t, err, storetest.ErrInjected)
}

func TestStore_AbsentReadsAreNotErrors(t *testing.T) {
	m := metrics.New(nil)
	s := store.New(store.NewMemory(), nil, m)

	_, ok := s.Get(context.Background(), "nope")
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOperations.WithLabelValues("memory", "get", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StoreOperations.WithLabelValues("memory", "get", "error")))
}

func TestStore_DeleteNoKeys(t *testing.T) {
	flaky := storetest.NewFlaky(store.NewMemory())
	s := store.New(flaky, nil, nil)
	assert.True(t, s.Delete(context.Background()))
	assert.Equal(t, int64(0), flaky.Count("delete"))
}

func TestOpen_Redis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := config.Default().Store
	cfg.Redis.Host = mr.Host()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	cfg.Redis.Port = port

	m := metrics.New(nil)
	s := store.Open(context.Background(), cfg, nil, m)
	defer s.Close()

	assert.Equal(t, "redis", s.BackendName())
	assert.False(t, s.Degraded())
	assert.True(t, s.Ping(context.Background()))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StoreDegraded))
}

func TestOpen_RedisURL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := config.Default().Store
	cfg.Redis.URL = "redis://" + mr.Addr() + "/0"

	s := store.Open(context.Background(), cfg, nil, nil)
	defer s.Close()
	assert.Equal(t, "redis", s.BackendName())
}

func TestOpen_FallsBackWhenRedisUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close() // nothing listens on addr any more

	cfg := config.Default().Store
	cfg.Redis.URL = "redis://" + addr
	cfg.ConnectTimeout = 300 * time.Millisecond

	core, logs := observer.New(zap.WarnLevel)
	m := metrics.New(nil)
	s := store.Open(context.Background(), cfg, zap.New(core), m)
	defer s.Close()

	assert.Equal(t, "memory", s.BackendName())
	assert.True(t, s.Degraded())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreDegraded))
	assert.Equal(t, 1, logs.FilterMessage("backing store unavailable, falling back to in-process store").Len())

	// The substitute is fully functional.
	ctx := context.Background()
	require.True(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	val, ok := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", string(val))
}

func TestOpen_SQLite(t *testing.T) {
	cfg := config.Default().Store
	cfg.Driver = "sqlite"
	cfg.SQLitePath = filepath.Join(t.TempDir(), "store.db")

	s := store.Open(context.Background(), cfg, nil, nil)
	defer s.Close()
	assert.Equal(t, "sqlite", s.BackendName())
	assert.False(t, s.Degraded())
}

func TestOpen_SQLiteUnusablePathFallsBack(t *testing.T) {
	cfg := config.Default().Store
	cfg.Driver = "sqlite"
	cfg.SQLitePath = filepath.Join(t.TempDir(), "missing-dir", "store.db")

	s := store.Open(context.Background(), cfg, nil, nil)
	defer s.Close()
	assert.Equal(t, "memory", s.BackendName())
	assert.True(t, s.Degraded())
}

func TestOpen_Memory(t *testing.T) {
	cfg := config.Default().Store
	cfg.Driver = "memory"

	s := store.Open(context.Background(), cfg, nil, nil)
	assert.Equal(t, "memory", s.BackendName())
	assert.False(t, s.Degraded())
}

func TestStore_PurgeExpired(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	backend, err := store.NewSQLite(filepath.Join(t.TempDir(), "purge.db"),
		store.WithSQLiteClock(func() time.Time { return now }))
	require.NoError(t, err)
	s := store.New(backend, nil, nil)
	defer s.Close()
	ctx := context.Background()

	require.True(t, s.Set(ctx, "short", []byte("a"), time.Minute))
	require.True(t, s.Set(ctx, "long", []byte("b"), time.Hour))
	assert.True(t, s.Purges())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, int64(1), s.PurgeExpired(ctx))

	mem := store.New(store.NewMemory(), nil, nil)
	assert.False(t, mem.Purges())
	assert.Equal(t, int64(0), mem.PurgeExpired(ctx))
}
