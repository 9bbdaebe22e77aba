package drivercache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asisaid.cn/unistore/internal/common/errors"
	"asisaid.cn/unistore/internal/storage"
)

type fakeDriver struct {
	storage.Driver
	cfg    storage.BackendConfig
	closed atomic.Bool
}

func (d *fakeDriver) Kind() storage.BackendKind { return d.cfg.Kind }

func (d *fakeDriver) Close() error {
	d.closed.Store(true)
	return nil
}

type recordingFactory struct {
	mu      sync.Mutex
	created map[string]*fakeDriver
	calls   int
}

func newRecordingFactory() *recordingFactory {
	return &recordingFactory{created: map[string]*fakeDriver{}}
}

func (f *recordingFactory) New(_ context.Context, cfg storage.BackendConfig) (storage.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	d := &fakeDriver{cfg: cfg.Normalized()}
	f.created[cfg.LocalPath] = d
	return d, nil
}

func localConfig(name string) storage.BackendConfig {
	return storage.BackendConfig{Kind: storage.KindLocal, LocalPath: "/data/" + name}
}

func TestCache_GetReusesDriver(t *testing.T) {
	f := newRecordingFactory()
	c := New(10, f.New)
	ctx := context.Background()

	d1, err := c.Get(ctx, localConfig("a"))
	require.NoError(t, err)
	d2, err := c.Get(ctx, localConfig("a"))
	require.NoError(t, err)

	assert.Same(t, d1, d2)
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	f := newRecordingFactory()
	c := New(3, f.New)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := c.Get(ctx, localConfig(name))
		require.NoError(t, err)
	}

	// Touch "a" so "b" becomes the oldest.
	_, err := c.Get(ctx, localConfig("a"))
	require.NoError(t, err)

	_, err = c.Get(ctx, localConfig("d"))
	require.NoError(t, err)

	assert.Equal(t, 3, c.Len())
	assert.True(t, c.Contains(localConfig("a")))
	assert.False(t, c.Contains(localConfig("b")))
	assert.True(t, c.Contains(localConfig("c")))
	assert.True(t, c.Contains(localConfig("d")))

	evicted := 0
	for name, d := range f.created {
		if d.closed.Load() {
			evicted++
			assert.Equal(t, "/data/b", name)
		}
	}
	assert.Equal(t, 1, evicted)
}

func TestCache_LastAccessRefreshed(t *testing.T) {
	c := New(2, newRecordingFactory().New)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	_, err := c.Get(context.Background(), localConfig("a"))
	require.NoError(t, err)

	now = base.Add(time.Minute)
	_, err = c.Get(context.Background(), localConfig("a"))
	require.NoError(t, err)

	at, ok := c.LastAccess(localConfig("a"))
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Minute), at)

	_, ok = c.LastAccess(localConfig("missing"))
	assert.False(t, ok)
}

func TestCache_RemoveAndClear(t *testing.T) {
	f := newRecordingFactory()
	c := New(10, f.New)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := c.Get(ctx, localConfig(name))
		require.NoError(t, err)
	}

	assert.True(t, c.Remove(localConfig("a")))
	assert.False(t, c.Remove(localConfig("a")))
	assert.True(t, f.created["/data/a"].closed.Load())
	assert.Equal(t, 2, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.True(t, f.created["/data/b"].closed.Load())
	assert.True(t, f.created["/data/c"].closed.Load())
}

func TestCache_FactoryError(t *testing.T) {
	c := New(10, func(context.Context, storage.BackendConfig) (storage.Driver, error) {
		return nil, fmt.Errorf("boom")
	})

	_, err := c.Get(context.Background(), localConfig("a"))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.Equal(t, 0, c.Len())
}

func TestCache_ConcurrentGetCreatesOnce(t *testing.T) {
	f := newRecordingFactory()
	c := New(10, f.New)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), localConfig("shared"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.calls)
}

func TestKey(t *testing.T) {
	base := storage.BackendConfig{Kind: storage.KindS3, Bucket: "b", Region: "us-east-1"}

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, Key(base), Key(base))
	})

	t.Run("defaults are not a distinction", func(t *testing.T) {
		explicit := base
		explicit.URLExpiry = storage.DefaultURLExpiry
		explicit.MaxFileSize = storage.DefaultMaxFileSize
		explicit.AllowedContentTypes = []string{}
		assert.Equal(t, Key(base), Key(explicit))
	})

	t.Run("absent and empty credentials differ", func(t *testing.T) {
		withEmpty := base
		withEmpty.Credentials = &storage.Credentials{}
		assert.NotEqual(t, Key(base), Key(withEmpty))
	})

	t.Run("every identity field counts", func(t *testing.T) {
		variants := []func(*storage.BackendConfig){
			func(c *storage.BackendConfig) { c.Bucket = "other" },
			func(c *storage.BackendConfig) { c.Region = "eu-west-1" },
			func(c *storage.BackendConfig) { c.Endpoint = "http://minio:9000" },
			func(c *storage.BackendConfig) { c.URLExpiry = time.Hour },
			func(c *storage.BackendConfig) { c.MaxFileSize = 1 << 20 },
			func(c *storage.BackendConfig) { c.Credentials = &storage.Credentials{AccessKeyID: "AK"} },
			func(c *storage.BackendConfig) { c.DefaultFolder = "tenant" },
		}
		seen := map[string]bool{Key(base): true}
		for i, mutate := range variants {
			cfg := base
			mutate(&cfg)
			k := Key(cfg)
			assert.False(t, seen[k], "variant %d collided", i)
			seen[k] = true
		}
	})
}

func TestCache_LeasedDriverClosedOnLastRelease(t *testing.T) {
	f := newRecordingFactory()
	c := New(1, f.New)
	ctx := context.Background()

	_, release, err := c.Acquire(ctx, localConfig("a"))
	require.NoError(t, err)
	_, releaseAgain, err := c.Acquire(ctx, localConfig("a"))
	require.NoError(t, err)

	// "b" pushes "a" out while two calls still use it.
	_, err = c.Get(ctx, localConfig("b"))
	require.NoError(t, err)
	assert.False(t, c.Contains(localConfig("a")))
	assert.False(t, f.created["/data/a"].closed.Load())

	release()
	release()
	assert.False(t, f.created["/data/a"].closed.Load(), "second lease still held")

	releaseAgain()
	assert.True(t, f.created["/data/a"].closed.Load())
}

func TestCache_ClearWaitsForLeases(t *testing.T) {
	f := newRecordingFactory()
	c := New(5, f.New)
	ctx := context.Background()

	_, release, err := c.Acquire(ctx, localConfig("a"))
	require.NoError(t, err)
	_, err = c.Get(ctx, localConfig("b"))
	require.NoError(t, err)

	c.Clear()
	assert.True(t, f.created["/data/b"].closed.Load())
	assert.False(t, f.created["/data/a"].closed.Load())

	release()
	assert.True(t, f.created["/data/a"].closed.Load())
}

func TestCache_EvictionMetricCountsCapacityOnly(t *testing.T) {
	c := New(1, newRecordingFactory().New)
	ctx := context.Background()
	before := counterValue(t, "unistore_driver_cache_evictions_total")

	_, err := c.Get(ctx, localConfig("a"))
	require.NoError(t, err)
	_, err = c.Get(ctx, localConfig("b"))
	require.NoError(t, err)
	assert.Equal(t, before+1, counterValue(t, "unistore_driver_cache_evictions_total"))

	assert.True(t, c.Remove(localConfig("b")))
	_, err = c.Get(ctx, localConfig("c"))
	require.NoError(t, err)
	c.Clear()
	assert.Equal(t, before+1, counterValue(t, "unistore_driver_cache_evictions_total"))
}

func counterValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}
