package voicecache_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/metrics"
	"github.com/book-expert/narration-service/internal/voicecache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errCorrupt = errors.New("corrupt model file")

type fakeModel struct {
	path      string
	closed    atomic.Bool
	exclusive bool
}

func (m *fakeModel) Close() error {
	m.closed.Store(true)

	return nil
}

func (m *fakeModel) Exclusive() bool {
	return m.exclusive
}

type recordingLoader struct {
	mu     sync.Mutex
	loads  atomic.Int32
	delay  time.Duration
	models map[string]*fakeModel
	fail   error
}

func newRecordingLoader() *recordingLoader {
	return &recordingLoader{models: make(map[string]*fakeModel)}
}

func (l *recordingLoader) Load(_ context.Context, modelPath string) (voicecache.Model, error) {
	l.loads.Add(1)

	if l.delay > 0 {
		time.Sleep(l.delay)
	}

	if l.fail != nil {
		return nil, l.fail
	}

	model := &fakeModel{path: modelPath}

	l.mu.Lock()
	l.models[modelPath] = model
	l.mu.Unlock()

	return model, nil
}

func (l *recordingLoader) model(path string) *fakeModel {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.models[path]
}

func writeModels(t *testing.T, names ...string) []string {
	t.Helper()

	dir := t.TempDir()
	paths := make([]string, 0, len(names))

	for _, name := range names {
		path := filepath.Join(dir, name+".onnx")
		require.NoError(t, os.WriteFile(path, []byte(name), 0o600))

		key, err := voicecache.Key(path)
		require.NoError(t, err)

		paths = append(paths, key)
	}

	return paths
}

func newCache(t *testing.T, capacity int) *voicecache.Cache {
	t.Helper()

	cache, err := voicecache.New(voicecache.Options{Capacity: capacity})
	require.NoError(t, err)

	return cache
}

func acquireAndRelease(t *testing.T, cache *voicecache.Cache, path string, loader voicecache.Loader) {
	t.Helper()

	handle, err := cache.Acquire(context.Background(), path, loader)
	require.NoError(t, err)
	handle.Release()
}

func TestNew_RejectsNegativeCapacity(t *testing.T) {
	t.Parallel()

	_, err := voicecache.New(voicecache.Options{Capacity: -1})
	require.ErrorIs(t, err, voicecache.ErrInvalidCapacity)

	cache, err := voicecache.New(voicecache.Options{})
	require.NoError(t, err)
	assert.Equal(t, voicecache.DefaultCapacity, cache.Capacity())
}

func TestAcquire_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	paths := writeModels(t, "a", "b", "c")
	loader := newRecordingLoader()
	cache := newCache(t, 2)

	for _, path := range paths {
		acquireAndRelease(t, cache, path, loader)
	}

	stats := cache.Stats()
	assert.Equal(t, 2, stats.Resident)
	assert.Equal(t, 2, stats.Capacity)
	assert.Equal(t, []string{paths[1], paths[2]}, stats.Keys)
	assert.True(t, loader.model(paths[0]).closed.Load())
	assert.False(t, loader.model(paths[1]).closed.Load())
}

func TestAcquire_HitRefreshesRecency(t *testing.T) {
	t.Parallel()

	paths := writeModels(t, "a", "b", "c")
	loader := newRecordingLoader()
	cache := newCache(t, 2)

	acquireAndRelease(t, cache, paths[0], loader)
	acquireAndRelease(t, cache, paths[1], loader)
	acquireAndRelease(t, cache, paths[0], loader)
	acquireAndRelease(t, cache, paths[2], loader)

	assert.Equal(t, []string{paths[0], paths[2]}, cache.Stats().Keys)
	assert.Equal(t, int32(3), loader.loads.Load())
	assert.True(t, loader.model(paths[1]).closed.Load())
}

func TestAcquire_ConcurrentMissLoadsOnce(t *testing.T) {
	t.Parallel()

	paths := writeModels(t, "a")
	loader := newRecordingLoader()
	loader.delay = 50 * time.Millisecond
	cache := newCache(t, 2)

	const callers = 16

	var wg sync.WaitGroup

	errs := make(chan error, callers)

	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			handle, err := cache.Acquire(context.Background(), paths[0], loader)
			if err != nil {
				errs <- err

				return
			}

			handle.Release()
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), loader.loads.Load())
	assert.Equal(t, 1, cache.Stats().Resident)
}

func TestAcquire_MissingModel(t *testing.T) {
	t.Parallel()

	loader := newRecordingLoader()
	cache := newCache(t, 2)

	_, err := cache.Acquire(context.Background(), filepath.Join(t.TempDir(), "nope.onnx"), loader)
	require.ErrorIs(t, err, core.ErrModelNotFound)
	assert.Equal(t, int32(0), loader.loads.Load())
	assert.Equal(t, 0, cache.Stats().Resident)
}

func TestAcquire_LoadFailureLeavesCacheUsable(t *testing.T) {
	t.Parallel()

	paths := writeModels(t, "a", "b")
	cache := newCache(t, 2)

	acquireAndRelease(t, cache, paths[0], newRecordingLoader())

	failing := newRecordingLoader()
	failing.fail = errCorrupt

	_, err := cache.Acquire(context.Background(), paths[1], failing)
	require.ErrorIs(t, err, core.ErrLoadFailed)
	require.ErrorIs(t, err, errCorrupt)
	assert.Equal(t, []string{paths[0]}, cache.Stats().Keys)

	acquireAndRelease(t, cache, paths[1], newRecordingLoader())
	assert.Equal(t, []string{paths[0], paths[1]}, cache.Stats().Keys)
}

func TestAcquire_EvictedModelClosedOnRelease(t *testing.T) {
	t.Parallel()

	paths := writeModels(t, "a", "b")
	loader := newRecordingLoader()
	cache := newCache(t, 1)

	held, err := cache.Acquire(context.Background(), paths[0], loader)
	require.NoError(t, err)

	acquireAndRelease(t, cache, paths[1], loader)

	assert.Equal(t, []string{paths[1]}, cache.Stats().Keys)
	assert.False(t, loader.model(paths[0]).closed.Load())

	held.Release()
	held.Release()
	assert.True(t, loader.model(paths[0]).closed.Load())
}

func TestAcquire_SymlinkSharesEntry(t *testing.T) {
	t.Parallel()

	paths := writeModels(t, "a")
	link := filepath.Join(t.TempDir(), "alias.onnx")
	require.NoError(t, os.Symlink(paths[0], link))

	loader := newRecordingLoader()
	cache := newCache(t, 2)

	acquireAndRelease(t, cache, paths[0], loader)
	acquireAndRelease(t, cache, link, loader)

	assert.Equal(t, int32(1), loader.loads.Load())
	assert.Equal(t, []string{paths[0]}, cache.Stats().Keys)
}

func TestAcquire_CanceledWaiter(t *testing.T) {
	t.Parallel()

	paths := writeModels(t, "a")
	loader := newRecordingLoader()
	loader.delay = 100 * time.Millisecond
	cache := newCache(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cache.Acquire(ctx, paths[0], loader)
	require.ErrorIs(t, err, context.Canceled)

	assert.Eventually(t, func() bool {
		return cache.Stats().Resident == 1
	}, time.Second, 10*time.Millisecond)
}

func TestClear(t *testing.T) {
	t.Parallel()

	paths := writeModels(t, "a", "b")
	loader := newRecordingLoader()
	cache := newCache(t, 2)

	acquireAndRelease(t, cache, paths[0], loader)

	held, err := cache.Acquire(context.Background(), paths[1], loader)
	require.NoError(t, err)

	assert.Equal(t, 2, cache.Clear())
	assert.Equal(t, 0, cache.Stats().Resident)
	assert.True(t, loader.model(paths[0]).closed.Load())
	assert.False(t, loader.model(paths[1]).closed.Load())

	held.Release()
	assert.True(t, loader.model(paths[1]).closed.Load())

	acquireAndRelease(t, cache, paths[0], loader)
	assert.Equal(t, int32(3), loader.loads.Load())
}

func TestHandleUse_SerializesExclusiveModels(t *testing.T) {
	t.Parallel()

	paths := writeModels(t, "a")
	cache := newCache(t, 1)
	loader := voicecache.LoaderFunc(func(_ context.Context, path string) (voicecache.Model, error) {
		return &fakeModel{path: path, exclusive: true}, nil
	})

	var active, peak atomic.Int32

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			handle, err := cache.Acquire(context.Background(), paths[0], loader)
			if err != nil {
				return
			}
			defer handle.Release()

			_ = handle.Use(func(voicecache.Model) error {
				now := active.Add(1)
				for {
					seen := peak.Load()
					if now <= seen || peak.CompareAndSwap(seen, now) {
						break
					}
				}

				time.Sleep(5 * time.Millisecond)
				active.Add(-1)

				return nil
			})
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestCache_Metrics(t *testing.T) {
	t.Parallel()

	met, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	cache, err := voicecache.New(voicecache.Options{Capacity: 1, Metrics: met})
	require.NoError(t, err)

	paths := writeModels(t, "a", "b")
	loader := newRecordingLoader()

	acquireAndRelease(t, cache, paths[0], loader)
	acquireAndRelease(t, cache, paths[0], loader)
	acquireAndRelease(t, cache, paths[1], loader)

	assert.InDelta(t, 1, testutil.ToFloat64(met.CacheRequests.WithLabelValues(metrics.ResultHit)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(met.CacheRequests.WithLabelValues(metrics.ResultMiss)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(met.CacheEvictions), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(met.CacheResident), 0)
}
