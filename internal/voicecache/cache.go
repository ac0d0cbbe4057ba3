// Package voicecache keeps a bounded set of loaded voice models in memory.
//
// Models are keyed by the absolute, symlink-resolved path of their model file
// and evicted least-recently-used first. Concurrent requests for a model that
// is not yet resident share a single load. A model evicted while in use is
// closed when its last Handle is released.
package voicecache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// DefaultCapacity is the number of resident models when none is configured.
const DefaultCapacity = 5

// DefaultLoadTimeout bounds a single model load.
const DefaultLoadTimeout = 2 * time.Minute

// maxAcquireAttempts bounds retries when a freshly loaded model is evicted by
// concurrent traffic before the caller could take a reference.
const maxAcquireAttempts = 3

const (
	logLoadedModel   = "Loaded voice model %s in %s"
	logEvictedModel  = "Evicted voice model %s"
	logCloseFailed   = "Failed to close voice model %s: %v"
	logClearedModels = "Cleared %d voice models from cache"
)

// ErrInvalidCapacity indicates a capacity below one.
var ErrInvalidCapacity = errors.New("cache capacity must be at least 1")

// Model is a loaded voice model. Close releases its resources.
type Model interface {
	Close() error
}

// Exclusive is implemented by models that must not serve two synthesis calls
// at the same time. Handle.Use serializes calls on such models.
type Exclusive interface {
	Exclusive() bool
}

// Loader turns a model file into a Model.
type Loader interface {
	Load(ctx context.Context, modelPath string) (Model, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, modelPath string) (Model, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, modelPath string) (Model, error) {
	return f(ctx, modelPath)
}

// Stats is a snapshot of the cache contents.
type Stats struct {
	Resident int      `json:"size"`
	Capacity int      `json:"max_size"`
	Keys     []string `json:"cached_models"`
}

// Options configures a Cache.
type Options struct {
	Capacity    int
	LoadTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *logger.Logger
}

type entry struct {
	key       string
	model     Model
	exclusive bool
	useMu     sync.Mutex
	refs      int
	evicted   bool
	closed    bool
}

// Cache is a bounded LRU of loaded models. It is safe for concurrent use.
type Cache struct {
	mu          sync.Mutex
	capacity    int
	loadTimeout time.Duration
	order       *list.List // front is least recently used
	entries     map[string]*list.Element
	loads       singleflight.Group
	metrics     *metrics.Metrics
	log         *logger.Logger
}

// New creates an empty cache.
func New(opts Options) (*Cache, error) {
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}

	if opts.Capacity < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, opts.Capacity)
	}

	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}

	return &Cache{
		capacity:    opts.Capacity,
		loadTimeout: opts.LoadTimeout,
		order:       list.New(),
		entries:     make(map[string]*list.Element),
		metrics:     opts.Metrics,
		log:         opts.Logger,
	}, nil
}

// Key returns the cache key for modelPath: its absolute path with symlinks
// resolved. A missing file yields core.ErrModelNotFound.
func Key(modelPath string) (string, error) {
	absolute, err := filepath.Abs(modelPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", core.ErrModelNotFound, modelPath, err)
	}

	resolved, err := filepath.EvalSymlinks(absolute)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", core.ErrModelNotFound, absolute)
		}

		return "", fmt.Errorf("failed to resolve model path %s: %w", absolute, err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %s", core.ErrModelNotFound, resolved)
	}

	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", core.ErrModelNotFound, resolved)
	}

	return resolved, nil
}

// Acquire returns a Handle on the model at modelPath, loading it with loader
// when it is not resident. The caller must Release the handle.
//
// Errors are core.ErrModelNotFound when the file does not exist and
// core.ErrLoadFailed when the loader fails. A failed load leaves the cache
// unchanged.
func (c *Cache) Acquire(ctx context.Context, modelPath string, loader Loader) (*Handle, error) {
	key, err := Key(modelPath)
	if err != nil {
		return nil, err
	}

	for attempt := range maxAcquireAttempts {
		handle := c.lookup(key)
		if handle != nil {
			if attempt == 0 {
				c.metrics.CacheRequest(metrics.ResultHit)
			}

			return handle, nil
		}

		if attempt == 0 {
			c.metrics.CacheRequest(metrics.ResultMiss)
		}

		loadErr := c.awaitLoad(ctx, key, loader)
		if loadErr != nil {
			return nil, loadErr
		}
	}

	return nil, fmt.Errorf("%w: %s evicted before it could be used", core.ErrLoadFailed, key)
}

// Clear drops every resident model. Models in use are closed on release.
func (c *Cache) Clear() int {
	c.mu.Lock()

	var toClose []*entry

	count := c.order.Len()
	for element := c.order.Front(); element != nil; element = element.Next() {
		if ent := c.markEvicted(element.Value.(*entry)); ent != nil {
			toClose = append(toClose, ent)
		}
	}

	c.order.Init()
	clear(c.entries)
	c.metrics.SetResident(0)
	c.mu.Unlock()

	c.closeAll(toClose)

	if c.log != nil && count > 0 {
		c.log.Info(logClearedModels, count)
	}

	return count
}

// Stats returns the resident count, capacity and keys ordered from least to
// most recently used.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*entry).key)
	}

	return Stats{Resident: len(keys), Capacity: c.capacity, Keys: keys}
}

// Capacity returns the maximum number of resident models.
func (c *Cache) Capacity() int {
	return c.capacity
}

func (c *Cache) lookup(key string) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.entries[key]
	if !ok {
		return nil
	}

	c.order.MoveToBack(element)

	ent := element.Value.(*entry)
	ent.refs++

	return &Handle{cache: c, entry: ent}
}

// awaitLoad joins or starts the load of key and waits for it unless ctx ends
// first. The load itself runs detached from ctx so that other waiters are not
// failed by one caller's cancellation.
func (c *Cache) awaitLoad(ctx context.Context, key string, loader Loader) error {
	results := c.loads.DoChan(key, func() (any, error) {
		return nil, c.load(context.WithoutCancel(ctx), key, loader)
	})

	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for model %s: %w", key, ctx.Err())
	case result := <-results:
		return result.Err
	}
}

func (c *Cache) load(ctx context.Context, key string, loader Loader) error {
	c.mu.Lock()
	_, resident := c.entries[key]
	c.mu.Unlock()

	if resident {
		return nil
	}

	loadCtx, cancel := context.WithTimeout(ctx, c.loadTimeout)
	defer cancel()

	started := time.Now()
	model, err := loader.Load(loadCtx, key)
	c.metrics.ObserveLoad(started, err)

	if err != nil {
		if errors.Is(err, core.ErrModelNotFound) {
			return err
		}

		return fmt.Errorf("%w: %s: %w", core.ErrLoadFailed, key, err)
	}

	if model == nil {
		return fmt.Errorf("%w: %s: loader returned no model", core.ErrLoadFailed, key)
	}

	if c.log != nil {
		c.log.Info(logLoadedModel, key, time.Since(started).Round(time.Millisecond))
	}

	c.insert(key, model)

	return nil
}

func (c *Cache) insert(key string, model Model) {
	ent := &entry{key: key, model: model}
	if exclusive, ok := model.(Exclusive); ok {
		ent.exclusive = exclusive.Exclusive()
	}

	var toClose []*entry

	c.mu.Lock()
	c.entries[key] = c.order.PushBack(ent)

	for c.order.Len() > c.capacity {
		oldest := c.order.Front()
		victim := oldest.Value.(*entry)

		c.order.Remove(oldest)
		delete(c.entries, victim.key)
		c.metrics.CacheEvicted()

		if c.log != nil {
			c.log.Info(logEvictedModel, victim.key)
		}

		if closable := c.markEvicted(victim); closable != nil {
			toClose = append(toClose, closable)
		}
	}

	c.metrics.SetResident(c.order.Len())
	c.mu.Unlock()

	c.closeAll(toClose)
}

// markEvicted flags ent as no longer resident and returns it when it has no
// references left and should be closed now. Callers hold c.mu.
func (c *Cache) markEvicted(ent *entry) *entry {
	ent.evicted = true
	if ent.refs > 0 || ent.closed {
		return nil
	}

	ent.closed = true

	return ent
}

func (c *Cache) release(ent *entry) {
	c.mu.Lock()
	ent.refs--
	closeNow := ent.evicted && ent.refs == 0 && !ent.closed

	if closeNow {
		ent.closed = true
	}
	c.mu.Unlock()

	if closeNow {
		c.closeAll([]*entry{ent})
	}
}

func (c *Cache) closeAll(entries []*entry) {
	for _, ent := range entries {
		err := ent.model.Close()
		if err != nil && c.log != nil {
			c.log.Warn(logCloseFailed, ent.key, err)
		}
	}
}
