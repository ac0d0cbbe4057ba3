package voicecache

import "sync"

// Handle is a reference to a resident model. The model stays open until every
// handle on it has been released, even if it is evicted in the meantime.
type Handle struct {
	cache *Cache
	entry *entry
	once  sync.Once
}

// Key returns the cache key of the model.
func (h *Handle) Key() string {
	return h.entry.key
}

// Model returns the loaded model.
func (h *Handle) Model() Model {
	return h.entry.model
}

// Use runs fn with the model. Calls on an Exclusive model are serialized.
func (h *Handle) Use(fn func(Model) error) error {
	if h.entry.exclusive {
		h.entry.useMu.Lock()
		defer h.entry.useMu.Unlock()
	}

	return fn(h.entry.model)
}

// Release drops the reference. Calling it more than once has no effect.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.cache.release(h.entry)
	})
}
