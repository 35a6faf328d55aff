package uow

import "sync"

// MTimeCache remembers the last observed modification time per file so the
// sync scanner can skip unchanged files. Commits invalidate touched paths.
type MTimeCache struct {
	mu     sync.RWMutex
	mtimes map[string]float64
}

// NewMTimeCache creates an empty cache.
func NewMTimeCache() *MTimeCache {
	return &MTimeCache{mtimes: map[string]float64{}}
}

// Get returns the cached mtime for a path.
func (c *MTimeCache) Get(path string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mtime, ok := c.mtimes[path]
	return mtime, ok
}

// Set records the observed mtime for a path.
func (c *MTimeCache) Set(path string, mtime float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mtimes[path] = mtime
}

// Invalidate forgets the given paths.
func (c *MTimeCache) Invalidate(paths ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, path := range paths {
		delete(c.mtimes, path)
	}
}
