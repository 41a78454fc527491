package controlapi

import "sync"

// cachedResponse is one idempotency key's recorded outcome.
type cachedResponse struct {
	result any
	err    error
}

// idempotencyCache deduplicates command invocations by caller-supplied
// key, so a retried request (e.g. after a dropped response) replays the
// first invocation's outcome instead of re-running a command that already
// took effect — spec §4.7's "idempotent by id where meaningful."
type idempotencyCache struct {
	mu      sync.Mutex
	entries map[string]cachedResponse
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{entries: make(map[string]cachedResponse)}
}

func (c *idempotencyCache) get(key string) (cachedResponse, bool) {
	if key == "" {
		return cachedResponse{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[key]
	return r, ok
}

func (c *idempotencyCache) put(key string, result any, err error) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedResponse{result: result, err: err}
}

// withIdempotency runs fn unless key has already been recorded, in which
// case it returns the recorded outcome without calling fn again.
func withIdempotency[T any](c *idempotencyCache, key string, fn func() (T, error)) (T, error) {
	if cached, ok := c.get(key); ok {
		result, _ := cached.result.(T)
		return result, cached.err
	}
	result, err := fn()
	c.put(key, result, err)
	return result, err
}
