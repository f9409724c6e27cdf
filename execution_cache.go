package forwarder

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402-foundation/forwarder/mechanisms/evm"
)

// ExecutionCache deduplicates submissions of the same signed request. A relayer
// that retries after a timeout gets the committed result back instead of a
// nonce error, and concurrent duplicates wait for the first one to finish.
// Failed executions are not cached.
type ExecutionCache struct {
	mu       sync.Mutex
	entries  map[common.Hash]cachedExecution
	inFlight map[common.Hash]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

type cachedExecution struct {
	result *ExecuteResult
	expiry time.Time
}

// NewExecutionCache creates a cache keeping results for ttl
func NewExecutionCache(ttl time.Duration) *ExecutionCache {
	return &ExecutionCache{
		entries:  make(map[common.Hash]cachedExecution),
		inFlight: make(map[common.Hash]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// ExecutionKey identifies a signed request under a domain.
// Any change to the request, the signature or the domain changes the key.
func ExecutionKey(domainSeparator common.Hash, req ForwardRequest, sig []byte) (common.Hash, error) {
	digest, err := evm.ForwardRequestDigest(domainSeparator, req)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(digest.Bytes(), sig), nil
}

// Do returns the cached result for key, waits for an in-flight execution of
// the same key, or runs fn and caches its result on success.
func (c *ExecutionCache) Do(ctx context.Context, key common.Hash, fn func() (*ExecuteResult, error)) (*ExecuteResult, bool, error) {
	for {
		c.mu.Lock()
		if entry, ok := c.entries[key]; ok {
			if c.now().Before(entry.expiry) {
				c.mu.Unlock()
				return entry.result, true, nil
			}
			delete(c.entries, key)
		}
		done, busy := c.inFlight[key]
		if !busy {
			done = make(chan struct{})
			c.inFlight[key] = done
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()

		select {
		case <-done:
			// the other execution finished; take its result or run again
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	result, err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && result != nil {
		c.entries[key] = cachedExecution{result: result, expiry: c.now().Add(c.ttl)}
	}
	close(c.inFlight[key])
	delete(c.inFlight, key)
	c.cleanupExpiredLocked()
	return result, false, err
}

// Get returns a live cached result
func (c *ExecutionCache) Get(key common.Hash) (*ExecuteResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || !c.now().Before(entry.expiry) {
		return nil, false
	}
	return entry.result, true
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *ExecutionCache) cleanupExpiredLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if !now.Before(entry.expiry) {
			delete(c.entries, key)
		}
	}
}
