package expr

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/cel-go/cel"
)

type programCache interface {
	Get(expression string) (cel.Program, bool)
	Set(expression string, prog cel.Program)
}

type ristrettoCache struct {
	cache *ristretto.Cache[string, cel.Program]
}

func newRistrettoCache() (*ristrettoCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, cel.Program]{
		NumCounters: cacheNumCounters,
		MaxCost:     cacheMaxCost,
		BufferItems: cacheBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create program cache: %w", err)
	}
	return &ristrettoCache{cache: cache}, nil
}

func (c *ristrettoCache) Get(expression string) (cel.Program, bool) {
	return c.cache.Get(expression)
}

func (c *ristrettoCache) Set(expression string, prog cel.Program) {
	c.cache.Set(expression, prog, compiledEntryCost)
}

// mapCache is a locked map without eviction; used where background cache
// goroutines are not allowed.
type mapCache struct {
	mu       sync.Mutex
	programs map[string]cel.Program
}

func newMapCache() *mapCache {
	return &mapCache{programs: map[string]cel.Program{}}
}

func (c *mapCache) Get(expression string) (cel.Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prog, ok := c.programs[expression]
	return prog, ok
}

func (c *mapCache) Set(expression string, prog cel.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.programs[expression] = prog
}
