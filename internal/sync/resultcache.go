// internal/sync/resultcache.go
package sync

import (
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ResultCache memoizes expensive aggregate results (cart totals,
// checkout validation) keyed by (ownerId, sorted set of item ids).
// Entries have no implicit time limit; they live until the owning
// collection mutates (InvalidateOwner).
//
// Construct once per process and pass by reference; lifecycle is
// owned by the DI container, not module load order.
type ResultCache struct {
	c *gocache.Cache
}

func NewResultCache() *ResultCache {
	return &ResultCache{
		c: gocache.New(gocache.NoExpiration, 10*time.Minute),
	}
}

// ResultKey builds the cache key for an owner and an id set.
// Order of ids does not matter.
func ResultKey(ownerID string, ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return ownerID + "/" + strings.Join(sorted, ",")
}

func (rc *ResultCache) Get(key string) (any, bool) {
	return rc.c.Get(key)
}

func (rc *ResultCache) Set(key string, v any) {
	rc.c.Set(key, v, gocache.NoExpiration)
}

// InvalidateOwner drops every cached result for ownerID.
// Called on any mutation to the owning collection.
func (rc *ResultCache) InvalidateOwner(ownerID string) {
	prefix := ownerID + "/"
	for key := range rc.c.Items() {
		if strings.HasPrefix(key, prefix) {
			rc.c.Delete(key)
		}
	}
}

// Flush drops everything. Used by the container's dispose path.
func (rc *ResultCache) Flush() {
	rc.c.Flush()
}
