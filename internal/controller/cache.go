package controller

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"healthwatch/internal/monitor"
)

// serviceCache holds read-only service copies for the execution path.
// Lifecycle hooks invalidate entries; the TTL bounds staleness otherwise.
type serviceCache struct {
	c *ttlcache.Cache[string, monitor.Service]

	// epoch advances on every invalidation; fill only stores a copy loaded
	// within the current epoch.
	mu    sync.Mutex
	epoch uint64
}

func newServiceCache(ttl time.Duration) *serviceCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &serviceCache{
		c: ttlcache.New[string, monitor.Service](
			ttlcache.WithTTL[string, monitor.Service](ttl),
			ttlcache.WithDisableTouchOnHit[string, monitor.Service](),
		),
	}
}

func (sc *serviceCache) get(id string) (monitor.Service, bool) {
	item := sc.c.Get(id)
	if item == nil {
		return monitor.Service{}, false
	}
	return item.Value(), true
}

func (sc *serviceCache) put(svc monitor.Service) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.c.Set(svc.ID, svc, ttlcache.DefaultTTL)
}

// mark returns the epoch to pass to fill after loading from storage.
func (sc *serviceCache) mark() uint64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.epoch
}

// fill caches svc unless an invalidation happened since mark.
func (sc *serviceCache) fill(svc monitor.Service, epoch uint64) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.epoch != epoch {
		return false
	}
	sc.c.Set(svc.ID, svc, ttlcache.DefaultTTL)
	return true
}

func (sc *serviceCache) invalidate(id string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.epoch++
	sc.c.Delete(id)
}

func (sc *serviceCache) len() int { return sc.c.Len() }

func (sc *serviceCache) start() { go sc.c.Start() }

func (sc *serviceCache) stop() { sc.c.Stop() }
