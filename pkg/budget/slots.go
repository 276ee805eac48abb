package budget

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// slotPool bounds concurrently running auto-loops per tenant
type slotPool struct {
	mu    sync.Mutex
	pools map[string]*tenantSlots
}

type tenantSlots struct {
	size int64
	sem  *semaphore.Weighted
}

func newSlotPool() *slotPool {
	return &slotPool{pools: make(map[string]*tenantSlots)}
}

// tryAcquire takes one slot without blocking.
// A changed size starts a fresh pool; slots still held from the previous
// pool are released into it and do not count against the new size.
func (p *slotPool) tryAcquire(tenantID string, size int64) (func(), bool) {
	if size <= 0 {
		return nil, false
	}

	p.mu.Lock()
	ts, ok := p.pools[tenantID]
	if !ok || ts.size != size {
		ts = &tenantSlots{size: size, sem: semaphore.NewWeighted(size)}
		p.pools[tenantID] = ts
	}
	p.mu.Unlock()

	if !ts.sem.TryAcquire(1) {
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() { ts.sem.Release(1) })
	}, true
}
