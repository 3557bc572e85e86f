// Package semaphore implements keyed counting semaphores over the
// orchestrator's concurrency resource classes, using buffered channels
// of tokens.
package semaphore

import (
	"context"
	"sync"
)

// sem is a single counting semaphore backed by a buffered channel of
// tokens.
type sem chan struct{}

func newSem(n int) sem {
	if n < 1 {
		n = 1
	}
	s := make(sem, n)
	for i := 0; i < n; i++ {
		s <- struct{}{}
	}
	return s
}

func (s sem) acquire(ctx context.Context) error {
	select {
	case <-s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s sem) release() {
	s <- struct{}{}
}

// Registry owns a fixed set of named semaphores, created once from a
// resource-class -> capacity map (the plan's effective concurrency
// caps), and resolved per-host on demand for the per_esxi_host
// class. The semaphore tokens themselves provide the concurrency limit;
// mu only protects the bookkeeping map of which keyed semaphores exist,
// since multiple VM pipelines may request a brand-new per-host
// semaphore at the same instant.
type Registry struct {
	mu   sync.Mutex
	caps map[string]int
	sems map[string]sem
}

// New builds a Registry from the resource-class capacity map. Per-host
// semaphores are created lazily in AcquireHost, since the
// set of ESXi hosts isn't known until the inventory is read.
func New(caps map[string]int) *Registry {
	r := &Registry{caps: caps, sems: make(map[string]sem)}
	for class, n := range caps {
		r.sems[class] = newSem(n)
	}
	return r
}

func (r *Registry) get(class string) sem {
	r.mu.Lock()
	s, ok := r.sems[class]
	if !ok {
		s = newSem(1)
		r.sems[class] = s
	}
	r.mu.Unlock()
	return s
}

// Acquire blocks until a token for class is available or ctx is done.
func (r *Registry) Acquire(ctx context.Context, class string) error {
	return r.get(class).acquire(ctx)
}

// Release returns a token for class.
func (r *Registry) Release(class string) {
	r.get(class).release()
}

// AcquireHost blocks until a per-ESXi-host token is available for host,
// using the host-specific cap when the plan overrides it via
// "per_esxi_host:{host}".
func (r *Registry) AcquireHost(ctx context.Context, host string, capFor func(host string) int) error {
	key := "per_esxi_host:" + host
	r.mu.Lock()
	s, ok := r.sems[key]
	if !ok {
		s = newSem(capFor(host))
		r.sems[key] = s
	}
	r.mu.Unlock()
	return s.acquire(ctx)
}

// ReleaseHost returns a per-ESXi-host token for host.
func (r *Registry) ReleaseHost(host string) {
	key := "per_esxi_host:" + host
	r.mu.Lock()
	s, ok := r.sems[key]
	r.mu.Unlock()
	if ok {
		s.release()
	}
}

// Acquisition order is fixed to avoid deadlock across stages that need
// more than one class at once.
var AcquisitionOrder = []string{"global", "per_esxi_host", "disk_io", "s3_upload", "scw_api"}
