package server

import (
	"sort"
	"sync"

	"github.com/rescale/safedrop/internal/upload"
)

// registry holds the batches submitted through the API for the lifetime
// of the process.
type registry struct {
	mu      sync.RWMutex
	batches map[string]*upload.Batch
	running sync.WaitGroup
}

func newRegistry() *registry {
	return &registry{batches: make(map[string]*upload.Batch)}
}

func (r *registry) add(b *upload.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[b.ID()] = b
}

func (r *registry) get(id string) (*upload.Batch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.batches[id]
	return b, ok
}

// remove deletes a finished batch. It reports false if id is unknown or
// still running.
func (r *registry) remove(id string) (found, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return false, false
	}
	select {
	case <-b.Done():
		delete(r.batches, id)
		return true, true
	default:
		return true, false
	}
}

// list returns batches newest first.
func (r *registry) list() []*upload.Batch {
	r.mu.RLock()
	out := make([]*upload.Batch, 0, len(r.batches))
	for _, b := range r.batches {
		out = append(out, b)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt().After(out[j].CreatedAt())
	})
	return out
}
