package upload

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescale/safedrop/internal/storage"
)

// memClient is an in-memory storage.Client for orchestrator tests.
type memClient struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]map[string]string
	probes   map[string]int
	writes   []string

	probeErr   map[string]error
	writeErr   map[string]error
	writeDelay time.Duration
	// block, when set, makes Write wait for ctx or for the channel to close.
	block chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newMemClient(existing ...string) *memClient {
	c := &memClient{
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
		probes:   make(map[string]int),
		probeErr: make(map[string]error),
		writeErr: make(map[string]error),
	}
	for _, k := range existing {
		c.objects[k] = []byte("old")
	}
	return c
}

func (c *memClient) Kind() string { return "memory" }

func (c *memClient) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[key]++
	if err := c.probeErr[key]; err != nil {
		return false, err
	}
	_, ok := c.objects[key]
	return ok, nil
}

func (c *memClient) Write(ctx context.Context, obj storage.Object, progress storage.ProgressFunc) (*storage.WriteResult, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		m := c.maxInFlight.Load()
		if n <= m || c.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, &storage.WriteError{Key: obj.Key, Err: ctx.Err()}
		}
	}
	if c.writeDelay > 0 {
		time.Sleep(c.writeDelay)
	}

	c.mu.Lock()
	err := c.writeErr[obj.Key]
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, &storage.WriteError{Key: obj.Key, Err: err}
	}
	if progress != nil {
		progress(50)
		progress(100)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[obj.Key] = data
	c.metadata[obj.Key] = obj.Metadata
	c.writes = append(c.writes, obj.Key)
	return &storage.WriteResult{Key: obj.Key, Size: int64(len(data)), StoredAt: time.Now()}, nil
}

func (c *memClient) content(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.objects[key])
}

func (c *memClient) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func files(names ...string) []FileItem {
	out := make([]FileItem, len(names))
	for i, n := range names {
		out[i] = FileFromBytes(n, []byte("new:"+n), "text/plain")
	}
	return out
}

func accept(names ...string) Resolver {
	return ResolverFunc(func(context.Context, []string) ([]string, error) {
		return names, nil
	})
}

func statuses(res *Result) []Status {
	out := make([]Status, len(res.Files))
	for i, e := range res.Files {
		out[i] = e.Status
	}
	return out
}
