package bufpool

import (
	"fmt"
	"sync"
)

// Registry owns every pool in the process and routes Free to the owning pool,
// the way the driver-level free routine does for device buffers.
type Registry struct {
	mu     sync.RWMutex
	nextID uint32
	pools  map[uint32]*Pool
}

func NewRegistry() *Registry {
	return &Registry{nextID: 1, pools: make(map[uint32]*Pool)}
}

// NewPool creates and registers a pool with a fresh id.
func (r *Registry) NewPool(blockNum int, blockSize uint64) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := NewPool(r.nextID, blockNum, blockSize)
	if err != nil {
		return nil, err
	}
	r.pools[p.id] = p
	r.nextID++
	return p, nil
}

// Remove unregisters a pool. Outstanding handles become invalid.
func (r *Registry) Remove(p *Pool) {
	if p == nil {
		return
	}
	r.mu.Lock()
	delete(r.pools, p.id)
	r.mu.Unlock()
}

// Get looks a pool up by id.
func (r *Registry) Get(id uint32) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[id]
	return p, ok
}

// Free implements Releaser.
func (r *Registry) Free(m Mbuf) error {
	if m.IsNil() {
		return fmt.Errorf("%w: %s", ErrInvalidMbuf, m)
	}
	p, ok := r.Get(m.PoolID())
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPool, m.PoolID())
	}
	return p.Free(m)
}

// Data fetches the payload of m from its owning pool.
func (r *Registry) Data(m Mbuf) []byte {
	p, ok := r.Get(m.PoolID())
	if !ok {
		return nil
	}
	return p.Data(m)
}
