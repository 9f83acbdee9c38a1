package queue

import (
	"fmt"
	"sync"

	"aicpusched/internal/bufpool"
)

// MemoryDriver is an in-process Driver backed by per-queue FIFOs.
type MemoryDriver struct {
	mu       sync.Mutex
	depth    int
	attached map[uint32]bool
	queues   map[uint32][]bufpool.Mbuf
}

// NewMemoryDriver creates a driver; depth <= 0 means unbounded queues.
func NewMemoryDriver(depth int) *MemoryDriver {
	return &MemoryDriver{
		depth:    depth,
		attached: make(map[uint32]bool),
		queues:   make(map[uint32][]bufpool.Mbuf),
	}
}

func (d *MemoryDriver) Attach(queueID uint32) error {
	d.mu.Lock()
	d.attached[queueID] = true
	d.mu.Unlock()
	return nil
}

func (d *MemoryDriver) Detach(queueID uint32) error {
	d.mu.Lock()
	delete(d.attached, queueID)
	d.mu.Unlock()
	return nil
}

func (d *MemoryDriver) Enqueue(queueID uint32, m bufpool.Mbuf) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[queueID]
	if d.depth > 0 && len(q) >= d.depth {
		return fmt.Errorf("%w: queue %d", ErrFull, queueID)
	}
	d.queues[queueID] = append(q, m)
	return nil
}

func (d *MemoryDriver) Dequeue(queueID uint32) (bufpool.Mbuf, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.attached[queueID] {
		return bufpool.Nil, fmt.Errorf("%w: queue %d", ErrNotAttached, queueID)
	}
	q := d.queues[queueID]
	if len(q) == 0 {
		return bufpool.Nil, ErrEmpty
	}
	m := q[0]
	d.queues[queueID] = q[1:]
	return m, nil
}

// Len reports the number of pending buffers on queueID.
func (d *MemoryDriver) Len(queueID uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[queueID])
}

// Attached reports whether queueID is attached.
func (d *MemoryDriver) Attached(queueID uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached[queueID]
}
