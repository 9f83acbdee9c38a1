// Package queue declares the hardware queue collaborator. Queues carry Mbuf
// handles between producers and the scheduler; the scheduler only attaches,
// drains and (for tests and host deployments) enqueues.
package queue

import (
	"errors"

	"aicpusched/internal/bufpool"
)

var (
	ErrEmpty       = errors.New("queue empty")
	ErrFull        = errors.New("queue full")
	ErrNotAttached = errors.New("queue not attached")
)

// Driver is the queue subsystem seen from the scheduler.
type Driver interface {
	Attach(queueID uint32) error
	Detach(queueID uint32) error
	Enqueue(queueID uint32, m bufpool.Mbuf) error
	// Dequeue returns ErrEmpty when nothing is pending.
	Dequeue(queueID uint32) (bufpool.Mbuf, error)
}

// Drain dequeues until queueID is empty, handing each buffer to release.
// It returns the number of buffers drained.
func Drain(d Driver, queueID uint32, release func(bufpool.Mbuf)) (int, error) {
	n := 0
	for {
		m, err := d.Dequeue(queueID)
		if errors.Is(err, ErrEmpty) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if !m.IsNil() {
			release(m)
		}
		n++
	}
}
