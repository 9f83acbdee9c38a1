package model

import (
	"aicpusched/internal/bufpool"
)

// QueueMbufStore joins the buffers of one gather key: one FIFO per input
// queue slot plus the time the first buffer arrived.
type QueueMbufStore struct {
	birth  int64
	queues [][]bufpool.Mbuf
}

// Init sizes the store for queueNum slots. Re-initialising an already sized
// store is a no-op so the first delivery fixes the slot count and birth time.
func (s *QueueMbufStore) Init(queueNum int, now int64) bool {
	if len(s.queues) != 0 {
		return true
	}
	if queueNum <= 0 {
		return false
	}
	s.queues = make([][]bufpool.Mbuf, queueNum)
	s.birth = now
	return true
}

// Birth is the creation timestamp in nanoseconds.
func (s *QueueMbufStore) Birth() int64 { return s.birth }

// Slots is the configured slot count.
func (s *QueueMbufStore) Slots() int { return len(s.queues) }

// Store appends m to slot qIndex.
func (s *QueueMbufStore) Store(qIndex int, m bufpool.Mbuf, counts map[int]uint64) bool {
	if len(s.queues) == 0 || qIndex < 0 || qIndex >= len(s.queues) {
		return false
	}
	s.queues[qIndex] = append(s.queues[qIndex], m)
	counts[qIndex]++
	return true
}

// IsReady reports whether every slot holds at least one buffer.
func (s *QueueMbufStore) IsReady() bool {
	if len(s.queues) == 0 {
		return false
	}
	for _, q := range s.queues {
		if len(q) == 0 {
			return false
		}
	}
	return true
}

// IsEmpty reports whether no slot holds a buffer.
func (s *QueueMbufStore) IsEmpty() bool {
	for _, q := range s.queues {
		if len(q) != 0 {
			return false
		}
	}
	return true
}

// Consume detaches the head buffer of every slot. Empty slots yield Nil.
func (s *QueueMbufStore) Consume(counts map[int]uint64) ([]bufpool.Mbuf, bool) {
	if len(s.queues) == 0 {
		return nil, false
	}
	out := make([]bufpool.Mbuf, len(s.queues))
	for i, q := range s.queues {
		if len(q) == 0 {
			out[i] = bufpool.Nil
			continue
		}
		out[i] = q[0]
		q[0] = bufpool.Nil
		s.queues[i] = q[1:]
		if counts[i] > 0 {
			counts[i]--
		}
	}
	return out, true
}

// Drain detaches every buffer so the caller can return them to their pools.
func (s *QueueMbufStore) Drain(counts map[int]uint64) []bufpool.Mbuf {
	var out []bufpool.Mbuf
	for i, q := range s.queues {
		for _, m := range q {
			if !m.IsNil() {
				out = append(out, m)
			}
			if counts != nil && counts[i] > 0 {
				counts[i]--
			}
		}
		s.queues[i] = nil
	}
	return out
}
