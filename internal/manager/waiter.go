package manager

import (
	"sync"

	"aicpusched/internal/model"
)

type parked struct {
	modelID  uint32
	streamID uint32
}

// waitList implements kernel.Waiter. A parked stream is recovered once,
// by the first queue or table it waits on that is notified.
type waitList struct {
	mu     sync.Mutex
	epoch  uint64
	queues map[uint32]map[parked]struct{}
	tables map[uint32]map[parked]struct{}

	recover func(parked)
}

func newWaitList(recover func(parked)) *waitList {
	return &waitList{
		queues:  make(map[uint32]map[parked]struct{}),
		tables:  make(map[uint32]map[parked]struct{}),
		recover: recover,
	}
}

func (w *waitList) Epoch() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.epoch
}

func (w *waitList) WaitQueues(modelID, streamID uint32, queueIDs []uint32, epoch uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if epoch != w.epoch {
		return false
	}
	p := parked{modelID, streamID}
	for _, id := range queueIDs {
		addParked(w.queues, id, p)
	}
	parkedStreams.Set(float64(w.lenLocked()))
	return true
}

func (w *waitList) WaitTable(modelID, streamID, tableID uint32, epoch uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if epoch != w.epoch {
		return false
	}
	addParked(w.tables, tableID, parked{modelID, streamID})
	parkedStreams.Set(float64(w.lenLocked()))
	return true
}

// Notify recovers the streams waiting on queueIDs.
func (w *waitList) Notify(queueIDs ...uint32) {
	w.mu.Lock()
	w.epoch++
	var ready []parked
	for _, id := range queueIDs {
		for p := range w.queues[id] {
			ready = append(ready, p)
			w.removeLocked(p)
		}
	}
	parkedStreams.Set(float64(w.lenLocked()))
	w.mu.Unlock()
	for _, p := range ready {
		w.recover(p)
	}
}

func (w *waitList) notifyTable(tableID uint32) {
	w.mu.Lock()
	w.epoch++
	var ready []parked
	for p := range w.tables[tableID] {
		ready = append(ready, p)
		w.removeLocked(p)
	}
	parkedStreams.Set(float64(w.lenLocked()))
	w.mu.Unlock()
	for _, p := range ready {
		w.recover(p)
	}
}

// recoverAll wakes every parked stream.
func (w *waitList) recoverAll() {
	w.mu.Lock()
	w.epoch++
	seen := make(map[parked]struct{})
	for _, set := range []map[uint32]map[parked]struct{}{w.queues, w.tables} {
		for _, ps := range set {
			for p := range ps {
				seen[p] = struct{}{}
			}
		}
	}
	w.queues = make(map[uint32]map[parked]struct{})
	w.tables = make(map[uint32]map[parked]struct{})
	parkedStreams.Set(0)
	w.mu.Unlock()
	for p := range seen {
		w.recover(p)
	}
}

// forget drops every wait of modelID without recovering it.
func (w *waitList) forget(modelID uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, set := range []map[uint32]map[parked]struct{}{w.queues, w.tables} {
		for id, ps := range set {
			for p := range ps {
				if p.modelID == modelID {
					delete(ps, p)
				}
			}
			if len(ps) == 0 {
				delete(set, id)
			}
		}
	}
	parkedStreams.Set(float64(w.lenLocked()))
}

func (w *waitList) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lenLocked()
}

func (w *waitList) lenLocked() int {
	seen := make(map[parked]struct{})
	for _, set := range []map[uint32]map[parked]struct{}{w.queues, w.tables} {
		for _, ps := range set {
			for p := range ps {
				seen[p] = struct{}{}
			}
		}
	}
	return len(seen)
}

func (w *waitList) removeLocked(p parked) {
	for _, set := range []map[uint32]map[parked]struct{}{w.queues, w.tables} {
		for id, ps := range set {
			delete(ps, p)
			if len(ps) == 0 {
				delete(set, id)
			}
		}
	}
}

func addParked(set map[uint32]map[parked]struct{}, id uint32, p parked) {
	ps, ok := set[id]
	if !ok {
		ps = make(map[parked]struct{})
		set[id] = ps
	}
	ps[p] = struct{}{}
}

// recoverParked queues a RecoverStream event for p.
func (m *Manager) recoverParked(p parked) {
	m.disp.Publish(model.Event{
		Name:    model.EventRecoverStream,
		ModelID: p.modelID,
		Fields:  map[string]any{"stream_id": p.streamID},
	})
}
