package model

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ExceptionAction is the type argument of ProcessDataException.
type ExceptionAction uint32

const (
	ExceptionAdd ExceptionAction = iota
	ExceptionExpire
)

// ExceptionTable tracks transactions whose data must be discarded. An entry
// is false until its buffered data has been cleared and confirmed, true
// afterwards, and disappears only when the transaction is expired.
type ExceptionTable struct {
	mu      sync.Mutex
	entries map[uint64]bool
	log     zerolog.Logger
}

func NewExceptionTable(log zerolog.Logger) *ExceptionTable {
	return &ExceptionTable{entries: make(map[uint64]bool), log: log}
}

// Process applies action to transID. added is true when a new exception was
// recorded by this call.
func (t *ExceptionTable) Process(transID uint64, action ExceptionAction) (added bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch action {
	case ExceptionAdd:
		if _, exists := t.entries[transID]; exists {
			t.log.Warn().Uint64("trans_id", transID).Msg("trans id already in exception list")
			return false, true
		}
		t.entries[transID] = false
		return true, true
	case ExceptionExpire:
		if _, exists := t.entries[transID]; !exists {
			t.log.Warn().Uint64("trans_id", transID).Msg("trans id not in exception list, no need to expire")
			return false, true
		}
		delete(t.entries, transID)
		return false, true
	default:
		return false, false
	}
}

// IsException reports whether transID is currently excepted.
func (t *ExceptionTable) IsException(transID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[transID]
	return ok
}

// ToClear snapshots excepted transactions whose data has not yet been
// cleared. Nothing changes until Confirm is called with the ids acted on.
func (t *ExceptionTable) ToClear() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []uint64
	for id, cleared := range t.entries {
		if !cleared {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Confirm marks ids as cleared. Ids expired meanwhile are ignored.
func (t *ExceptionTable) Confirm(ids []uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if _, ok := t.entries[id]; ok {
			t.entries[id] = true
		}
	}
}

// Len is the number of tracked exceptions.
func (t *ExceptionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Reset forgets every exception.
func (t *ExceptionTable) Reset() {
	t.mu.Lock()
	t.entries = make(map[uint64]bool)
	t.mu.Unlock()
}
