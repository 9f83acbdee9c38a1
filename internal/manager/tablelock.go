package manager

import "sync"

type tableLock struct {
	readers int
	writer  bool
}

// TableLockManager grants shared embedding-table locks: many readers or one
// writer per table. It implements the unlock side models call on teardown.
type TableLockManager struct {
	mu     sync.Mutex
	tables map[uint32]*tableLock

	onUnlock func(tableID uint32)
}

func NewTableLockManager() *TableLockManager {
	return &TableLockManager{tables: make(map[uint32]*tableLock)}
}

// TryLock takes a read or write hold on tableID without blocking.
func (l *TableLockManager) TryLock(tableID uint32, write bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tables[tableID]
	if !ok {
		t = &tableLock{}
		l.tables[tableID] = t
	}
	if t.writer || (write && t.readers > 0) {
		return false
	}
	if write {
		t.writer = true
	} else {
		t.readers++
	}
	return true
}

// UnlockTable drops one hold: the writer if there is one, else a reader.
func (l *TableLockManager) UnlockTable(tableID uint32) {
	l.mu.Lock()
	t, ok := l.tables[tableID]
	if !ok {
		l.mu.Unlock()
		return
	}
	switch {
	case t.writer:
		t.writer = false
	case t.readers > 0:
		t.readers--
	}
	if !t.writer && t.readers == 0 {
		delete(l.tables, tableID)
	}
	notify := l.onUnlock
	l.mu.Unlock()
	if notify != nil {
		notify(tableID)
	}
}

// Held reports the holds on tableID.
func (l *TableLockManager) Held(tableID uint32) (readers int, writer bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.tables[tableID]; ok {
		return t.readers, t.writer
	}
	return 0, false
}
