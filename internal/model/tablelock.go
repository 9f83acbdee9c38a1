package model

import (
	"sort"
	"sync"
)

// InvalidTableID means the model is not waiting on any table lock.
const InvalidTableID int64 = -1

// TableUnlocker releases one hold on a shared embedding table lock.
type TableUnlocker interface {
	UnlockTable(tableID uint32)
}

// lockedTables counts the advisory table locks a model holds so they can be
// released if the model is torn down mid-operation.
type lockedTables struct {
	mu      sync.Mutex
	held    map[uint32]uint32
	tryLock int64
}

func newLockedTables() *lockedTables {
	return &lockedTables{held: make(map[uint32]uint32), tryLock: InvalidTableID}
}

// RecordLockedTable notes one more hold on tableID.
func (m *Model) RecordLockedTable(tableID uint32) {
	m.tables.mu.Lock()
	m.tables.held[tableID]++
	m.tables.mu.Unlock()
}

// ClearLockedTable drops one hold on tableID.
func (m *Model) ClearLockedTable(tableID uint32) {
	m.tables.mu.Lock()
	defer m.tables.mu.Unlock()
	n, ok := m.tables.held[tableID]
	if !ok || n == 0 {
		return
	}
	if n == 1 {
		delete(m.tables.held, tableID)
		return
	}
	m.tables.held[tableID] = n - 1
}

func (m *Model) IsTableLocked(tableID uint32) bool {
	m.tables.mu.Lock()
	defer m.tables.mu.Unlock()
	_, ok := m.tables.held[tableID]
	return ok
}

// LockedTables lists the tables the model holds, ascending.
func (m *Model) LockedTables() []uint32 {
	m.tables.mu.Lock()
	defer m.tables.mu.Unlock()
	if len(m.tables.held) == 0 {
		return nil
	}
	ids := make([]uint32, 0, len(m.tables.held))
	for id := range m.tables.held {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SetTableTryLock records the table the model is waiting on.
func (m *Model) SetTableTryLock(tableID int64) {
	m.tables.mu.Lock()
	m.tables.tryLock = tableID
	m.tables.mu.Unlock()
}

func (m *Model) TableTryLock() int64 {
	m.tables.mu.Lock()
	defer m.tables.mu.Unlock()
	return m.tables.tryLock
}

// ClearAllLockedTable releases every hold through the shared lock manager.
func (m *Model) ClearAllLockedTable() {
	m.tables.mu.Lock()
	held := m.tables.held
	try := m.tables.tryLock
	m.tables.held = make(map[uint32]uint32)
	m.tables.tryLock = InvalidTableID
	m.tables.mu.Unlock()

	for id, n := range held {
		m.log.Info().Uint32("model_id", m.id).Uint32("table_id", id).Uint32("times", n).Msg("release locked table")
		if m.deps.TableLocks == nil {
			continue
		}
		for i := uint32(0); i < n; i++ {
			m.deps.TableLocks.UnlockTable(id)
		}
	}
	if try != InvalidTableID {
		m.log.Info().Uint32("model_id", m.id).Int64("table_id", try).Msg("model was trying to lock table")
	}
}
