package model

import (
	"context"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"aicpusched/internal/bufpool"
)

// StoreResult is the outcome of StoreDequedMbuf.
type StoreResult int

const (
	StoreSuccess StoreResult = iota
	StoreFail
	StoreAbort
)

func (r StoreResult) String() string {
	switch r {
	case StoreSuccess:
		return "success"
	case StoreFail:
		return "fail"
	case StoreAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// GatherResult is the outcome of SelectGatheredMbuf.
type GatherResult int

const (
	// Selected hands out a complete record.
	Selected GatherResult = iota
	// FakeSelected hands out an incomplete record evicted for capacity or age.
	// Slots that never received a buffer are bufpool.Nil.
	FakeSelected
	UnSelected
)

func (r GatherResult) String() string {
	switch r {
	case Selected:
		return "selected"
	case FakeSelected:
		return "fake_selected"
	case UnSelected:
		return "un_selected"
	default:
		return "unknown"
	}
}

// GatherKey identifies one join group.
type GatherKey struct {
	TransID    uint64
	RouteLabel uint32
}

func (k GatherKey) less(o GatherKey) bool {
	if k.TransID != o.TransID {
		return k.TransID < o.TransID
	}
	return k.RouteLabel < o.RouteLabel
}

// Record is one joined input record, one buffer per slot.
type Record struct {
	Key   GatherKey
	Mbufs []bufpool.Mbuf
}

// GatherTable joins buffers delivered by K independent queues into records
// keyed by GatherKey. Buffers it holds are owned by the table until they are
// handed out by a select or returned to their pool by a clear.
type GatherTable struct {
	mu     sync.Mutex
	stores map[GatherKey]*QueueMbufStore
	counts map[int]uint64

	modelID  uint32
	releaser bufpool.Releaser
	exc      *ExceptionTable
	closing  atomic.Bool
	ready    chan struct{}
	now      func() int64
	log      zerolog.Logger
}

// NewGatherTable builds an empty table. Exceptions are consulted on every
// store and cleared at the start of every select.
func NewGatherTable(modelID uint32, releaser bufpool.Releaser, exc *ExceptionTable, log zerolog.Logger) *GatherTable {
	return &GatherTable{
		stores:   make(map[GatherKey]*QueueMbufStore),
		counts:   make(map[int]uint64),
		modelID:  modelID,
		releaser: releaser,
		exc:      exc,
		ready:    make(chan struct{}, 1),
		now:      func() int64 { return time.Now().UnixNano() },
		log:      log,
	}
}

// SetClock replaces the nanosecond clock used for birth timestamps.
func (g *GatherTable) SetClock(now func() int64) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// Close makes stores abort and selects return UnSelected until Reopen. A
// store already past its first check observes the flag under g.mu.
func (g *GatherTable) Close() {
	g.mu.Lock()
	g.closing.Store(true)
	g.mu.Unlock()
}

func (g *GatherTable) Reopen() { g.closing.Store(false) }

func (g *GatherTable) Closing() bool { return g.closing.Load() }

// StoreDequedMbuf appends m to slot qIndex of the store for
// (transID, routeLabel), creating it with queueCount slots when missing.
// On StoreAbort the buffer has been returned to its pool; on StoreFail the
// caller still owns it.
func (g *GatherTable) StoreDequedMbuf(transID uint64, routeLabel uint32, qIndex int, m bufpool.Mbuf, queueCount int) StoreResult {
	log := g.log.With().Uint32("model_id", g.modelID).Uint64("trans_id", transID).
		Uint32("route_label", routeLabel).Int("q_index", qIndex).Logger()
	if g.closing.Load() {
		log.Info().Msg("discard mbuf, model is tearing down")
		g.free(m)
		gatherStoreTotal.WithLabelValues(StoreAbort.String()).Inc()
		return StoreAbort
	}
	if g.exc != nil && g.exc.IsException(transID) {
		log.Info().Msg("discard mbuf, trans id is exception")
		g.free(m)
		gatherStoreTotal.WithLabelValues(StoreAbort.String()).Inc()
		return StoreAbort
	}
	if m.IsNil() {
		log.Error().Msg("store nil mbuf")
		gatherStoreTotal.WithLabelValues(StoreFail.String()).Inc()
		return StoreFail
	}

	key := GatherKey{TransID: transID, RouteLabel: routeLabel}
	g.mu.Lock()
	if g.closing.Load() {
		g.mu.Unlock()
		log.Info().Msg("discard mbuf, model is tearing down")
		g.free(m)
		gatherStoreTotal.WithLabelValues(StoreAbort.String()).Inc()
		return StoreAbort
	}
	st, existed := g.stores[key]
	if !existed {
		st = &QueueMbufStore{}
	}
	if !st.Init(queueCount, g.now()) || !st.Store(qIndex, m, g.counts) {
		g.mu.Unlock()
		log.Error().Int("queue_count", queueCount).Int("slots", st.Slots()).Msg("failed to store mbuf")
		gatherStoreTotal.WithLabelValues(StoreFail.String()).Inc()
		return StoreFail
	}
	if !existed {
		g.stores[key] = st
	}
	ready := st.IsReady()
	depth := g.counts[qIndex]
	inflight := len(g.stores)
	g.mu.Unlock()

	gatherInflightKeys.WithLabelValues(g.label()).Set(float64(inflight))
	gatherStoreTotal.WithLabelValues(StoreSuccess.String()).Inc()
	log.Debug().Uint64("queue_size", depth).Msg("store mbuf")
	if ready {
		g.notify()
	}
	return StoreSuccess
}

// maxGatherTimeoutMs is the largest timeout whose nanosecond value fits an
// int64. Larger timeouts are clamped to it.
const maxGatherTimeoutMs = math.MaxInt64 / int64(time.Millisecond)

// SelectGatheredMbuf hands out at most one record without blocking. A ready
// store is preferred, oldest first. Failing that, when more than cacheNum
// keys are in flight the oldest partial store is evicted as FakeSelected, and
// when timeOutMs is positive a partial store older than that is evicted the
// same way. A non-positive cacheNum disables the capacity valve.
func (g *GatherTable) SelectGatheredMbuf(timeOutMs int64, cacheNum int) (GatherResult, Record) {
	if g.closing.Load() {
		return g.observeSelect(UnSelected), Record{}
	}
	g.ClearExceptionStore()

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	var (
		readyKey, oldestKey, staleKey GatherKey
		readyBirth, oldestBirth       int64
		staleBirth                    int64
		hasReady, hasOldest, hasStale bool
	)
	if timeOutMs > maxGatherTimeoutMs {
		timeOutMs = maxGatherTimeoutMs
	}
	minBirth := now - timeOutMs*int64(time.Millisecond)
	for key, st := range g.stores {
		b := st.Birth()
		if st.IsReady() {
			if !hasReady || b < readyBirth || (b == readyBirth && key.less(readyKey)) {
				readyKey, readyBirth, hasReady = key, b, true
			}
			continue
		}
		if !hasOldest || b < oldestBirth || (b == oldestBirth && key.less(oldestKey)) {
			oldestKey, oldestBirth, hasOldest = key, b, true
		}
		if timeOutMs > 0 && b < minBirth {
			if !hasStale || b < staleBirth || (b == staleBirth && key.less(staleKey)) {
				staleKey, staleBirth, hasStale = key, b, true
			}
		}
	}

	switch {
	case hasReady:
		return g.observeSelect(Selected), g.consumeLocked(readyKey)
	case hasOldest && cacheNum > 0 && len(g.stores) > cacheNum:
		g.log.Info().Uint32("model_id", g.modelID).Uint64("trans_id", oldestKey.TransID).
			Uint32("route_label", oldestKey.RouteLabel).Int("count", len(g.stores)).
			Int("cache_num", cacheNum).Msg("pass partial record, cache exceeded")
		return g.observeSelect(FakeSelected), g.consumeLocked(oldestKey)
	case hasStale:
		g.log.Info().Uint32("model_id", g.modelID).Uint64("trans_id", staleKey.TransID).
			Uint32("route_label", staleKey.RouteLabel).Int64("timeout_ms", timeOutMs).
			Msg("pass partial record, timed out")
		return g.observeSelect(FakeSelected), g.consumeLocked(staleKey)
	}
	return g.observeSelect(UnSelected), Record{}
}

// Await polls SelectGatheredMbuf until it hands out a record, ctx ends or the
// table closes. Stores of complete records wake it early.
func (g *GatherTable) Await(ctx context.Context, timeOutMs int64, cacheNum int, poll time.Duration) (GatherResult, Record, error) {
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		res, rec := g.SelectGatheredMbuf(timeOutMs, cacheNum)
		if res != UnSelected {
			return res, rec, nil
		}
		if g.closing.Load() {
			return UnSelected, Record{}, nil
		}
		select {
		case <-ctx.Done():
			return UnSelected, Record{}, ctx.Err()
		case <-g.ready:
		case <-t.C:
		}
	}
}

// consumeLocked detaches the head of every slot of key and drops the store
// once it holds nothing.
func (g *GatherTable) consumeLocked(key GatherKey) Record {
	st := g.stores[key]
	mbufs, _ := st.Consume(g.counts)
	if st.IsEmpty() {
		delete(g.stores, key)
	}
	gatherInflightKeys.WithLabelValues(g.label()).Set(float64(len(g.stores)))
	g.log.Info().Uint32("model_id", g.modelID).Uint64("trans_id", key.TransID).
		Uint32("route_label", key.RouteLabel).Msg("record selected")
	return Record{Key: key, Mbufs: mbufs}
}

// ClearDequedMbuf drops the store for key when it holds nothing.
func (g *GatherTable) ClearDequedMbuf(transID uint64, routeLabel uint32) {
	key := GatherKey{TransID: transID, RouteLabel: routeLabel}
	g.mu.Lock()
	if st, ok := g.stores[key]; ok && st.IsEmpty() {
		delete(g.stores, key)
	}
	g.mu.Unlock()
}

// ClearGatheredMbuf returns every buffered mbuf to its pool and empties the
// table. It returns the number of buffers released.
func (g *GatherTable) ClearGatheredMbuf() int {
	g.mu.Lock()
	var freed []bufpool.Mbuf
	for key, st := range g.stores {
		freed = append(freed, st.Drain(nil)...)
		delete(g.stores, key)
	}
	g.counts = make(map[int]uint64)
	g.mu.Unlock()

	gatherInflightKeys.WithLabelValues(g.label()).Set(0)
	for _, m := range freed {
		g.free(m)
	}
	return len(freed)
}

// ClearExceptionStore frees the stores of excepted transactions not yet
// cleared and then confirms them to the exception table.
func (g *GatherTable) ClearExceptionStore() {
	if g.exc == nil {
		return
	}
	ids := g.exc.ToClear()
	if len(ids) == 0 {
		return
	}
	want := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	g.mu.Lock()
	var freed []bufpool.Mbuf
	for key, st := range g.stores {
		if _, ok := want[key.TransID]; !ok {
			continue
		}
		g.log.Info().Uint32("model_id", g.modelID).Uint64("trans_id", key.TransID).
			Uint32("route_label", key.RouteLabel).Msg("clear exception store")
		freed = append(freed, st.Drain(g.counts)...)
		delete(g.stores, key)
	}
	g.mu.Unlock()

	for _, m := range freed {
		g.free(m)
	}
	g.exc.Confirm(ids)
}

// GetCurDequeIndex returns the input index, below qCnt, with the fewest
// buffered mbufs. Ties go to the lowest index.
func (g *GatherTable) GetCurDequeIndex(qCnt int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	best, bestCnt := 0, ^uint64(0)
	for i := 0; i < qCnt; i++ {
		if c := g.counts[i]; c < bestCnt {
			best, bestCnt = i, c
		}
	}
	return best
}

// Len is the number of keys in flight.
func (g *GatherTable) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.stores)
}

// Buffered is the number of mbufs held for input index qIndex.
func (g *GatherTable) Buffered(qIndex int) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[qIndex]
}

// Has reports whether a store exists for the key.
func (g *GatherTable) Has(transID uint64, routeLabel uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.stores[GatherKey{TransID: transID, RouteLabel: routeLabel}]
	return ok
}

func (g *GatherTable) free(m bufpool.Mbuf) {
	if m.IsNil() || g.releaser == nil {
		return
	}
	if err := g.releaser.Free(m); err != nil {
		g.log.Error().Err(err).Uint32("model_id", g.modelID).Str("mbuf", m.String()).Msg("free mbuf failed")
	}
}

func (g *GatherTable) notify() {
	select {
	case g.ready <- struct{}{}:
	default:
	}
}

func (g *GatherTable) observeSelect(r GatherResult) GatherResult {
	gatherSelectTotal.WithLabelValues(r.String()).Inc()
	return r
}

func (g *GatherTable) label() string { return strconv.FormatUint(uint64(g.modelID), 10) }
