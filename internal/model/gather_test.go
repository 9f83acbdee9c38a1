package model

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aicpusched/internal/bufpool"
)

type gatherFixture struct {
	pool  *bufpool.Pool
	exc   *ExceptionTable
	g     *GatherTable
	clock int64
}

func newGatherFixture(t *testing.T) *gatherFixture {
	t.Helper()
	reg := bufpool.NewRegistry()
	pool, err := reg.NewPool(64, 16)
	require.NoError(t, err)
	f := &gatherFixture{pool: pool, exc: NewExceptionTable(zerolog.Nop()), clock: 1}
	f.g = NewGatherTable(7, reg, f.exc, zerolog.Nop())
	f.g.SetClock(func() int64 { return f.clock })
	return f
}

func (f *gatherFixture) alloc(t *testing.T) bufpool.Mbuf {
	t.Helper()
	m, err := f.pool.Alloc()
	require.NoError(t, err)
	return m
}

func (f *gatherFixture) tick(d time.Duration) { f.clock += int64(d) }

func TestGatherTwoQueueScenario(t *testing.T) {
	f := newGatherFixture(t)
	bufA, bufB := f.alloc(t), f.alloc(t)

	require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(1, 0, 0, bufA, 2))
	res, _ := f.g.SelectGatheredMbuf(0, 0)
	assert.Equal(t, UnSelected, res)

	require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(1, 0, 1, bufB, 2))
	res, rec := f.g.SelectGatheredMbuf(0, 0)
	require.Equal(t, Selected, res)
	assert.Equal(t, GatherKey{TransID: 1, RouteLabel: 0}, rec.Key)
	assert.Equal(t, []bufpool.Mbuf{bufA, bufB}, rec.Mbufs)
	assert.False(t, f.g.Has(1, 0))
	assert.Equal(t, 0, f.g.Len())
	// ownership moved to the caller, the table freed nothing
	assert.Equal(t, 2, f.pool.InUse())
}

func TestGatherNeverSelectsIncomplete(t *testing.T) {
	f := newGatherFixture(t)
	for trans := uint64(0); trans < 5; trans++ {
		require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(trans, 0, 0, f.alloc(t), 3))
		require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(trans, 0, 2, f.alloc(t), 3))
	}
	res, _ := f.g.SelectGatheredMbuf(0, 0)
	assert.Equal(t, UnSelected, res)
	assert.Equal(t, 5, f.g.Len())
}

func TestGatherRouteLabelsAreSeparateKeys(t *testing.T) {
	f := newGatherFixture(t)
	require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(1, 0, 0, f.alloc(t), 2))
	require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(1, 1, 1, f.alloc(t), 2))
	res, _ := f.g.SelectGatheredMbuf(0, 0)
	assert.Equal(t, UnSelected, res)
	assert.Equal(t, 2, f.g.Len())
}

func TestGatherSelectsOldestReadyFirst(t *testing.T) {
	f := newGatherFixture(t)
	require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(9, 0, 0, f.alloc(t), 1))
	f.tick(time.Millisecond)
	require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(3, 0, 0, f.alloc(t), 1))

	_, rec := f.g.SelectGatheredMbuf(0, 0)
	assert.Equal(t, uint64(9), rec.Key.TransID)
	_, rec = f.g.SelectGatheredMbuf(0, 0)
	assert.Equal(t, uint64(3), rec.Key.TransID)
}

func TestGatherKeepsStoreWithQueuedBuffers(t *testing.T) {
	f := newGatherFixture(t)
	first, second := f.alloc(t), f.alloc(t)
	require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(1, 0, 0, first, 1))
	require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(1, 0, 0, second, 1))

	res, rec := f.g.SelectGatheredMbuf(0, 0)
	require.Equal(t, Selected, res)
	assert.Equal(t, []bufpool.Mbuf{first}, rec.Mbufs)
	assert.True(t, f.g.Has(1, 0))

	res, rec = f.g.SelectGatheredMbuf(0, 0)
	require.Equal(t, Selected, res)
	assert.Equal(t, []bufpool.Mbuf{second}, rec.Mbufs)
	assert.False(t, f.g.Has(1, 0))
}

func TestGatherCacheNumEvictsOldest(t *testing.T) {
	f := newGatherFixture(t)
	for trans := uint64(1); trans <= 3; trans++ {
		require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(trans, 0, 0, f.alloc(t), 2))
		f.tick(time.Millisecond)
	}
	// at the limit nothing is evicted
	res, _ := f.g.SelectGatheredMbuf(0, 3)
	assert.Equal(t, UnSelected, res)

	require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(4, 0, 0, f.alloc(t), 2))
	res, rec := f.g.SelectGatheredMbuf(0, 3)
	require.Equal(t, FakeSelected, res)
	assert.Equal(t, uint64(1), rec.Key.TransID)
	require.Len(t, rec.Mbufs, 2)
	assert.False(t, rec.Mbufs[0].IsNil())
	assert.True(t, rec.Mbufs[1].IsNil())
	assert.Equal(t, 3, f.g.Len())
}

func TestGatherTimeoutEvictsStalePartial(t *testing.T) {
	f := newGatherFixture(t)
	require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(5, 2, 1, f.alloc(t), 2))
	f.tick(5 * time.Millisecond)
	res, _ := f.g.SelectGatheredMbuf(10, 0)
	assert.Equal(t, UnSelected, res)

	f.tick(6 * time.Millisecond)
	res, rec := f.g.SelectGatheredMbuf(10, 0)
	require.Equal(t, FakeSelected, res)
	assert.Equal(t, GatherKey{TransID: 5, RouteLabel: 2}, rec.Key)
	assert.Equal(t, 0, f.g.Len())
}

func TestGatherClearIsIdempotent(t *testing.T) {
	f := newGatherFixture(t)
	for trans := uint64(0); trans < 4; trans++ {
		require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(trans, 0, 0, f.alloc(t), 2))
	}
	assert.Equal(t, 4, f.g.ClearGatheredMbuf())
	assert.Equal(t, 0, f.g.Len())
	assert.Equal(t, 0, f.pool.InUse())

	assert.Equal(t, 0, f.g.ClearGatheredMbuf())
	assert.Equal(t, 0, f.g.Len())
	assert.Equal(t, 0, f.pool.InUse())
}

func TestGatherStickyException(t *testing.T) {
	f := newGatherFixture(t)
	keep := f.alloc(t)
	require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(8, 0, 0, keep, 2))
	_, ok := f.exc.Process(8, ExceptionAdd)
	require.True(t, ok)

	m := f.alloc(t)
	assert.Equal(t, StoreAbort, f.g.StoreDequedMbuf(8, 0, 1, m, 2))

	// select clears the partial store and confirms the exception
	res, _ := f.g.SelectGatheredMbuf(0, 0)
	assert.Equal(t, UnSelected, res)
	assert.False(t, f.g.Has(8, 0))
	assert.Empty(t, f.exc.ToClear())
	assert.Equal(t, 0, f.pool.InUse())

	// still excepted after confirm
	assert.Equal(t, StoreAbort, f.g.StoreDequedMbuf(8, 0, 0, f.alloc(t), 2))

	_, _ = f.exc.Process(8, ExceptionExpire)
	assert.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(8, 0, 0, f.alloc(t), 2))
}

func TestGatherAbortWithTransactionsInFlight(t *testing.T) {
	f := newGatherFixture(t)
	for trans := uint64(1); trans <= 3; trans++ {
		require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(trans, 0, 0, f.alloc(t), 2))
	}
	f.g.Close()
	assert.Equal(t, 3, f.g.ClearGatheredMbuf())
	assert.Equal(t, 0, f.g.Len())
	for trans := uint64(1); trans <= 3; trans++ {
		assert.Equal(t, StoreAbort, f.g.StoreDequedMbuf(trans, 0, 1, f.alloc(t), 2))
	}
	assert.Equal(t, 0, f.pool.InUse())
	res, _ := f.g.SelectGatheredMbuf(0, 1)
	assert.Equal(t, UnSelected, res)
}

func TestGatherStoreFailures(t *testing.T) {
	f := newGatherFixture(t)
	m := f.alloc(t)
	assert.Equal(t, StoreFail, f.g.StoreDequedMbuf(1, 0, 0, m, 0))
	assert.Equal(t, StoreFail, f.g.StoreDequedMbuf(1, 0, 3, m, 2))
	assert.Equal(t, StoreFail, f.g.StoreDequedMbuf(1, 0, 0, bufpool.Nil, 2))
	assert.Equal(t, 0, f.g.Len())
	// the caller still owns the buffer
	assert.Equal(t, 1, f.pool.InUse())
}

func TestGetCurDequeIndex(t *testing.T) {
	f := newGatherFixture(t)
	assert.Equal(t, 0, f.g.GetCurDequeIndex(3))
	require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(1, 0, 0, f.alloc(t), 3))
	require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(2, 0, 0, f.alloc(t), 3))
	require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(1, 0, 2, f.alloc(t), 3))
	assert.Equal(t, 1, f.g.GetCurDequeIndex(3))
	require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(1, 0, 1, f.alloc(t), 3))
	assert.Equal(t, 1, f.g.GetCurDequeIndex(3))
	assert.Equal(t, uint64(2), f.g.Buffered(0))
}

func TestGatherAwaitWakesOnReady(t *testing.T) {
	f := newGatherFixture(t)
	done := make(chan GatherResult, 1)
	go func() {
		res, _, err := f.g.Await(context.Background(), 0, 0, time.Second)
		if err != nil {
			res = UnSelected
		}
		done <- res
	}()
	require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(1, 0, 0, f.alloc(t), 1))
	select {
	case res := <-done:
		assert.Equal(t, Selected, res)
	case <-time.After(2 * time.Second):
		t.Fatal("await did not return")
	}
}

func TestGatherAwaitHonoursContext(t *testing.T) {
	f := newGatherFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, _, err := f.g.Await(ctx, 0, 0, 5*time.Millisecond)
	assert.Equal(t, UnSelected, res)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGatherStoreRacingCloseIsDiscarded(t *testing.T) {
	f := newGatherFixture(t)
	mb := f.alloc(t)

	// park the store on the exception lookup, past the first closing check
	f.exc.mu.Lock()
	result := make(chan StoreResult, 1)
	go func() { result <- f.g.StoreDequedMbuf(1, 0, 0, mb, 2) }()
	time.Sleep(10 * time.Millisecond)

	f.g.Close()
	assert.Zero(t, f.g.ClearGatheredMbuf())
	f.exc.mu.Unlock()

	assert.Equal(t, StoreAbort, <-result)
	assert.Equal(t, 0, f.g.Len())
	assert.Equal(t, 0, f.pool.InUse())
}

func TestGatherHugeTimeoutNeverEvicts(t *testing.T) {
	f := newGatherFixture(t)
	require.Equal(t, StoreSuccess, f.g.StoreDequedMbuf(1, 0, 0, f.alloc(t), 2))
	f.tick(time.Hour)

	res, _ := f.g.SelectGatheredMbuf(math.MaxInt64, 0)
	assert.Equal(t, UnSelected, res)
	res, _ = f.g.SelectGatheredMbuf(maxGatherTimeoutMs, 0)
	assert.Equal(t, UnSelected, res)
	assert.Equal(t, 1, f.g.Len())

	res, rec := f.g.SelectGatheredMbuf(1, 0)
	assert.Equal(t, FakeSelected, res)
	assert.Len(t, rec.Mbufs, 2)
}
