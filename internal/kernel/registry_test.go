package kernel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aicpusched/internal/bufpool"
	"aicpusched/internal/hccl"
	"aicpusched/internal/model"
	"aicpusched/internal/queue"
)

type mapResolver map[uint32]*model.Model

func (r mapResolver) Model(id uint32) (*model.Model, bool) {
	m, ok := r[id]
	return m, ok
}

// fakeWaiter accepts every wait unless onWait says otherwise.
type fakeWaiter struct {
	mu       sync.Mutex
	epoch    uint64
	queues   [][]uint32
	tables   []uint32
	notified []uint32
	onWait   func() bool
}

func (w *fakeWaiter) Epoch() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.epoch
}

func (w *fakeWaiter) WaitQueues(_, _ uint32, ids []uint32, _ uint64) bool {
	w.mu.Lock()
	w.queues = append(w.queues, ids)
	fn := w.onWait
	w.onWait = nil
	w.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return true
}

func (w *fakeWaiter) WaitTable(_, _, id uint32, _ uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tables = append(w.tables, id)
	return true
}

func (w *fakeWaiter) Notify(ids ...uint32) {
	w.mu.Lock()
	w.notified = append(w.notified, ids...)
	w.mu.Unlock()
}

type fakeLocker struct {
	mu       sync.Mutex
	busy     map[uint32]bool
	unlocked []uint32
}

func (l *fakeLocker) TryLock(id uint32, _ bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.busy[id]
}

func (l *fakeLocker) UnlockTable(id uint32) {
	l.mu.Lock()
	l.unlocked = append(l.unlocked, id)
	l.mu.Unlock()
}

type kernelFixture struct {
	reg    *Registry
	m      *model.Model
	pools  *bufpool.Registry
	host   *bufpool.Pool
	queues *queue.MemoryDriver
	comm   *hccl.Nop
	pub    *model.MemoryPublisher
	waiter *fakeWaiter
	locks  *fakeLocker
}

// newKernelFixture loads model 1 whose head stream runs kernels, reading
// queues 100 and 101 and writing queue 200.
func newKernelFixture(t *testing.T, kernels ...string) *kernelFixture {
	t.Helper()
	f := &kernelFixture{
		pools:  bufpool.NewRegistry(),
		queues: queue.NewMemoryDriver(32),
		comm:   hccl.NewNop(),
		pub:    model.NewMemoryPublisher(),
		waiter: &fakeWaiter{},
		locks:  &fakeLocker{busy: map[uint32]bool{}},
	}
	var err error
	f.host, err = f.pools.NewPool(16, 64)
	require.NoError(t, err)
	f.reg = New(Options{
		Queues: f.queues,
		Pools:  f.pools,
		Locks:  f.locks,
		Waiter: f.waiter,
		Logger: zerolog.Nop(),
	})
	f.m = model.New(1, model.Deps{
		Executor:   f.reg,
		Pools:      f.pools,
		Queues:     f.queues,
		HCCL:       f.comm,
		Publisher:  f.pub,
		TableLocks: f.locks,
		Logger:     zerolog.Nop(),
		HasThread:  true,
	})
	f.reg.SetResolver(mapResolver{1: f.m})

	tasks := make([]model.Task, 0, len(kernels))
	for i, k := range kernels {
		tasks = append(tasks, model.Task{ID: uint32(i), StreamID: 0, KernelType: model.KernelTypeAICPU, KernelName: k})
	}
	info := model.Info{
		ID:      1,
		Streams: []model.StreamInfo{{ID: 0, Flags: model.StreamFlagAICPU | model.StreamFlagHead}},
		Tasks:   tasks,
		Queues: []model.QueueInfo{
			{ID: 100, Flag: model.QueueFlagInput},
			{ID: 101, Flag: model.QueueFlagInput},
			{ID: 200, Flag: model.QueueFlagOutput},
		},
	}
	cfg := &model.Config{
		Type:        model.TypeSyncEvent,
		OutputPools: []model.PoolConfig{{BlockNum: 8, BlockSize: 64}},
	}
	require.NoError(t, f.m.Load(context.Background(), info, cfg))
	t.Cleanup(f.m.Exit)
	return f
}

func (f *kernelFixture) produce(t *testing.T, queueID uint32, transID uint64, body string) bufpool.Mbuf {
	t.Helper()
	mb, err := f.host.Alloc()
	require.NoError(t, err)
	require.NoError(t, f.host.SetData(mb, queue.Header{TransID: transID}.Encode([]byte(body))))
	require.NoError(t, f.queues.Enqueue(queueID, mb))
	return mb
}

func (f *kernelFixture) run(t *testing.T, task model.Task) (*model.RunContext, error) {
	t.Helper()
	rc := &model.RunContext{ModelID: 1, StreamID: 0, GotoTaskIndex: model.InvalidTaskIndex}
	return rc, f.reg.ExecuteTask(context.Background(), task, rc)
}

func params(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestRegistryRegisterAndUnknown(t *testing.T) {
	r := New(Options{Logger: zerolog.Nop()})
	assert.Contains(t, r.Names(), KernelNoop)
	assert.Contains(t, r.Names(), KernelDequeue)

	require.NoError(t, r.Register("custom", func(context.Context, *Env) error { return nil }))
	assert.Error(t, r.Register("custom", func(context.Context, *Env) error { return nil }))
	assert.Error(t, r.Register("", nil))

	err := r.ExecuteTask(context.Background(), model.Task{KernelName: "missing"}, &model.RunContext{})
	assert.Equal(t, model.CodeTaskExecuteFailed, model.CodeOf(err))

	err = r.ExecuteTask(context.Background(), model.Task{KernelName: KernelEndOfSequence}, &model.RunContext{ModelID: 4})
	assert.Equal(t, model.CodeModelNotFound, model.CodeOf(err))
}

func TestPipelineParksThenForwardsJoinedRecord(t *testing.T) {
	f := newKernelFixture(t, KernelDequeue, KernelEnqueue, KernelRepeat)
	ctx := context.Background()

	require.NoError(t, f.m.Execute(ctx))
	assert.Equal(t, model.StatusRunning, f.m.Status(), "stream parked waiting for input")
	require.Len(t, f.waiter.queues, 1)
	assert.Equal(t, []uint32{100, 101}, f.waiter.queues[0])

	f.produce(t, 100, 7, "ab")
	f.produce(t, 101, 7, "cd")
	require.NoError(t, f.m.RecoverStream(ctx, 0))

	assert.Equal(t, model.StatusIdle, f.m.Status())
	assert.Len(t, f.pub.Named(model.EventRepeatModel), 1)
	assert.Equal(t, 0, f.host.InUse(), "inputs are returned to the producer pool")
	assert.Equal(t, []uint32{200}, f.waiter.notified)

	out, err := f.queues.Dequeue(200)
	require.NoError(t, err)
	h, body, err := queue.DecodeHeader(f.pools.Data(out))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), h.TransID)
	assert.Equal(t, "abcd", string(body))
	require.NoError(t, f.pools.Free(out))
}

func TestDequeueRetriesWhenDataArrivesBeforeWait(t *testing.T) {
	f := newKernelFixture(t, KernelDequeue)
	f.waiter.onWait = func() bool {
		f.produce(t, 100, 3, "x")
		f.produce(t, 101, 3, "y")
		return false
	}
	rc, err := f.run(t, model.Task{KernelName: KernelDequeue})
	require.NoError(t, err)
	assert.False(t, rc.Pending)
	rec, ok := f.m.TakeInput()
	require.True(t, ok)
	assert.Equal(t, uint64(3), rec.Key.TransID)
	assert.Len(t, rec.Mbufs, 2)
}

func TestDequeueDropsBufferWithoutHeader(t *testing.T) {
	f := newKernelFixture(t, KernelDequeue)
	mb, err := f.host.Alloc()
	require.NoError(t, err)
	require.NoError(t, f.host.SetData(mb, []byte{1}))
	require.NoError(t, f.queues.Enqueue(100, mb))

	rc, err := f.run(t, model.Task{KernelName: KernelDequeue})
	require.NoError(t, err)
	assert.True(t, rc.Pending)
	assert.Equal(t, 0, f.host.InUse())
}

func TestEnqueueWithoutInputFails(t *testing.T) {
	f := newKernelFixture(t, KernelEnqueue)
	_, err := f.run(t, model.Task{KernelName: KernelEnqueue})
	assert.Equal(t, model.CodeInner, model.CodeOf(err))
}

func TestLockTableParksWhileBusy(t *testing.T) {
	f := newKernelFixture(t, KernelLockTable)
	p := params(t, TableParams{TableID: 5, Write: true})
	f.locks.busy[5] = true

	rc, err := f.run(t, model.Task{KernelName: KernelLockTable, Params: p})
	require.NoError(t, err)
	assert.True(t, rc.Pending)
	assert.Equal(t, int64(5), f.m.TableTryLock())
	assert.Equal(t, []uint32{5}, f.waiter.tables)

	f.locks.mu.Lock()
	f.locks.busy[5] = false
	f.locks.mu.Unlock()
	rc, err = f.run(t, model.Task{KernelName: KernelLockTable, Params: p})
	require.NoError(t, err)
	assert.False(t, rc.Pending)
	assert.True(t, f.m.IsTableLocked(5))
	assert.Equal(t, model.InvalidTableID, f.m.TableTryLock())

	_, err = f.run(t, model.Task{KernelName: KernelUnlockTable, Params: p})
	require.NoError(t, err)
	assert.False(t, f.m.IsTableLocked(5))
	assert.Equal(t, []uint32{5}, f.locks.unlocked)

	_, err = f.run(t, model.Task{KernelName: KernelUnlockTable, Params: p})
	assert.Equal(t, model.CodeParamInvalid, model.CodeOf(err))
}

func TestControlKernels(t *testing.T) {
	f := newKernelFixture(t, KernelNoop)

	_, err := f.run(t, model.Task{KernelName: KernelGoto})
	assert.Equal(t, model.CodeParamInvalid, model.CodeOf(err))
	rc, err := f.run(t, model.Task{KernelName: KernelGoto, Params: params(t, GotoParams{TaskIndex: 2})})
	require.NoError(t, err)
	assert.Equal(t, 2, rc.GotoTaskIndex)

	rc = &model.RunContext{ModelID: 1, StreamID: 0, ExecuteInline: true}
	require.NoError(t, f.reg.ExecuteTask(context.Background(),
		model.Task{KernelName: KernelStreamSwitch, Params: params(t, SwitchParams{StreamID: 4})}, rc))
	assert.Equal(t, uint32(4), rc.StreamID)

	rc, err = f.run(t, model.Task{KernelName: KernelStreamSwitch, Params: params(t, SwitchParams{StreamID: 4})})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), rc.StreamID, "switch is ignored without inline execution")

	_, err = f.run(t, model.Task{KernelName: KernelEndOfSequence})
	require.NoError(t, err)
	assert.True(t, f.m.EndOfSequence())
}

func TestRepeatStopsAtEndOfSequence(t *testing.T) {
	f := newKernelFixture(t, KernelEndOfSequence, KernelRepeat)
	require.NoError(t, f.m.Execute(context.Background()))
	assert.Equal(t, model.StatusIdle, f.m.Status())
	assert.Empty(t, f.pub.Named(model.EventRepeatModel))
}

func TestAsyncReleaseReturnsOutput(t *testing.T) {
	f := newKernelFixture(t, KernelAsyncRelease)
	_, err := f.run(t, model.Task{KernelName: KernelAsyncRelease})
	require.NoError(t, err)
	f.m.WaitReleaseThreadsFinish()

	out, ok := f.m.OutputPool(0)
	require.True(t, ok)
	assert.Equal(t, 0, out.InUse())
	assert.Equal(t, 1, f.comm.Waited())
}
