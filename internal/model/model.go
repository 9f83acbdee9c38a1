package model

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"aicpusched/internal/bufpool"
	"aicpusched/internal/hccl"
	"aicpusched/internal/queue"
)

// Deps are the collaborators a model drives. Nil collaborators disable the
// features that need them; Load fails if a model asks for one that is nil.
type Deps struct {
	Executor   TaskExecutor
	Pools      *bufpool.Registry
	Queues     queue.Driver
	HCCL       hccl.Comm
	Publisher  EventPublisher
	TableLocks TableUnlocker
	Logger     zerolog.Logger

	AsyncWorkers    int
	AsyncQueueDepth int
	// HasThread means other AICPU streams are driven by their own workers.
	// Without it the head stream executes switched-to streams inline.
	HasThread bool
	// Flags are the abnormal-handling switches applied on every load.
	Flags Flags
}

// Model is one loaded AICPU model instance: its streams, input gather table,
// exception table, buffer pools and async release workers, gated by the
// lifecycle state machine. Each concern has its own lock.
type Model struct {
	id   uint32
	tsID uint32

	// opMu serialises lifecycle operations; contenders fail with InWorking.
	opMu sync.Mutex
	sm   stateMachine

	streamsMu    sync.RWMutex
	streams      map[uint32]*Stream
	allStreams   []StreamInfo
	headStream   uint32
	otherStreams []uint32
	reportStream uint32

	queueMu         sync.Mutex
	inputQueues     []uint32
	outputQueues    []uint32
	inputMsgQueues  []uint32
	outputMsgQueues []uint32
	inputsDequeued  []bool

	resMu                sync.Mutex
	inputPools           []*bufpool.Pool
	outputPools          []*bufpool.Pool
	hcclInitType         HCCLInitType
	hcclTag              int32
	psID                 int32
	supportCounterFilter bool
	groups               []string

	gather *GatherTable
	exc    *ExceptionTable
	async  *asyncRelease
	tables *lockedTables

	inputMu  sync.Mutex
	input    Record
	hasInput bool

	valid           atomic.Bool
	transID         atomic.Uint64
	retCode         atomic.Int32
	iterations      atomic.Uint64
	endOfSequence   atomic.Bool
	nullData        atomic.Bool
	abnormalBreak   atomic.Bool
	abnormalEnqueue atomic.Bool
	abnormalEnabled atomic.Bool

	deps Deps
	pub  EventPublisher
	log  zerolog.Logger
}

// New creates an unloaded model with the given id.
func New(id uint32, deps Deps) *Model {
	m := &Model{
		id:           id,
		streams:      make(map[uint32]*Stream),
		headStream:   InvalidID,
		reportStream: InvalidID,
		hcclInitType: HCCLInitNone,
		tables:       newLockedTables(),
		deps:         deps,
		pub:          deps.Publisher,
		log:          deps.Logger,
	}
	if m.pub == nil {
		m.pub = noopPublisher{}
	}
	if m.deps.Executor == nil {
		m.deps.Executor = TaskExecutorFunc(func(context.Context, Task, *RunContext) error {
			return newError(CodeTaskExecuteFailed, id, "no task executor configured")
		})
	}
	m.transID.Store(InvalidTransID)
	var releaser bufpool.Releaser
	if deps.Pools != nil {
		releaser = deps.Pools
	}
	m.exc = NewExceptionTable(m.log)
	m.gather = NewGatherTable(id, releaser, m.exc, m.log)
	m.async = newAsyncRelease(id, deps.AsyncWorkers, deps.AsyncQueueDepth, m.releaseMem, m.log)
	return m
}

func (m *Model) ID() uint32     { return m.id }
func (m *Model) TsID() uint32   { return m.tsID }
func (m *Model) Status() Status { return m.sm.get() }
func (m *Model) Valid() bool    { return m.valid.Load() }

func (m *Model) TransID() uint64       { return m.transID.Load() }
func (m *Model) SetTransID(id uint64)  { m.transID.Store(id) }
func (m *Model) RetCode() int32        { return m.retCode.Load() }
func (m *Model) SetRetCode(code int32) { m.retCode.Store(code) }
func (m *Model) Iterations() uint64    { return m.iterations.Load() }

func (m *Model) EndOfSequence() bool     { return m.endOfSequence.Load() }
func (m *Model) SetEndOfSequence(v bool) { m.endOfSequence.Store(v) }
func (m *Model) NullData() bool          { return m.nullData.Load() }
func (m *Model) SetNullData(v bool)      { m.nullData.Store(v) }

// Flags returns the abnormal-handling switches.
func (m *Model) Flags() Flags {
	return Flags{
		AbnormalBreak:   m.abnormalBreak.Load(),
		AbnormalEnqueue: m.abnormalEnqueue.Load(),
		AbnormalEnabled: m.abnormalEnabled.Load(),
	}
}

// AbnormalNeedBreak reports whether a failed iteration stops the model
// instead of being repeated.
func (m *Model) AbnormalNeedBreak() bool { return m.abnormalBreak.Load() }

func (m *Model) HeadStream() uint32 {
	m.streamsMu.RLock()
	defer m.streamsMu.RUnlock()
	return m.headStream
}

func (m *Model) ReportStream() uint32 {
	m.streamsMu.RLock()
	defer m.streamsMu.RUnlock()
	return m.reportStream
}

// OtherAICPUStreams lists AICPU streams activated by events on execute.
func (m *Model) OtherAICPUStreams() []uint32 {
	m.streamsMu.RLock()
	defer m.streamsMu.RUnlock()
	return append([]uint32(nil), m.otherStreams...)
}

// StreamIDs lists the streams that have tasks, ascending.
func (m *Model) StreamIDs() []uint32 {
	m.streamsMu.RLock()
	defer m.streamsMu.RUnlock()
	ids := make([]uint32, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Model) InputQueues() []uint32 {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return append([]uint32(nil), m.inputQueues...)
}

func (m *Model) OutputQueues() []uint32 {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return append([]uint32(nil), m.outputQueues...)
}

// MarkInputDequeued records that input index i has been dequeued for the
// current record. It returns true once every input is marked.
func (m *Model) MarkInputDequeued(i int) bool {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if i >= 0 && i < len(m.inputsDequeued) {
		m.inputsDequeued[i] = true
	}
	for _, d := range m.inputsDequeued {
		if !d {
			return false
		}
	}
	return true
}

// ResetInputsDequeued clears every input dequeue mark.
func (m *Model) ResetInputsDequeued() {
	m.queueMu.Lock()
	for i := range m.inputsDequeued {
		m.inputsDequeued[i] = false
	}
	m.queueMu.Unlock()
}

// InputPool returns the input pool for index i.
func (m *Model) InputPool(i int) (*bufpool.Pool, bool) {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	if i < 0 || i >= len(m.inputPools) {
		return nil, false
	}
	return m.inputPools[i], true
}

// OutputPool returns the output pool for index i.
func (m *Model) OutputPool(i int) (*bufpool.Pool, bool) {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	if i < 0 || i >= len(m.outputPools) {
		return nil, false
	}
	return m.outputPools[i], true
}

func (m *Model) HCCLInitType() HCCLInitType {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	return m.hcclInitType
}

func (m *Model) SupportCounterFilter() bool {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	return m.supportCounterFilter
}

// StoreDequedMbuf hands a buffer dequeued from input index qIndex to the
// gather table.
func (m *Model) StoreDequedMbuf(transID uint64, routeLabel uint32, qIndex int, mb bufpool.Mbuf, queueCount int) StoreResult {
	return m.gather.StoreDequedMbuf(transID, routeLabel, qIndex, mb, queueCount)
}

// SelectGatheredMbuf takes the next joined record, if any.
func (m *Model) SelectGatheredMbuf(timeOutMs int64, cacheNum int) (GatherResult, Record) {
	res, rec := m.gather.SelectGatheredMbuf(timeOutMs, cacheNum)
	if res != UnSelected {
		m.transID.Store(rec.Key.TransID)
		m.nullData.Store(res == FakeSelected)
	}
	return res, rec
}

// SetInput parks the record selected for the current iteration until the
// output stage takes it.
func (m *Model) SetInput(rec Record) {
	m.inputMu.Lock()
	prev, had := m.input, m.hasInput
	m.input, m.hasInput = rec, true
	m.inputMu.Unlock()
	if had {
		m.freeRecord(prev)
	}
}

// TakeInput hands the current record to the caller, who then owns its
// buffers.
func (m *Model) TakeInput() (Record, bool) {
	m.inputMu.Lock()
	defer m.inputMu.Unlock()
	rec, ok := m.input, m.hasInput
	m.input, m.hasInput = Record{}, false
	return rec, ok
}

func (m *Model) freeRecord(rec Record) {
	if m.deps.Pools == nil {
		return
	}
	for _, mb := range rec.Mbufs {
		if mb.IsNil() {
			continue
		}
		if err := m.deps.Pools.Free(mb); err != nil {
			m.log.Warn().Err(err).Uint32("model_id", m.id).Str("mbuf", mb.String()).Msg("free input mbuf failed")
		}
	}
}

// RequestRepeat asks the scheduler for the next iteration.
func (m *Model) RequestRepeat() {
	m.pub.Publish(Event{Name: EventRepeatModel, ModelID: m.id})
}

// ClearGatheredMbuf returns every gathered buffer to its pool.
func (m *Model) ClearGatheredMbuf() int { return m.gather.ClearGatheredMbuf() }

// GetCurDequeIndex picks the input index to dequeue from next.
func (m *Model) GetCurDequeIndex(qCnt int) int { return m.gather.GetCurDequeIndex(qCnt) }

// Gather exposes the gather table.
func (m *Model) Gather() *GatherTable { return m.gather }

// ProcessDataException adds or expires an exception for transID. Adding a
// new exception asks the queue layer to supply the next input.
func (m *Model) ProcessDataException(transID uint64, action ExceptionAction) error {
	added, ok := m.exc.Process(transID, action)
	if !ok {
		return newError(CodeParamInvalid, m.id, "unknown exception action %d", action)
	}
	if added {
		m.log.Info().Uint32("model_id", m.id).Uint64("trans_id", transID).Msg("add exception trans id")
		m.pub.Publish(Event{Name: EventSupplyEnqueue, ModelID: m.id, Fields: map[string]any{"trans_id": transID}})
	}
	return nil
}

func (m *Model) IsTransIDException(transID uint64) bool { return m.exc.IsException(transID) }

// GetExceptionTransIDsToClear snapshots exceptions whose data is pending
// clear. Pair with UpdateExceptionTransIDsStatus once cleared.
func (m *Model) GetExceptionTransIDsToClear() []uint64 { return m.exc.ToClear() }

func (m *Model) UpdateExceptionTransIDsStatus(ids []uint64) { m.exc.Confirm(ids) }

// AddAsyncTask defers the release of an output buffer until its collective
// request completes. On error the caller keeps the buffer.
func (m *Model) AddAsyncTask(task AsyncTaskInfo) error { return m.async.add(task) }

// WaitReleaseThreadsFinish joins the async release workers.
func (m *Model) WaitReleaseThreadsFinish() { m.async.wait() }

func (m *Model) releaseMem(ctx context.Context, task AsyncTaskInfo) error {
	var waitErr error
	if m.deps.HCCL != nil {
		if err := m.deps.HCCL.Wait(ctx, task.Request); err != nil {
			waitErr = wrapError(CodeCallHCCL, m.id, err, "hccl wait failed when releasing mem")
		}
	}
	if err := m.freeOutput(task.OutputMbuf); err != nil && waitErr == nil {
		waitErr = err
	}
	if m.valid.Load() {
		m.pub.Publish(Event{Name: EventPrepareMem, ModelID: m.id})
	}
	return waitErr
}

// freeOutput returns an output buffer to output pool 0, the only output of
// models that release asynchronously.
func (m *Model) freeOutput(mb bufpool.Mbuf) error {
	if mb.IsNil() {
		return nil
	}
	if p, ok := m.OutputPool(0); ok && p.ID() == mb.PoolID() {
		return p.Free(mb)
	}
	if m.deps.Pools != nil {
		return m.deps.Pools.Free(mb)
	}
	return newError(CodeInner, m.id, "no pool owns %s", mb)
}

// Snapshot is a point-in-time view for status reporting.
type Snapshot struct {
	ID         uint32     `json:"model_id"`
	Status     string     `json:"status"`
	Valid      bool       `json:"valid"`
	TransID    uint64     `json:"trans_id"`
	RetCode    int32      `json:"ret_code"`
	Iterations uint64     `json:"iterations"`
	HeadStream uint32     `json:"head_stream"`
	Streams    []uint32   `json:"streams"`
	GatherKeys int        `json:"gather_keys"`
	Exceptions int        `json:"exceptions"`
	Async      AsyncStats `json:"async"`

	InputQueues   []uint32 `json:"input_queues"`
	OutputQueues  []uint32 `json:"output_queues"`
	LockedTables  []uint32 `json:"locked_tables,omitempty"`
	EndOfSequence bool     `json:"end_of_sequence,omitempty"`
}

func (m *Model) Snapshot() Snapshot {
	return Snapshot{
		ID:         m.id,
		Status:     m.Status().String(),
		Valid:      m.Valid(),
		TransID:    m.TransID(),
		RetCode:    m.RetCode(),
		Iterations: m.Iterations(),
		HeadStream: m.HeadStream(),
		Streams:    m.StreamIDs(),
		GatherKeys: m.gather.Len(),
		Exceptions: m.exc.Len(),
		Async:      m.async.stats(),

		InputQueues:   m.InputQueues(),
		OutputQueues:  m.OutputQueues(),
		LockedTables:  m.LockedTables(),
		EndOfSequence: m.EndOfSequence(),
	}
}

// checkAndUpdate runs op through the state machine and records the move.
func (m *Model) checkAndUpdate(op Operate) error {
	prev, next, ok := m.sm.checkAndUpdate(op)
	if !ok {
		m.log.Error().Uint32("model_id", m.id).Str("status", prev.String()).Str("operate", op.String()).
			Msg("status does not allow operate")
		return newError(CodeStatusNotAllow, m.id, "status %s does not allow %s", prev, op)
	}
	if prev != next {
		m.log.Info().Uint32("model_id", m.id).Str("from", prev.String()).Str("to", next.String()).
			Str("operate", op.String()).Msg("status change")
		statusTransitions.WithLabelValues(prev.String(), next.String()).Inc()
		m.pub.Publish(Event{Name: EventStatusChanged, ModelID: m.id, Fields: map[string]any{
			"from": prev.String(), "to": next.String(), "operate": op.String(),
		}})
	}
	return nil
}

// checkOperate tests op without moving the status.
func (m *Model) checkOperate(op Operate) error {
	if s, ok := m.sm.check(op); !ok {
		return newError(CodeStatusNotAllow, m.id, "status %s does not allow %s", s, op)
	}
	return nil
}

func (m *Model) tryLock(op Operate) error {
	if !m.opMu.TryLock() {
		m.log.Error().Uint32("model_id", m.id).Str("operate", op.String()).Msg("get model lock failed")
		return newError(CodeInWorking, m.id, "%s failed, model is busy", op)
	}
	return nil
}
