package kernel

import (
	"context"
	"encoding/json"
	"errors"

	"aicpusched/internal/bufpool"
	"aicpusched/internal/hccl"
	"aicpusched/internal/model"
	"aicpusched/internal/queue"
)

// Built-in kernel names.
const (
	KernelNoop          = "noop"
	KernelDequeue       = "modelDequeue"
	KernelEnqueue       = "modelEnqueue"
	KernelAsyncRelease  = "modelAsyncRelease"
	KernelLockTable     = "modelLockTable"
	KernelUnlockTable   = "modelUnlockTable"
	KernelStreamSwitch  = "modelStreamSwitch"
	KernelGoto          = "modelGoto"
	KernelEndOfSequence = "modelEndOfSequence"
	KernelRepeat        = "modelRepeat"
)

func builtins() map[string]Handler {
	return map[string]Handler{
		KernelNoop:          func(context.Context, *Env) error { return nil },
		KernelDequeue:       prepareInput,
		KernelEnqueue:       postprocessOutput,
		KernelAsyncRelease:  asyncRelease,
		KernelLockTable:     lockTable,
		KernelUnlockTable:   unlockTable,
		KernelStreamSwitch:  streamSwitch,
		KernelGoto:          gotoTask,
		KernelEndOfSequence: endOfSequence,
		KernelRepeat:        repeat,
	}
}

// TableParams are the params of the table lock kernels.
type TableParams struct {
	TableID uint32 `json:"table_id"`
	Write   bool   `json:"write,omitempty"`
}

// SwitchParams are the params of the stream switch kernel.
type SwitchParams struct {
	StreamID uint32 `json:"stream_id"`
}

// GotoParams are the params of the goto kernel.
type GotoParams struct {
	TaskIndex int `json:"task_index"`
}

func decodeParams(env *Env, v any) error {
	if len(env.Task.Params) == 0 {
		return model.Errorf(model.CodeParamInvalid, "kernel %q needs params", env.Task.KernelName)
	}
	if err := json.Unmarshal(env.Task.Params, v); err != nil {
		return model.Errorf(model.CodeParamInvalid, "kernel %q params: %v", env.Task.KernelName, err)
	}
	return nil
}

func requireModel(env *Env) (*model.Model, error) {
	if env.Model == nil {
		return nil, model.Errorf(model.CodeModelNotFound, "model %d not found for kernel %q", env.RC.ModelID, env.Task.KernelName)
	}
	return env.Model, nil
}

func requireData(env *Env) error {
	if env.Queues == nil || env.Pools == nil {
		return model.Errorf(model.CodeInner, "kernel %q needs queues and pools", env.Task.KernelName)
	}
	return nil
}

// prepareInput drains the model's input queues into the gather table and
// selects the next record. With nothing selectable the stream parks until
// an input queue receives data.
func prepareInput(ctx context.Context, env *Env) error {
	m, err := requireModel(env)
	if err != nil {
		return err
	}
	inputs := m.InputQueues()
	if len(inputs) == 0 {
		return nil
	}
	if err := requireData(env); err != nil {
		return err
	}
	for {
		var epoch uint64
		if env.Waiter != nil {
			epoch = env.Waiter.Epoch()
		}
		n := len(inputs)
		start := m.GetCurDequeIndex(n)
		for k := 0; k < n; k++ {
			i := (start + k) % n
			if err := dequeueInto(env, m, i, inputs[i], n); err != nil {
				return err
			}
		}
		res, rec := m.SelectGatheredMbuf(env.GatherTimeoutMs, env.GatherCacheNum)
		if res != model.UnSelected {
			for i, mb := range rec.Mbufs {
				if !mb.IsNil() {
					m.MarkInputDequeued(i)
				}
			}
			m.SetInput(rec)
			env.Log.Debug().Uint64("trans_id", rec.Key.TransID).Uint32("route_label", rec.Key.RouteLabel).
				Str("result", res.String()).Msg("input record selected")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if env.Waiter == nil || env.Waiter.WaitQueues(m.ID(), env.RC.StreamID, inputs, epoch) {
			env.RC.Pending = true
			return nil
		}
		// data arrived between the drain and the wait registration
	}
}

func dequeueInto(env *Env, m *model.Model, qIndex int, queueID uint32, queueCount int) error {
	for budget := env.GatherCacheNum; budget > 0; budget-- {
		mb, err := env.Queues.Dequeue(queueID)
		if errors.Is(err, queue.ErrEmpty) {
			return nil
		}
		if err != nil {
			return model.Errorf(model.CodeFromDriver, "dequeue queue %d: %v", queueID, err)
		}
		h, _, err := queue.DecodeHeader(env.Pools.Data(mb))
		if err != nil {
			env.Log.Warn().Err(err).Uint32("queue_id", queueID).Str("mbuf", mb.String()).Msg("drop buffer without header")
			freeMbuf(env, mb)
			continue
		}
		switch m.StoreDequedMbuf(h.TransID, h.RouteLabel, qIndex, mb, queueCount) {
		case model.StoreFail:
			env.Log.Warn().Uint64("trans_id", h.TransID).Int("q_index", qIndex).Msg("store dequeued buffer failed")
			freeMbuf(env, mb)
		case model.StoreAbort:
			env.Log.Info().Uint64("trans_id", h.TransID).Int("q_index", qIndex).Msg("dequeued buffer dropped")
		}
	}
	return nil
}

func freeMbuf(env *Env, mb bufpool.Mbuf) {
	if mb.IsNil() {
		return
	}
	if err := env.Pools.Free(mb); err != nil {
		env.Log.Warn().Err(err).Str("mbuf", mb.String()).Msg("free buffer failed")
	}
}

// postprocessOutput joins the bodies of the current input record and
// enqueues the result to every output queue, one buffer per queue.
func postprocessOutput(_ context.Context, env *Env) error {
	m, err := requireModel(env)
	if err != nil {
		return err
	}
	if err := requireData(env); err != nil {
		return err
	}
	rec, ok := m.TakeInput()
	if !ok {
		return model.Errorf(model.CodeInner, "no input record to post-process")
	}
	defer func() {
		for _, mb := range rec.Mbufs {
			freeMbuf(env, mb)
		}
	}()

	var body []byte
	if !m.NullData() {
		for _, mb := range rec.Mbufs {
			if mb.IsNil() {
				continue
			}
			if _, b, err := queue.DecodeHeader(env.Pools.Data(mb)); err == nil {
				body = append(body, b...)
			}
		}
	}
	payload := queue.Header{TransID: rec.Key.TransID, RouteLabel: rec.Key.RouteLabel}.Encode(body)

	outputs := m.OutputQueues()
	for j, qid := range outputs {
		pool, ok := m.OutputPool(j)
		if !ok {
			if pool, ok = m.OutputPool(0); !ok {
				return model.Errorf(model.CodeInner, "no output pool for queue %d", qid)
			}
		}
		mb, err := pool.Alloc()
		if err != nil {
			return model.Errorf(model.CodeInner, "alloc output for queue %d: %v", qid, err)
		}
		if err := pool.SetData(mb, payload); err != nil {
			freeMbuf(env, mb)
			return model.Errorf(model.CodeInner, "fill output for queue %d: %v", qid, err)
		}
		if err := env.Queues.Enqueue(qid, mb); err != nil {
			freeMbuf(env, mb)
			return model.Errorf(model.CodeFromDriver, "enqueue queue %d: %v", qid, err)
		}
	}
	if env.Waiter != nil && len(outputs) > 0 {
		env.Waiter.Notify(outputs...)
	}
	env.Log.Debug().Uint64("trans_id", rec.Key.TransID).Int("outputs", len(outputs)).Msg("output enqueued")
	return nil
}

// asyncRelease hands an output buffer of the current transaction to the
// model's release workers, paired with its collective request.
func asyncRelease(_ context.Context, env *Env) error {
	m, err := requireModel(env)
	if err != nil {
		return err
	}
	pool, ok := m.OutputPool(0)
	if !ok {
		return model.Errorf(model.CodeInner, "model %d has no output pool", m.ID())
	}
	mb, err := pool.Alloc()
	if err != nil {
		return model.Errorf(model.CodeInner, "alloc release buffer: %v", err)
	}
	task := model.AsyncTaskInfo{Request: hccl.Request(m.TransID()), OutputMbuf: mb}
	if err := m.AddAsyncTask(task); err != nil {
		if ferr := pool.Free(mb); ferr != nil {
			env.Log.Warn().Err(ferr).Msg("free release buffer failed")
		}
		return err
	}
	return nil
}

// lockTable takes a shared table lock for the model, parking the stream
// while the lock is held elsewhere.
func lockTable(ctx context.Context, env *Env) error {
	m, err := requireModel(env)
	if err != nil {
		return err
	}
	if env.Locks == nil {
		return model.Errorf(model.CodeInner, "no table lock manager")
	}
	var p TableParams
	if err := decodeParams(env, &p); err != nil {
		return err
	}
	for {
		var epoch uint64
		if env.Waiter != nil {
			epoch = env.Waiter.Epoch()
		}
		if env.Locks.TryLock(p.TableID, p.Write) {
			m.RecordLockedTable(p.TableID)
			m.SetTableTryLock(model.InvalidTableID)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		m.SetTableTryLock(int64(p.TableID))
		if env.Waiter == nil || env.Waiter.WaitTable(m.ID(), env.RC.StreamID, p.TableID, epoch) {
			env.Log.Debug().Uint32("table_id", p.TableID).Msg("table busy, stream parked")
			env.RC.Pending = true
			return nil
		}
	}
}

func unlockTable(_ context.Context, env *Env) error {
	m, err := requireModel(env)
	if err != nil {
		return err
	}
	var p TableParams
	if err := decodeParams(env, &p); err != nil {
		return err
	}
	if !m.IsTableLocked(p.TableID) {
		return model.Errorf(model.CodeParamInvalid, "table %d not locked by model %d", p.TableID, m.ID())
	}
	m.ClearLockedTable(p.TableID)
	if env.Locks != nil {
		env.Locks.UnlockTable(p.TableID)
	}
	return nil
}

// streamSwitch moves inline execution to another stream. Without inline
// execution the target stream is driven by its own activation.
func streamSwitch(_ context.Context, env *Env) error {
	var p SwitchParams
	if err := decodeParams(env, &p); err != nil {
		return err
	}
	if env.RC.ExecuteInline {
		env.RC.StreamID = p.StreamID
	}
	return nil
}

func gotoTask(_ context.Context, env *Env) error {
	var p GotoParams
	if err := decodeParams(env, &p); err != nil {
		return err
	}
	env.RC.GotoTaskIndex = p.TaskIndex
	return nil
}

func endOfSequence(_ context.Context, env *Env) error {
	m, err := requireModel(env)
	if err != nil {
		return err
	}
	m.SetEndOfSequence(true)
	return nil
}

// repeat ends the current iteration and asks for the next one unless the
// input sequence has ended.
func repeat(ctx context.Context, env *Env) error {
	m, err := requireModel(env)
	if err != nil {
		return err
	}
	if err := m.EndGraph(ctx); err != nil {
		return err
	}
	if m.EndOfSequence() {
		env.Log.Info().Msg("end of sequence, model stays idle")
		return nil
	}
	m.RequestRepeat()
	return nil
}
