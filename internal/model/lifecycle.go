package model

import (
	"context"
)

// Load binds streams, tasks, queues and configuration to the model. Any
// failure after the status moved to loading rolls the model back through
// Destroy.
func (m *Model) Load(ctx context.Context, info Info, cfg *Config) (err error) {
	defer func() { observeOperate(OperateLoad, err) }()
	if info.ID != m.id {
		return newError(CodeParamInvalid, m.id, "load info carries model id %d", info.ID)
	}
	if err := m.tryLock(OperateLoad); err != nil {
		return err
	}
	if err := m.checkAndUpdate(OperateLoad); err != nil {
		m.opMu.Unlock()
		return err
	}
	m.tsID = info.TsID
	m.log.Info().Uint32("model_id", m.id).Msg("model load begin")

	loadErr := m.loadStreamAndTask(info)
	if loadErr == nil {
		loadErr = m.loadQueueInfo(info)
	}
	if loadErr == nil {
		loadErr = m.loadCfg(cfg)
	}
	if loadErr != nil {
		m.opMu.Unlock()
		m.log.Error().Err(loadErr).Uint32("model_id", m.id).Msg("model load failed, rolling back")
		if derr := m.Destroy(ctx); derr != nil {
			m.log.Error().Err(derr).Uint32("model_id", m.id).Msg("rollback of failed load failed")
		}
		return loadErr
	}
	defer m.opMu.Unlock()

	m.valid.Store(true)
	m.endOfSequence.Store(false)
	m.abnormalBreak.Store(m.deps.Flags.AbnormalBreak)
	m.abnormalEnqueue.Store(m.deps.Flags.AbnormalEnqueue)
	m.abnormalEnabled.Store(m.deps.Flags.AbnormalEnabled)
	m.gather.Reopen()
	m.async.open()
	m.log.Info().Uint32("model_id", m.id).Bool("abnormal_break", m.deps.Flags.AbnormalBreak).
		Bool("abnormal_enqueue", m.deps.Flags.AbnormalEnqueue).
		Bool("abnormal_enabled", m.deps.Flags.AbnormalEnabled).Msg("model load success")
	return nil
}

// Execute starts one iteration: it resets the model, activates the other
// AICPU streams and runs the head stream.
func (m *Model) Execute(ctx context.Context) (err error) {
	defer func() { observeOperate(OperateExecute, err) }()
	if err := m.tryLock(OperateExecute); err != nil {
		return err
	}
	if err := m.checkAndUpdate(OperateExecute); err != nil {
		m.opMu.Unlock()
		return err
	}
	m.resetForExecute()
	m.opMu.Unlock()
	return m.runIteration(ctx)
}

// Repeat starts the next iteration after the previous one ended.
func (m *Model) Repeat(ctx context.Context) (err error) {
	defer func() { observeOperate(OperateRepeat, err) }()
	if err := m.tryLock(OperateRepeat); err != nil {
		return err
	}
	if err := m.checkAndUpdate(OperateRepeat); err != nil {
		m.opMu.Unlock()
		return err
	}
	m.resetForExecute()
	m.opMu.Unlock()
	m.iterations.Add(1)
	m.log.Debug().Uint32("model_id", m.id).Uint64("iteration", m.iterations.Load()).Msg("model repeat")
	return m.runIteration(ctx)
}

// runIteration runs the head stream after resetForExecute prepared the model
// under opMu.
func (m *Model) runIteration(ctx context.Context) error {
	m.activeOtherAICPUStreams()
	return m.ExecuteStream(ctx, m.HeadStream(), !m.deps.HasThread)
}

func (m *Model) resetForExecute() {
	m.releaseResource(false)
	m.async.open()
	m.retCode.Store(0)
	m.transID.Store(InvalidTransID)
	m.gather.Reopen()
	m.streamsMu.Lock()
	for _, s := range m.streams {
		s.ResetToStart()
	}
	m.streamsMu.Unlock()
}

func (m *Model) activeOtherAICPUStreams() {
	for _, sid := range m.OtherAICPUStreams() {
		m.pub.Publish(Event{Name: EventActiveStream, ModelID: m.id, Fields: map[string]any{"stream_id": sid}})
	}
}

// TaskReport moves a running model to error after a stream failure.
func (m *Model) TaskReport() (err error) {
	defer func() { observeOperate(OperateTaskReport, err) }()
	return m.checkAndUpdate(OperateTaskReport)
}

// Abort stops the current iteration. Buffers held by the gather table and
// the model pools are returned and every stream loop has left before Abort
// returns.
func (m *Model) Abort(ctx context.Context) (err error) {
	defer func() { observeOperate(OperateAbort, err) }()
	if err := m.tryLock(OperateAbort); err != nil {
		return err
	}
	defer m.opMu.Unlock()
	if err := m.checkAndUpdate(OperateAbort); err != nil {
		return err
	}
	m.log.Info().Uint32("model_id", m.id).Msg("model abort begin")
	m.quiesce()
	m.releaseResource(true)
	m.log.Info().Uint32("model_id", m.id).Msg("model abort success")
	return nil
}

// Destroy releases everything the model loaded. The model can be loaded
// again afterwards.
func (m *Model) Destroy(ctx context.Context) (err error) {
	defer func() { observeOperate(OperateDestroy, err) }()
	if err := m.tryLock(OperateDestroy); err != nil {
		return err
	}
	defer m.opMu.Unlock()
	if err := m.checkAndUpdate(OperateDestroy); err != nil {
		return err
	}
	m.log.Info().Uint32("model_id", m.id).Bool("valid", m.valid.Load()).Msg("model destroy begin")
	m.valid.Store(false)
	m.quiesce()
	m.releaseResource(true)
	m.destroyGroups()
	m.clearLoadInfo()
	m.log.Info().Uint32("model_id", m.id).Msg("model destroy success")
	return nil
}

// Stop halts the model until Restart, keeping what Load set up.
func (m *Model) Stop(ctx context.Context) (err error) {
	defer func() { observeOperate(OperateStop, err) }()
	if err := m.tryLock(OperateStop); err != nil {
		return err
	}
	defer m.opMu.Unlock()
	if err := m.checkAndUpdate(OperateStop); err != nil {
		return err
	}
	m.quiesce()
	m.releaseResource(true)
	m.log.Info().Uint32("model_id", m.id).Msg("model stop success")
	return nil
}

// Restart returns a stopped model to idle and asks for the next iteration.
func (m *Model) Restart(ctx context.Context) (err error) {
	defer func() { observeOperate(OperateRestart, err) }()
	if err := m.tryLock(OperateRestart); err != nil {
		return err
	}
	err = m.checkAndUpdate(OperateRestart)
	m.opMu.Unlock()
	if err != nil {
		return err
	}
	m.gather.Reopen()
	m.pub.Publish(Event{Name: EventRepeatModel, ModelID: m.id})
	m.log.Info().Uint32("model_id", m.id).Msg("model restart success")
	return nil
}

// ClearInput drops every buffer pending on the input queues of a stopped
// model.
func (m *Model) ClearInput(ctx context.Context) (err error) {
	defer func() { observeOperate(OperateClearInput, err) }()
	if err := m.tryLock(OperateClearInput); err != nil {
		return err
	}
	defer m.opMu.Unlock()
	if err := m.checkAndUpdate(OperateClearInput); err != nil {
		return err
	}
	return m.clearInputQueues()
}

// EndGraph marks the iteration finished.
func (m *Model) EndGraph(ctx context.Context) (err error) {
	defer func() { observeOperate(OperateEndGraph, err) }()
	if err := m.tryLock(OperateEndGraph); err != nil {
		return err
	}
	defer m.opMu.Unlock()
	if err := m.checkAndUpdate(OperateEndGraph); err != nil {
		return err
	}
	m.log.Debug().Uint32("model_id", m.id).Msg("model end graph")
	return nil
}

// ActiveStream runs a non-head AICPU stream activated for this iteration.
func (m *Model) ActiveStream(ctx context.Context, streamID uint32) (err error) {
	defer func() { observeOperate(OperateActiveStream, err) }()
	if err := m.checkAndUpdate(OperateActiveStream); err != nil {
		return err
	}
	m.log.Debug().Uint32("model_id", m.id).Uint32("stream_id", streamID).Msg("active stream")
	return m.ExecuteStream(ctx, streamID, false)
}

// RecoverStream resumes a stream that parked on a pending task.
func (m *Model) RecoverStream(ctx context.Context, streamID uint32) (err error) {
	defer func() { observeOperate(OperateRecoverStream, err) }()
	if err := m.checkAndUpdate(OperateRecoverStream); err != nil {
		return err
	}
	m.log.Debug().Uint32("model_id", m.id).Uint32("stream_id", streamID).Msg("recover stream")
	return m.ExecuteStream(ctx, streamID, false)
}

// Exit tears the model down regardless of its status. It waits for any
// in-flight lifecycle operation instead of failing.
func (m *Model) Exit() {
	if !m.valid.CompareAndSwap(true, false) {
		return
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.quiesce()
	m.releaseResource(true)
	m.destroyGroups()
	m.clearLoadInfo()
	m.sm.set(StatusUninit)
	m.log.Info().Uint32("model_id", m.id).Msg("model exit")
}
