package model

import (
	"errors"
)

// loadStreamAndTask classifies the model streams and binds tasks to them.
// Exactly one AICPU stream must carry the head flag; the first non-AICPU
// stream reports status.
func (m *Model) loadStreamAndTask(info Info) error {
	if len(info.Streams) == 0 {
		return newError(CodeParamInvalid, m.id, "stream num is 0")
	}
	m.streamsMu.Lock()
	defer m.streamsMu.Unlock()

	m.headStream = InvalidID
	m.reportStream = InvalidID
	m.otherStreams = nil
	m.allStreams = append([]StreamInfo(nil), info.Streams...)
	for _, si := range info.Streams {
		if si.Flags&StreamFlagAICPU == 0 {
			if m.reportStream == InvalidID {
				m.log.Info().Uint32("model_id", m.id).Uint32("stream_id", si.ID).Msg("load report stream")
				m.reportStream = si.ID
			}
			continue
		}
		if si.Flags&StreamFlagHead == 0 {
			m.otherStreams = append(m.otherStreams, si.ID)
			continue
		}
		if m.headStream != InvalidID {
			return newError(CodeParamInvalid, m.id, "stream %d and stream %d are both head streams", m.headStream, si.ID)
		}
		m.headStream = si.ID
	}
	if m.headStream == InvalidID {
		return newError(CodeParamInvalid, m.id, "no head stream found")
	}
	if len(info.Tasks) == 0 {
		return newError(CodeParamInvalid, m.id, "task num is 0")
	}

	byStream := make(map[uint32][]Task)
	var order []uint32
	for _, t := range info.Tasks {
		if _, seen := byStream[t.StreamID]; !seen {
			order = append(order, t.StreamID)
		}
		byStream[t.StreamID] = append(byStream[t.StreamID], t)
		m.log.Debug().Uint32("model_id", m.id).Uint32("task_id", t.ID).Uint32("stream_id", t.StreamID).
			Str("kernel", t.KernelName).Uint32("kernel_type", uint32(t.KernelType)).Msg("load task")
	}
	for _, sid := range order {
		m.streams[sid] = NewStream(sid, byStream[sid], m.deps.Executor, m.log)
		m.log.Info().Uint32("model_id", m.id).Uint32("stream_id", sid).Int("tasks", len(byStream[sid])).
			Msg("load aicpu stream")
	}
	return nil
}

// loadQueueInfo attaches the model input and output queues. Client queues
// belong to the host side and are skipped.
func (m *Model) loadQueueInfo(info Info) error {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if len(info.Queues) > 0 && m.deps.Queues == nil {
		return newError(CodeFromDriver, m.id, "model has %d queues but no queue driver", len(info.Queues))
	}
	for _, q := range info.Queues {
		switch q.Flag {
		case QueueFlagClientInput, QueueFlagClientOutput:
			m.log.Debug().Uint32("model_id", m.id).Uint32("queue_id", q.ID).Msg("skip client queue")
			continue
		case QueueFlagInput, QueueFlagOutput:
		default:
			return newError(CodeParamInvalid, m.id, "queue %d flag %d is unknown", q.ID, q.Flag)
		}
		if err := m.deps.Queues.Attach(q.ID); err != nil {
			return wrapError(CodeFromDriver, m.id, err, "attach queue %d", q.ID)
		}
		if q.Flag == QueueFlagInput {
			m.inputQueues = append(m.inputQueues, q.ID)
		} else {
			m.outputQueues = append(m.outputQueues, q.ID)
		}
		m.log.Info().Uint32("model_id", m.id).Uint32("queue_id", q.ID).Uint32("flag", uint32(q.Flag)).Msg("load queue")
	}
	if info.InputMsgQueue != nil {
		m.inputMsgQueues = append(m.inputMsgQueues, *info.InputMsgQueue)
	}
	if info.OutputMsgQueue != nil {
		m.outputMsgQueues = append(m.outputMsgQueues, *info.OutputMsgQueue)
	}
	for _, id := range append(append([]uint32(nil), m.inputMsgQueues...), m.outputMsgQueues...) {
		if m.deps.Queues == nil {
			return newError(CodeFromDriver, m.id, "model has msg queue %d but no queue driver", id)
		}
		if err := m.deps.Queues.Attach(id); err != nil {
			return wrapError(CodeFromDriver, m.id, err, "attach msg queue %d", id)
		}
	}
	m.inputsDequeued = make([]bool, len(m.inputQueues))
	return nil
}

// loadCfg applies the optional load-time configuration.
func (m *Model) loadCfg(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	m.resMu.Lock()
	defer m.resMu.Unlock()
	switch cfg.Type {
	case TypeEmbedding:
		m.hcclInitType = HCCLInitForEmbedding
		if err := m.initBufPoolLocked(cfg); err != nil {
			return err
		}
		if m.deps.HCCL == nil {
			return wrapError(CodeInner, m.id, errors.New("hccl not initialised"), "load embedding model")
		}
	case TypeSyncEvent:
		m.hcclInitType = HCCLInitForSyncEvent
		if err := m.initGroupsLocked(cfg.CommGroups); err != nil {
			return err
		}
		if err := m.initBufPoolLocked(cfg); err != nil {
			return err
		}
	default:
		return newError(CodeParamInvalid, m.id, "invalid model type %d", cfg.Type)
	}
	m.supportCounterFilter = cfg.SupportCounterFilter
	m.hcclTag = cfg.TagID
	m.psID = cfg.PsID
	return nil
}

// initBufPoolLocked creates the input and output pools. Pools created before
// a failure are removed again.
func (m *Model) initBufPoolLocked(cfg *Config) error {
	if len(cfg.InputPools)+len(cfg.OutputPools) == 0 {
		return nil
	}
	if m.deps.Pools == nil {
		return newError(CodeInner, m.id, "buffer pools configured but no pool registry")
	}
	ok := false
	defer func() {
		if ok {
			return
		}
		for _, p := range append(m.inputPools, m.outputPools...) {
			m.deps.Pools.Remove(p)
		}
		m.inputPools, m.outputPools = nil, nil
	}()
	for i, pc := range cfg.InputPools {
		p, err := m.deps.Pools.NewPool(pc.BlockNum, pc.BlockSize)
		if err != nil {
			return wrapError(CodeInner, m.id, err, "init input pool %d", i)
		}
		m.inputPools = append(m.inputPools, p)
	}
	for i, pc := range cfg.OutputPools {
		p, err := m.deps.Pools.NewPool(pc.BlockNum, pc.BlockSize)
		if err != nil {
			return wrapError(CodeInner, m.id, err, "init output pool %d", i)
		}
		m.outputPools = append(m.outputPools, p)
	}
	ok = true
	return nil
}

func (m *Model) initGroupsLocked(groups []CommGroup) error {
	if len(groups) == 0 {
		return nil
	}
	if m.deps.HCCL == nil {
		return newError(CodeCallHCCL, m.id, "comm groups configured but hccl not initialised")
	}
	for _, g := range groups {
		if err := m.deps.HCCL.CreateGroup(g.Name, g.RankIDs); err != nil {
			return wrapError(CodeCallHCCL, m.id, err, "create group %q", g.Name)
		}
		m.groups = append(m.groups, g.Name)
		m.log.Info().Uint32("model_id", m.id).Str("group", g.Name).Msg("create comm group")
	}
	return nil
}
