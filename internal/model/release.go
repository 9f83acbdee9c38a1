package model

import (
	"aicpusched/internal/bufpool"
	"aicpusched/internal/queue"
)

// releaseResource resets per-iteration state and joins the async release
// workers. teardown additionally returns every gathered buffer to its pool.
func (m *Model) releaseResource(teardown bool) {
	m.endOfSequence.Store(false)
	m.retCode.Store(0)
	m.nullData.Store(false)
	m.ResetInputsDequeued()
	if rec, ok := m.TakeInput(); ok {
		m.freeRecord(rec)
	}

	m.async.wait()

	m.resMu.Lock()
	initType, tag := m.hcclInitType, m.hcclTag
	m.resMu.Unlock()

	if initType == HCCLInitForEmbedding && m.deps.HCCL != nil {
		m.log.Info().Uint32("model_id", m.id).Int32("tag", tag).Msg("abort hccl")
		m.deps.HCCL.AbortSelf(tag)
	}
	if teardown {
		if n := m.gather.ClearGatheredMbuf(); n > 0 {
			m.log.Info().Uint32("model_id", m.id).Int("mbufs", n).Msg("released gathered mbufs")
		}
	}
	m.ClearAllLockedTable()
}

// quiesce stops new work reaching the gather table and the async release
// workers, then waits for every stream loop to leave. Teardown paths call it
// before releaseResource so a kernel finishing late cannot restart workers
// that were already joined.
func (m *Model) quiesce() {
	m.gather.Close()
	m.async.close()
	m.waitStreams()
}

// waitStreams blocks until no stream loop holds the stream lock.
func (m *Model) waitStreams() {
	m.streamsMu.Lock()
	m.streamsMu.Unlock()
}

// destroyGroups destroys the comm groups created on load.
func (m *Model) destroyGroups() {
	m.resMu.Lock()
	groups := m.groups
	m.groups = nil
	m.resMu.Unlock()
	for _, g := range groups {
		if m.deps.HCCL == nil {
			break
		}
		if err := m.deps.HCCL.DestroyGroup(g); err != nil {
			m.log.Error().Err(err).Uint32("model_id", m.id).Str("group", g).Msg("destroy comm group failed")
			continue
		}
		m.log.Info().Uint32("model_id", m.id).Str("group", g).Msg("destroy comm group")
	}
}

// clearLoadInfo undoes everything Load set up.
func (m *Model) clearLoadInfo() {
	m.streamsMu.Lock()
	for _, s := range m.streams {
		idx, kernel, done := s.Progress()
		m.log.Info().Uint32("model_id", m.id).Uint32("stream_id", s.ID()).Int("index", idx).
			Str("kernel", kernel).Bool("finished", done).Msg("stream progress")
		s.ResetTasks()
	}
	m.streams = make(map[uint32]*Stream)
	m.allStreams = nil
	m.otherStreams = nil
	m.headStream = InvalidID
	m.reportStream = InvalidID
	m.streamsMu.Unlock()

	m.queueMu.Lock()
	queues := append(append(append(append([]uint32(nil), m.inputQueues...), m.outputQueues...),
		m.inputMsgQueues...), m.outputMsgQueues...)
	m.inputQueues, m.outputQueues = nil, nil
	m.inputMsgQueues, m.outputMsgQueues = nil, nil
	m.inputsDequeued = nil
	m.queueMu.Unlock()
	if m.deps.Queues != nil {
		for _, q := range queues {
			if err := m.deps.Queues.Detach(q); err != nil {
				m.log.Warn().Err(err).Uint32("model_id", m.id).Uint32("queue_id", q).Msg("detach queue failed")
			}
		}
	}

	m.gather.ClearGatheredMbuf()

	m.resMu.Lock()
	pools := append(append([]*bufpool.Pool(nil), m.inputPools...), m.outputPools...)
	m.inputPools, m.outputPools = nil, nil
	initType, tag := m.hcclInitType, m.hcclTag
	m.hcclInitType = HCCLInitNone
	m.supportCounterFilter = false
	m.resMu.Unlock()
	if m.deps.Pools != nil {
		for _, p := range pools {
			if n := p.FreeAll(); n > 0 {
				m.log.Info().Uint32("model_id", m.id).Uint32("pool_id", p.ID()).Int("mbufs", n).Msg("reclaimed pool mbufs")
			}
			m.deps.Pools.Remove(p)
		}
	}
	if initType == HCCLInitForEmbedding && m.deps.HCCL != nil {
		if err := m.deps.HCCL.DestroyResource(tag); err != nil {
			m.log.Warn().Err(err).Uint32("model_id", m.id).Int32("tag", tag).Msg("destroy hccl resource failed")
		}
	}
	m.exc.Reset()
	m.iterations.Store(0)
}

// clearInputQueues dequeues every pending buffer of the model input and
// input message queues and frees it.
func (m *Model) clearInputQueues() error {
	m.queueMu.Lock()
	queues := append(append([]uint32(nil), m.inputQueues...), m.inputMsgQueues...)
	m.queueMu.Unlock()
	if len(queues) == 0 {
		return nil
	}
	if m.deps.Queues == nil {
		return newError(CodeFromDriver, m.id, "no queue driver")
	}
	for _, q := range queues {
		n, err := queue.Drain(m.deps.Queues, q, func(mb bufpool.Mbuf) {
			if m.deps.Pools == nil {
				return
			}
			if err := m.deps.Pools.Free(mb); err != nil {
				m.log.Warn().Err(err).Uint32("model_id", m.id).Uint32("queue_id", q).Msg("free drained mbuf failed")
			}
		})
		if err != nil {
			return wrapError(CodeFromDriver, m.id, err, "dequeue from queue %d", q)
		}
		m.log.Info().Uint32("model_id", m.id).Uint32("queue_id", q).Int("mbufs", n).Msg("cleared input queue")
	}
	return nil
}
