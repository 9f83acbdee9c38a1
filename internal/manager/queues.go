package manager

import (
	"aicpusched/internal/model"
	"aicpusched/internal/queue"
)

// Enqueue pushes one payload into queueID from the host pool, framed with
// the routing header, and recovers streams waiting on the queue.
func (m *Manager) Enqueue(queueID uint32, transID uint64, routeLabel uint32, data []byte) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		hostEnqueueTotal.WithLabelValues(result).Inc()
	}()
	if m.host == nil {
		return model.Errorf(model.CodeInner, "host pool unavailable")
	}
	mb, err := m.host.Alloc()
	if err != nil {
		return tooBusyError{what: "host pool"}
	}
	payload := queue.Header{TransID: transID, RouteLabel: routeLabel}.Encode(data)
	if err := m.host.SetData(mb, payload); err != nil {
		_ = m.host.Free(mb)
		return model.Errorf(model.CodeParamInvalid, "payload of %d bytes: %v", len(data), err)
	}
	if err := m.cfg.Queues.Enqueue(queueID, mb); err != nil {
		_ = m.host.Free(mb)
		return err
	}
	m.waits.Notify(queueID)
	return nil
}

// Dequeue takes one payload from queueID and returns its buffer to the
// owning pool.
func (m *Manager) Dequeue(queueID uint32) (queue.Header, []byte, error) {
	mb, err := m.cfg.Queues.Dequeue(queueID)
	if err != nil {
		return queue.Header{}, nil, err
	}
	raw := m.cfg.Pools.Data(mb)
	if ferr := m.cfg.Pools.Free(mb); ferr != nil {
		m.log.Warn().Err(ferr).Str("mbuf", mb.String()).Msg("free dequeued buffer failed")
	}
	h, body, err := queue.DecodeHeader(raw)
	if err != nil {
		return queue.Header{}, nil, model.Errorf(model.CodeInner, "queue %d: %v", queueID, err)
	}
	return h, append([]byte(nil), body...), nil
}
