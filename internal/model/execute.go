package model

import (
	"context"
)

// ExecuteStream drives streamID one task at a time until the stream ends,
// parks on a pending task, or fails. With inline set, a task that switches
// rc.StreamID pushes the current stream and continues on the new one; the
// pushed stream resumes when the switched-to stream ends.
//
// A failed task ends the loop unless abnormal handling is enabled, in which
// case only CodeTaskExecuteFailed is fatal and other failures are folded into
// the model ret code. A fatal failure reports the task and, unless the model
// breaks on abnormal data, asks for the next iteration.
func (m *Model) ExecuteStream(ctx context.Context, streamID uint32, inline bool) error {
	m.streamsMu.RLock()
	stream, ok := m.streams[streamID]
	if !ok {
		m.streamsMu.RUnlock()
		m.log.Error().Uint32("model_id", m.id).Uint32("stream_id", streamID).Msg("execute stream failed, stream not found")
		return newError(CodeStreamNotFound, m.id, "stream %d not found", streamID)
	}
	rc := RunContext{
		ModelID:       m.id,
		ModelTsID:     m.tsID,
		StreamID:      streamID,
		ExecuteInline: inline,
		GotoTaskIndex: InvalidTaskIndex,
	}
	current := streamID
	var (
		stack    []uint32
		err      error
		stopped  bool
		abnormal = m.abnormalEnabled.Load()
	)
	for {
		if cerr := ctx.Err(); cerr != nil {
			err, stopped = wrapError(CodeInner, m.id, cerr, "stream %d interrupted", current), true
			break
		}
		if perr := m.checkOperate(OperateRunTask); perr != nil {
			err, stopped = perr, true
			break
		}
		var end bool
		end, err = stream.ExecuteNextTask(ctx, &rc)
		if err != nil && (!abnormal || CodeOf(err) == CodeTaskExecuteFailed) {
			break
		}
		m.updateRetCode(err)
		err = nil

		if inline {
			next := uint32(InvalidID)
			switch {
			case rc.StreamID != current:
				stack = append(stack, current)
				next = rc.StreamID
			case end && len(stack) > 0:
				next = stack[len(stack)-1]
				stack = stack[:len(stack)-1]
			}
			if next != InvalidID {
				current = next
				rc.StreamID = next
				if stream, ok = m.streams[next]; !ok {
					err = newError(CodeStreamNotFound, m.id, "stream %d switched to stream %d which is not found", streamID, next)
					break
				}
				continue
			}
		}
		if rc.Pending || end {
			break
		}
	}
	m.streamsMu.RUnlock()

	if err == nil {
		m.log.Debug().Uint32("model_id", m.id).Uint32("stream_id", streamID).Bool("pending", rc.Pending).
			Msg("execute stream success")
		return nil
	}
	if stopped {
		m.log.Info().Err(err).Uint32("model_id", m.id).Uint32("stream_id", current).Msg("stream stopped")
		return err
	}
	m.log.Error().Err(err).Uint32("model_id", m.id).Uint32("stream_id", streamID).
		Uint32("current_stream_id", current).Msg("execute stream failed")
	if rerr := m.TaskReport(); rerr != nil {
		m.log.Warn().Err(rerr).Uint32("model_id", m.id).Msg("task report rejected")
	}
	m.processModelException()
	if CodeOf(err) == CodeInner {
		return wrapError(CodeTaskExecuteFailed, m.id, err, "stream %d", current)
	}
	return err
}

// updateRetCode folds the first failure of an iteration into the model ret
// code when abnormal handling is enabled.
func (m *Model) updateRetCode(err error) {
	if err == nil || !m.abnormalEnabled.Load() {
		return
	}
	code := int32(CodeOf(err)) + InnerErrorBase
	if m.retCode.CompareAndSwap(0, code) {
		m.log.Info().Uint32("model_id", m.id).Int32("ret_code", code).Msg("update model ret code")
	}
}

// processModelException asks for the next iteration after a failure unless
// the model breaks on abnormal data.
func (m *Model) processModelException() {
	if m.AbnormalNeedBreak() {
		return
	}
	m.pub.Publish(Event{Name: EventRepeatModel, ModelID: m.id, Fields: map[string]any{"reason": "exception"}})
}
