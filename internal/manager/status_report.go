package manager

import (
	"sort"
	"time"

	"aicpusched/internal/model"
	"aicpusched/pkg/types"
)

// Ready reports whether the manager accepts operations.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

// ListModels returns a status line per model, ordered by id.
func (m *Manager) ListModels() []types.ModelStatus {
	m.mu.RLock()
	models := make([]*model.Model, 0, len(m.models))
	for _, mdl := range m.models {
		models = append(models, mdl)
	}
	m.mu.RUnlock()
	sort.Slice(models, func(i, j int) bool { return models[i].ID() < models[j].ID() })

	out := make([]types.ModelStatus, 0, len(models))
	for _, mdl := range models {
		out = append(out, modelStatus(mdl.Snapshot()))
	}
	return out
}

// ModelStatus returns the status line of one model.
func (m *Manager) ModelStatus(id uint32) (types.ModelStatus, error) {
	mdl, err := m.GetModel(id)
	if err != nil {
		return types.ModelStatus{}, err
	}
	return modelStatus(mdl.Snapshot()), nil
}

func modelStatus(s model.Snapshot) types.ModelStatus {
	ms := types.ModelStatus{
		ModelID:       s.ID,
		Status:        s.Status,
		Valid:         s.Valid,
		Iterations:    s.Iterations,
		RetCode:       s.RetCode,
		HeadStream:    s.HeadStream,
		Streams:       s.Streams,
		InputQueues:   s.InputQueues,
		OutputQueues:  s.OutputQueues,
		GatherKeys:    s.GatherKeys,
		Exceptions:    s.Exceptions,
		LockedTables:  s.LockedTables,
		EndOfSequence: s.EndOfSequence,
		AsyncRelease: types.AsyncStatus{
			Running:   s.Async.Running,
			Workers:   s.Async.Workers,
			Pending:   s.Async.Pending,
			Processed: s.Async.Processed,
			Failed:    s.Async.Failed,
		},
	}
	if s.TransID != model.InvalidTransID {
		tid := s.TransID
		ms.TransID = &tid
	}
	return ms
}

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	pending, dispatched := m.disp.stats()
	m.mu.RLock()
	state := "ready"
	if m.closed {
		state = "closing"
	}
	m.mu.RUnlock()
	now := time.Now()
	return types.StatusResponse{
		Models:          m.ListModels(),
		UptimeSeconds:   int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix:  now.Unix(),
		DispatchPending: pending,
		DispatchedTotal: dispatched,
		ParkedStreams:   m.waits.Len(),
		LoadsTotal:      m.loadsTotal.Load(),
		State:           state,
	}
}
