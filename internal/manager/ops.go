package manager

import (
	"context"

	"aicpusched/internal/model"
	"aicpusched/pkg/types"
)

// LoadModel creates the model on first use and loads it. A model whose load
// fails is forgotten again unless it already existed.
func (m *Manager) LoadModel(ctx context.Context, info model.Info, cfg *model.Config) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	mdl, ok := m.models[info.ID]
	if !ok {
		mdl = model.New(info.ID, m.modelDeps(info.ID))
		m.models[info.ID] = mdl
	}
	m.mu.Unlock()

	if err := mdl.Load(ctx, info, cfg); err != nil {
		if !ok {
			m.mu.Lock()
			if m.models[info.ID] == mdl && mdl.Status() == model.StatusUninit {
				delete(m.models, info.ID)
			}
			m.mu.Unlock()
		}
		return err
	}
	m.loadsTotal.Add(1)
	m.log.Info().Uint32("model_id", info.ID).Int("tasks", len(info.Tasks)).Msg("model loaded")
	return nil
}

// detach runs the caller's context without its cancellation so a request
// that goes away does not interrupt the streams it started.
func (m *Manager) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ExecTimeout)
}

// ExecuteModel starts an iteration: the head stream runs in the caller and
// the other AICPU streams are dispatched.
func (m *Manager) ExecuteModel(ctx context.Context, id uint32) error {
	mdl, err := m.GetModel(id)
	if err != nil {
		return err
	}
	ctx, cancel := m.detach(ctx)
	defer cancel()
	return mdl.Execute(ctx)
}

func (m *Manager) AbortModel(ctx context.Context, id uint32) error {
	mdl, err := m.GetModel(id)
	if err != nil {
		return err
	}
	if err := mdl.Abort(ctx); err != nil {
		return err
	}
	m.waits.forget(id)
	return nil
}

// DestroyModel tears the model down and removes it from the registry.
func (m *Manager) DestroyModel(ctx context.Context, id uint32) error {
	mdl, err := m.GetModel(id)
	if err != nil {
		return err
	}
	if err := mdl.Destroy(ctx); err != nil {
		return err
	}
	m.waits.forget(id)
	m.mu.Lock()
	if m.models[id] == mdl {
		delete(m.models, id)
	}
	m.mu.Unlock()
	m.log.Info().Uint32("model_id", id).Msg("model destroyed")
	return nil
}

func (m *Manager) StopModel(ctx context.Context, id uint32) error {
	mdl, err := m.GetModel(id)
	if err != nil {
		return err
	}
	if err := mdl.Stop(ctx); err != nil {
		return err
	}
	m.waits.forget(id)
	return nil
}

func (m *Manager) RestartModel(ctx context.Context, id uint32) error {
	mdl, err := m.GetModel(id)
	if err != nil {
		return err
	}
	return mdl.Restart(ctx)
}

func (m *Manager) ClearModelInput(ctx context.Context, id uint32) error {
	mdl, err := m.GetModel(id)
	if err != nil {
		return err
	}
	return mdl.ClearInput(ctx)
}

func (m *Manager) EndGraph(ctx context.Context, id uint32) error {
	mdl, err := m.GetModel(id)
	if err != nil {
		return err
	}
	return mdl.EndGraph(ctx)
}

// ProcessDataException adds or expires an exception transaction on a model.
func (m *Manager) ProcessDataException(id uint32, transID uint64, action model.ExceptionAction) error {
	mdl, err := m.GetModel(id)
	if err != nil {
		return err
	}
	return mdl.ProcessDataException(transID, action)
}

// LoadSpec converts a wire spec and loads it.
func (m *Manager) LoadSpec(ctx context.Context, spec types.ModelSpec) error {
	info, cfg, err := FromSpec(spec)
	if err != nil {
		return err
	}
	return m.LoadModel(ctx, info, cfg)
}

// Operation names accepted by Operate.
const (
	OpExecute    = "execute"
	OpAbort      = "abort"
	OpDestroy    = "destroy"
	OpStop       = "stop"
	OpRestart    = "restart"
	OpClearInput = "clear-input"
	OpEndGraph   = "end-graph"
)

// Operate runs the named lifecycle operation on model id and returns the
// operation id logged with it.
func (m *Manager) Operate(ctx context.Context, id uint32, op string) (string, error) {
	var fn func(context.Context, uint32) error
	switch op {
	case OpExecute:
		fn = m.ExecuteModel
	case OpAbort:
		fn = m.AbortModel
	case OpDestroy:
		fn = m.DestroyModel
	case OpStop:
		fn = m.StopModel
	case OpRestart:
		fn = m.RestartModel
	case OpClearInput:
		fn = m.ClearModelInput
	case OpEndGraph:
		fn = m.EndGraph
	default:
		return "", model.Errorf(model.CodeParamInvalid, "unknown operation %q", op)
	}
	opID := m.nextOpID()
	err := fn(ctx, id)
	ev := m.log.Debug()
	if err != nil {
		ev = m.log.Warn().Err(err)
	}
	ev.Str("op_id", opID).Str("op", op).Uint32("model_id", id).Msg("model operation")
	return opID, err
}
