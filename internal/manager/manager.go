package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"aicpusched/internal/bufpool"
	"aicpusched/internal/kernel"
	"aicpusched/internal/model"
)

// Manager is the model registry. It builds each model with the shared
// collaborators and drives them through the dispatcher.
type Manager struct {
	mu     sync.RWMutex
	models map[uint32]*model.Model
	closed bool

	cfg     Config
	kernels *kernel.Registry
	disp    *dispatcher
	waits   *waitList
	locks   *TableLockManager
	host    *bufpool.Pool
	log     zerolog.Logger

	subMu sync.RWMutex
	sub   model.EventPublisher

	loadsTotal atomic.Uint64
	startTime  time.Time
	pollStop   chan struct{}
	pollDone   chan struct{}
}

// New creates a manager with default tunables.
func New() *Manager {
	return NewWithConfig(Config{})
}

// NewWithConfig constructs a Manager from Config, applying defaults for
// unset fields, and starts its dispatcher.
func NewWithConfig(cfg Config) *Manager {
	cfg.applyDefaults()
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	m := &Manager{
		models:    make(map[uint32]*model.Model),
		cfg:       cfg,
		log:       log,
		startTime: time.Now(),
	}
	m.disp = newDispatcher(cfg.DispatchWorkers, cfg.ExecTimeout, m.handleEvent, log)
	m.waits = newWaitList(m.recoverParked)
	m.locks = NewTableLockManager()
	m.locks.onUnlock = m.waits.notifyTable
	m.kernels = kernel.New(kernel.Options{
		Resolver:        m,
		Queues:          cfg.Queues,
		Pools:           cfg.Pools,
		Locks:           m.locks,
		Waiter:          m.waits,
		Logger:          log,
		GatherTimeoutMs: cfg.GatherTimeoutMs,
		GatherCacheNum:  cfg.GatherCacheNum,
	})
	host, err := cfg.Pools.NewPool(cfg.HostPoolBlocks, cfg.HostPoolBlockSize)
	if err != nil {
		log.Error().Err(err).Msg("create host pool failed, host enqueue disabled")
	} else {
		m.host = host
	}
	if cfg.InputPollInterval > 0 {
		m.pollStop = make(chan struct{})
		m.pollDone = make(chan struct{})
		go m.poll(cfg.InputPollInterval)
	}
	return m
}

// Kernels exposes the kernel registry so callers can register their own.
func (m *Manager) Kernels() *kernel.Registry { return m.kernels }

// TableLocks exposes the shared table lock manager.
func (m *Manager) TableLocks() *TableLockManager { return m.locks }

// SetEventPublisher receives a copy of every model event.
func (m *Manager) SetEventPublisher(p model.EventPublisher) {
	m.subMu.Lock()
	m.sub = p
	m.subMu.Unlock()
}

// Model implements kernel.Resolver.
func (m *Manager) Model(id uint32) (*model.Model, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mdl, ok := m.models[id]
	return mdl, ok
}

// GetModel returns the model or a ModelNotFound error.
func (m *Manager) GetModel(id uint32) (*model.Model, error) {
	mdl, ok := m.Model(id)
	if !ok {
		return nil, model.ErrModelNotFound(id)
	}
	return mdl, nil
}

func (m *Manager) modelDeps(id uint32) model.Deps {
	return model.Deps{
		Executor:        m.kernels,
		Pools:           m.cfg.Pools,
		Queues:          m.cfg.Queues,
		HCCL:            m.cfg.HCCL,
		Publisher:       m,
		TableLocks:      m.locks,
		Logger:          m.log.With().Uint32("model_id", id).Logger(),
		AsyncWorkers:    m.cfg.AsyncWorkers,
		AsyncQueueDepth: m.cfg.AsyncQueueDepth,
		HasThread:       m.cfg.HasThread,
		Flags:           m.cfg.Flags,
	}
}

// Publish implements model.EventPublisher for every model: events are
// copied to the subscriber and queued on the dispatcher.
func (m *Manager) Publish(ev model.Event) {
	m.subMu.RLock()
	sub := m.sub
	m.subMu.RUnlock()
	if sub != nil {
		sub.Publish(ev)
	}
	m.disp.Publish(ev)
}

func (m *Manager) nextOpID() string { return uuid.NewString() }

// poll recovers every parked stream periodically.
func (m *Manager) poll(every time.Duration) {
	defer close(m.pollDone)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.pollStop:
			return
		case <-t.C:
			m.waits.recoverAll()
		}
	}
}

// WaitIdle blocks until no dispatched event is queued or running, or the
// timeout expires. It reports whether the dispatcher went idle.
func (m *Manager) WaitIdle(timeout time.Duration) bool {
	return m.disp.waitIdle(timeout)
}

// Close stops dispatching and tears every model down. It is safe to call
// more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	models := make([]*model.Model, 0, len(m.models))
	for _, mdl := range m.models {
		models = append(models, mdl)
	}
	m.mu.Unlock()

	if m.pollStop != nil {
		close(m.pollStop)
		<-m.pollDone
	}
	m.disp.close()
	for _, mdl := range models {
		mdl.Exit()
		m.waits.forget(mdl.ID())
	}
	if m.host != nil {
		if n := m.host.FreeAll(); n > 0 {
			m.log.Info().Int("count", n).Msg("host buffers reclaimed on close")
		}
	}
	m.log.Info().Int("models", len(models)).Msg("scheduler closed")
	return nil
}
