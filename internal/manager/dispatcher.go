package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"aicpusched/internal/model"
)

type queuedEvent struct {
	ev   model.Event
	opID string
}

// shard is an unbounded FIFO drained by one goroutine. Publishing never
// blocks so a model may publish from inside a dispatched event.
type shard struct {
	mu     sync.Mutex
	queue  []queuedEvent
	busy   bool
	stop   bool
	signal chan struct{}
}

// dispatcher runs model events in publish order per model. Models are
// spread over a fixed set of shards by id.
type dispatcher struct {
	shards  []*shard
	handle  func(ctx context.Context, ev model.Event) error
	timeout time.Duration
	log     zerolog.Logger

	closed     atomic.Bool
	pending    atomic.Int64
	dispatched atomic.Uint64
	wg         sync.WaitGroup
}

func newDispatcher(workers int, timeout time.Duration, handle func(context.Context, model.Event) error, log zerolog.Logger) *dispatcher {
	d := &dispatcher{handle: handle, timeout: timeout, log: log}
	d.shards = make([]*shard, workers)
	for i := range d.shards {
		s := &shard{signal: make(chan struct{}, 1)}
		d.shards[i] = s
		d.wg.Add(1)
		go d.run(s)
	}
	return d
}

// Publish queues ev. Events published after close are dropped.
func (d *dispatcher) Publish(ev model.Event) {
	if d.closed.Load() {
		d.log.Debug().Str("event", ev.Name).Uint32("model_id", ev.ModelID).Msg("dispatcher closed, event dropped")
		return
	}
	s := d.shards[int(ev.ModelID)%len(d.shards)]
	s.mu.Lock()
	s.queue = append(s.queue, queuedEvent{ev: ev, opID: uuid.NewString()})
	s.mu.Unlock()
	dispatchPending.Set(float64(d.pending.Add(1)))
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run(s *shard) {
	defer d.wg.Done()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.busy = false
			stop := s.stop
			s.mu.Unlock()
			if stop {
				return
			}
			<-s.signal
			continue
		}
		qe := s.queue[0]
		s.queue[0] = queuedEvent{}
		s.queue = s.queue[1:]
		s.busy = true
		s.mu.Unlock()

		dispatchPending.Set(float64(d.pending.Add(-1)))
		d.dispatch(qe)
	}
}

func (d *dispatcher) dispatch(qe queuedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	log := d.log.With().Str("op_id", qe.opID).Str("event", qe.ev.Name).Uint32("model_id", qe.ev.ModelID).Logger()
	start := time.Now()
	err := d.handle(ctx, qe.ev)
	d.dispatched.Add(1)
	result := "ok"
	switch {
	case err == nil:
		log.Debug().Dur("took", time.Since(start)).Msg("event dispatched")
	case model.IsNotAllowed(err), model.IsModelNotFound(err):
		result = model.CodeOf(err).String()
		log.Debug().Err(err).Msg("event skipped")
	default:
		result = model.CodeOf(err).String()
		log.Warn().Err(err).Dur("took", time.Since(start)).Msg("event failed")
	}
	dispatchTotal.WithLabelValues(qe.ev.Name, result).Inc()
}

// waitIdle polls until every shard is empty and idle.
func (d *dispatcher) waitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if d.idle() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func (d *dispatcher) idle() bool {
	for _, s := range d.shards {
		s.mu.Lock()
		busy := s.busy || len(s.queue) > 0
		s.mu.Unlock()
		if busy {
			return false
		}
	}
	return true
}

// close stops accepting events, lets every shard drain what is queued and
// joins the workers.
func (d *dispatcher) close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	for _, s := range d.shards {
		s.mu.Lock()
		s.stop = true
		s.mu.Unlock()
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
	d.wg.Wait()
}

func (d *dispatcher) stats() (pending int, dispatched uint64) {
	return int(d.pending.Load()), d.dispatched.Load()
}

func streamIDOf(ev model.Event) (uint32, bool) {
	v, ok := ev.Fields["stream_id"]
	if !ok {
		return 0, false
	}
	switch id := v.(type) {
	case uint32:
		return id, true
	case int:
		return uint32(id), true
	case float64:
		return uint32(id), true
	}
	return 0, false
}

// handleEvent maps a model event to the operation that continues the
// model's execution.
func (m *Manager) handleEvent(ctx context.Context, ev model.Event) error {
	switch ev.Name {
	case model.EventActiveStream, model.EventRecoverStream, model.EventRepeatModel:
	default:
		m.log.Debug().Str("event", ev.Name).Uint32("model_id", ev.ModelID).Interface("fields", ev.Fields).Msg("model event")
		return nil
	}
	mdl, err := m.GetModel(ev.ModelID)
	if err != nil {
		return err
	}
	switch ev.Name {
	case model.EventRepeatModel:
		return mdl.Repeat(ctx)
	case model.EventActiveStream:
		sid, ok := streamIDOf(ev)
		if !ok {
			return model.Errorf(model.CodeParamInvalid, "active stream event without stream id")
		}
		return mdl.ActiveStream(ctx, sid)
	default:
		sid, ok := streamIDOf(ev)
		if !ok {
			return model.Errorf(model.CodeParamInvalid, "recover stream event without stream id")
		}
		return mdl.RecoverStream(ctx, sid)
	}
}
