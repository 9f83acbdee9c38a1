package model

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"aicpusched/internal/bufpool"
	"aicpusched/internal/hccl"
)

// AsyncTaskInfo is deferred release work: wait for the paired collective
// request, then return the output buffer to its pool.
type AsyncTaskInfo struct {
	Request    hccl.Request
	OutputMbuf bufpool.Mbuf
}

// AsyncStats is a snapshot of the release service counters.
type AsyncStats struct {
	Running   bool  `json:"running"`
	Workers   int   `json:"workers"`
	Pending   int   `json:"pending"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// asyncRelease is a fixed worker pool over a bounded FIFO. Workers start on
// the first submitted task and are joined by wait. Tasks still queued when
// wait is called are processed before the workers exit so no output buffer
// is leaked. A closed pool refuses tasks until it is opened again, so a
// kernel finishing during teardown cannot restart the workers.
type asyncRelease struct {
	mu      sync.Mutex
	workers int
	depth   int
	work    chan AsyncTaskInfo
	wg      *sync.WaitGroup
	cancel  context.CancelFunc
	running bool
	closed  bool

	process   func(context.Context, AsyncTaskInfo) error
	processed atomic.Int64
	failed    atomic.Int64

	modelID uint32
	log     zerolog.Logger
}

func newAsyncRelease(modelID uint32, workers, depth int, process func(context.Context, AsyncTaskInfo) error, log zerolog.Logger) *asyncRelease {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = 1024
	}
	return &asyncRelease{workers: workers, depth: depth, process: process, modelID: modelID, log: log}
}

// add queues task, starting the workers when they are not running. The
// caller keeps ownership of the buffer when an error is returned.
func (a *asyncRelease) add(task AsyncTaskInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return newError(CodeStatusNotAllow, a.modelID, "async release closed, model is tearing down")
	}
	if !a.running {
		a.startLocked()
	}
	select {
	case a.work <- task:
		asyncQueueDepth.WithLabelValues(a.label()).Set(float64(len(a.work)))
		return nil
	default:
		return newError(CodeInner, a.modelID, "async release queue full (%d)", a.depth)
	}
}

func (a *asyncRelease) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	a.work = make(chan AsyncTaskInfo, a.depth)
	a.wg = &sync.WaitGroup{}
	a.cancel = cancel
	a.running = true
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.worker(ctx, a.work, a.wg)
	}
	a.log.Info().Uint32("model_id", a.modelID).Int("workers", a.workers).Msg("start async release workers")
}

func (a *asyncRelease) worker(ctx context.Context, work <-chan AsyncTaskInfo, wg *sync.WaitGroup) {
	defer wg.Done()
	for task := range work {
		err := a.process(ctx, task)
		a.processed.Add(1)
		result := "success"
		if err != nil {
			a.failed.Add(1)
			result = "error"
			a.log.Error().Err(err).Uint32("model_id", a.modelID).Msg("async release task failed")
		}
		asyncProcessedTotal.WithLabelValues(result).Inc()
		asyncQueueDepth.WithLabelValues(a.label()).Set(float64(len(work)))
	}
}

// wait closes the FIFO and joins every worker once the queued tasks are
// processed. It is a no-op when the workers are not running.
func (a *asyncRelease) wait() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.work)
	wg, cancel := a.wg, a.cancel
	a.work, a.wg, a.cancel = nil, nil, nil
	a.mu.Unlock()

	wg.Wait()
	cancel()
	asyncQueueDepth.WithLabelValues(a.label()).Set(0)
	a.log.Info().Uint32("model_id", a.modelID).Msg("async release workers finished")
}

// close refuses further tasks. Queued tasks are still drained by wait.
func (a *asyncRelease) close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
}

func (a *asyncRelease) open() {
	a.mu.Lock()
	a.closed = false
	a.mu.Unlock()
}

func (a *asyncRelease) stats() AsyncStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	pending := 0
	if a.work != nil {
		pending = len(a.work)
	}
	return AsyncStats{
		Running:   a.running,
		Workers:   a.workers,
		Pending:   pending,
		Processed: a.processed.Load(),
		Failed:    a.failed.Load(),
	}
}

func (a *asyncRelease) label() string { return strconv.FormatUint(uint64(a.modelID), 10) }
