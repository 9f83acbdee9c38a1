// Package kernel executes model tasks by kernel name. It is the task
// execution collaborator handed to every model: built-in kernels move data
// between queues and the gather table, and callers register their own.
package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aicpusched/internal/bufpool"
	"aicpusched/internal/model"
	"aicpusched/internal/queue"
)

// Defaults applied when the corresponding Options fields are unset.
const (
	defaultGatherTimeoutMs = 1000
	defaultGatherCacheNum  = 64
)

// Resolver finds the model a task belongs to.
type Resolver interface {
	Model(id uint32) (*model.Model, bool)
}

// Waiter recovers parked streams. Epoch advances whenever data is enqueued
// or a table is unlocked; a wait registered with a stale epoch is refused
// so the kernel retries instead of missing the wakeup.
type Waiter interface {
	Epoch() uint64
	// WaitQueues parks streamID until one of queueIDs receives data.
	WaitQueues(modelID, streamID uint32, queueIDs []uint32, epoch uint64) bool
	// WaitTable parks streamID until tableID is unlocked.
	WaitTable(modelID, streamID, tableID uint32, epoch uint64) bool
	// Notify reports that queueIDs received data.
	Notify(queueIDs ...uint32)
}

// TableLocker grants the shared embedding-table locks.
type TableLocker interface {
	TryLock(tableID uint32, write bool) bool
	UnlockTable(tableID uint32)
}

// Env is everything a kernel sees while it runs.
type Env struct {
	Task model.Task
	RC   *model.RunContext
	// Model is nil when the resolver does not know RC.ModelID.
	Model  *model.Model
	Queues queue.Driver
	Pools  *bufpool.Registry
	Locks  TableLocker
	Waiter Waiter
	Log    zerolog.Logger

	GatherTimeoutMs int64
	GatherCacheNum  int
}

// Handler runs one task. Returned errors should carry a model status code;
// plain errors are reported as inner failures.
type Handler func(ctx context.Context, env *Env) error

// Options configures a Registry.
type Options struct {
	Resolver Resolver
	Queues   queue.Driver
	Pools    *bufpool.Registry
	Locks    TableLocker
	Waiter   Waiter
	Logger   zerolog.Logger

	GatherTimeoutMs int64
	GatherCacheNum  int
}

// Registry maps kernel names to handlers and implements model.TaskExecutor.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	opts     Options
}

// New creates a registry with the built-in kernels registered.
func New(opts Options) *Registry {
	if opts.GatherTimeoutMs <= 0 {
		opts.GatherTimeoutMs = defaultGatherTimeoutMs
	}
	if opts.GatherCacheNum <= 0 {
		opts.GatherCacheNum = defaultGatherCacheNum
	}
	r := &Registry{handlers: make(map[string]Handler), opts: opts}
	for name, h := range builtins() {
		r.handlers[name] = h
	}
	return r
}

// Register adds a kernel. Names are unique.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("kernel: invalid registration %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("kernel: %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// SetResolver replaces the model resolver. The manager owns both the
// registry and the models, so it is wired after construction.
func (r *Registry) SetResolver(res Resolver) {
	r.mu.Lock()
	r.opts.Resolver = res
	r.mu.Unlock()
}

// SetWaiter replaces the waiter.
func (r *Registry) SetWaiter(w Waiter) {
	r.mu.Lock()
	r.opts.Waiter = w
	r.mu.Unlock()
}

// Names lists the registered kernels, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ExecuteTask implements model.TaskExecutor.
func (r *Registry) ExecuteTask(ctx context.Context, task model.Task, rc *model.RunContext) error {
	r.mu.RLock()
	h, ok := r.handlers[task.KernelName]
	opts := r.opts
	r.mu.RUnlock()
	if !ok {
		kernelExecTotal.WithLabelValues("unknown", "not_found").Inc()
		return model.Errorf(model.CodeTaskExecuteFailed, "kernel %q not registered", task.KernelName)
	}

	env := &Env{
		Task:            task,
		RC:              rc,
		Queues:          opts.Queues,
		Pools:           opts.Pools,
		Locks:           opts.Locks,
		Waiter:          opts.Waiter,
		GatherTimeoutMs: opts.GatherTimeoutMs,
		GatherCacheNum:  opts.GatherCacheNum,
		Log: opts.Logger.With().Str("kernel", task.KernelName).Uint32("model_id", rc.ModelID).
			Uint32("stream_id", rc.StreamID).Uint32("task_id", task.ID).Logger(),
	}
	if opts.Resolver != nil {
		env.Model, _ = opts.Resolver.Model(rc.ModelID)
	}

	start := time.Now()
	err := h(ctx, env)
	kernelExecSeconds.WithLabelValues(task.KernelName).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = model.CodeOf(err).String()
		env.Log.Debug().Err(err).Msg("kernel failed")
	}
	kernelExecTotal.WithLabelValues(task.KernelName, result).Inc()
	return err
}
