package manager

import (
	"time"

	"github.com/rs/zerolog"

	"aicpusched/internal/bufpool"
	"aicpusched/internal/hccl"
	"aicpusched/internal/model"
	"aicpusched/internal/queue"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultAsyncWorkers      = 2
	defaultAsyncQueueDepth   = 1024
	defaultGatherCacheNum    = 64
	defaultGatherTimeoutMs   = 1000
	defaultDispatchWorkers   = 4
	defaultHostPoolBlocks    = 1024
	defaultHostPoolBlockSize = 64 * 1024
	defaultExecTimeout       = 30 * time.Second
)

// Config encapsulates all tunables for Manager construction. Nil
// collaborators are replaced by in-process implementations.
type Config struct {
	Queues queue.Driver
	Pools  *bufpool.Registry
	HCCL   hccl.Comm
	Logger *zerolog.Logger

	AsyncWorkers    int
	AsyncQueueDepth int
	GatherCacheNum  int
	GatherTimeoutMs int64
	// DispatchWorkers bounds how many models run events concurrently. Events
	// of one model always run in order on the same worker.
	DispatchWorkers int
	// InputPollInterval periodically recovers every parked stream, for
	// producers that enqueue without going through the manager. Zero disables
	// polling.
	InputPollInterval time.Duration
	// ExecTimeout bounds one dispatched event.
	ExecTimeout time.Duration

	HostPoolBlocks    int
	HostPoolBlockSize uint64

	// HasThread runs other AICPU streams from dispatched activations instead
	// of inline on the head stream.
	HasThread bool
	Flags     model.Flags
}

func (c *Config) applyDefaults() {
	if c.AsyncWorkers <= 0 {
		c.AsyncWorkers = defaultAsyncWorkers
	}
	if c.AsyncQueueDepth <= 0 {
		c.AsyncQueueDepth = defaultAsyncQueueDepth
	}
	if c.GatherCacheNum <= 0 {
		c.GatherCacheNum = defaultGatherCacheNum
	}
	if c.GatherTimeoutMs <= 0 {
		c.GatherTimeoutMs = defaultGatherTimeoutMs
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = defaultDispatchWorkers
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = defaultExecTimeout
	}
	if c.HostPoolBlocks <= 0 {
		c.HostPoolBlocks = defaultHostPoolBlocks
	}
	if c.HostPoolBlockSize == 0 {
		c.HostPoolBlockSize = defaultHostPoolBlockSize
	}
	if c.Queues == nil {
		c.Queues = queue.NewMemoryDriver(0)
	}
	if c.Pools == nil {
		c.Pools = bufpool.NewRegistry()
	}
	if c.HCCL == nil {
		c.HCCL = hccl.NewNop()
	}
}
