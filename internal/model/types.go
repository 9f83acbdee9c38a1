package model

import (
	"context"
	"math"
)

const (
	// InvalidID marks an unset stream or model id.
	InvalidID = math.MaxUint32
	// InvalidTransID marks an unset transaction id.
	InvalidTransID = math.MaxUint64
	// InvalidTaskIndex means no goto was requested by the task.
	InvalidTaskIndex = -1
)

// Stream flags carried by StreamInfo.Flags.
const (
	StreamFlagAICPU uint32 = 1 << 0
	StreamFlagHead  uint32 = 1 << 5
)

// KernelType selects how a task is dispatched.
type KernelType uint32

const (
	KernelTypeCCE KernelType = iota
	KernelTypeFWK
	KernelTypeAICPU
	KernelTypeCustom
	KernelTypeCCEHWTS
)

// Task describes one device task bound to a stream.
type Task struct {
	ID         uint32     `json:"task_id"`
	StreamID   uint32     `json:"stream_id"`
	KernelType KernelType `json:"kernel_type"`
	KernelName string     `json:"kernel_name"`
	KernelSo   string     `json:"kernel_so,omitempty"`
	Flags      uint32     `json:"flags,omitempty"`
	Params     []byte     `json:"params,omitempty"`
}

// RunContext is shared between the stream loop and the task being executed.
// Tasks set Pending to park the stream, GotoTaskIndex to jump, or StreamID to
// switch streams during inline execution.
type RunContext struct {
	ModelID       uint32
	ModelTsID     uint32
	StreamID      uint32
	Pending       bool
	ExecuteInline bool
	GotoTaskIndex int
}

// TaskExecutor runs a single task on the device. It is the TS/HWTS
// collaborator; implementations must honour ctx cancellation.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, task Task, rc *RunContext) error
}

// TaskExecutorFunc adapts a function to TaskExecutor.
type TaskExecutorFunc func(ctx context.Context, task Task, rc *RunContext) error

func (f TaskExecutorFunc) ExecuteTask(ctx context.Context, task Task, rc *RunContext) error {
	return f(ctx, task, rc)
}

// StreamInfo describes a stream of the model, AICPU or not.
type StreamInfo struct {
	ID    uint32 `json:"stream_id"`
	Flags uint32 `json:"flags"`
}

// QueueFlag is the direction of a model queue.
type QueueFlag uint32

const (
	QueueFlagInput QueueFlag = iota
	QueueFlagOutput
	QueueFlagClientInput
	QueueFlagClientOutput
)

// QueueInfo binds a hardware queue to the model.
type QueueInfo struct {
	ID   uint32    `json:"queue_id"`
	Flag QueueFlag `json:"flag"`
}

// Info is everything needed to load a model.
type Info struct {
	ID      uint32       `json:"model_id"`
	TsID    uint32       `json:"ts_id"`
	Streams []StreamInfo `json:"streams"`
	Tasks   []Task       `json:"tasks"`
	Queues  []QueueInfo  `json:"queues,omitempty"`
	// Optional message queues subscribed besides the data queues.
	InputMsgQueue  *uint32 `json:"input_msg_queue,omitempty"`
	OutputMsgQueue *uint32 `json:"output_msg_queue,omitempty"`
}

// Type selects the configuration flavour of a model.
type Type uint32

const (
	TypeEmbedding Type = iota
	TypeSyncEvent
)

// PoolConfig sizes one input or output buffer pool.
type PoolConfig struct {
	BlockNum  int    `json:"block_num"`
	BlockSize uint64 `json:"block_size"`
}

// CommGroup is an HCCL group created with the model.
type CommGroup struct {
	Name    string   `json:"name"`
	RankIDs []uint32 `json:"rank_ids"`
}

// Config is the optional load-time configuration.
type Config struct {
	Type                 Type         `json:"type"`
	TagID                int32        `json:"tag_id"`
	PsID                 int32        `json:"ps_id"`
	InputPools           []PoolConfig `json:"input_pools,omitempty"`
	OutputPools          []PoolConfig `json:"output_pools,omitempty"`
	SupportCounterFilter bool         `json:"support_counter_filter,omitempty"`
	CommGroups           []CommGroup  `json:"comm_groups,omitempty"`
}

// Flags are the abnormal-handling switches resolved at load time.
type Flags struct {
	AbnormalBreak   bool
	AbnormalEnqueue bool
	AbnormalEnabled bool
}

// HCCLInitType records which HCCL flavour the model configured.
type HCCLInitType int

const (
	HCCLInitForEmbedding HCCLInitType = iota
	HCCLInitForSyncEvent
	HCCLInitNone
)
