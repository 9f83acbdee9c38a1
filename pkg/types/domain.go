package types

// StreamSpec describes one stream of a model.
type StreamSpec struct {
	// Stream id, unique within the model.
	// example: 0
	ID uint32 `json:"stream_id" example:"0"`
	// True for streams executed by the scheduler.
	// example: true
	AICPU bool `json:"aicpu" example:"true"`
	// True for the single stream started by execute.
	// example: true
	Head bool `json:"head,omitempty" example:"true"`
}

// TaskSpec describes one task bound to a stream.
type TaskSpec struct {
	// example: 0
	ID uint32 `json:"task_id" example:"0"`
	// example: 0
	StreamID uint32 `json:"stream_id" example:"0"`
	// Registered kernel executing the task.
	// example: modelDequeue
	Kernel string `json:"kernel" example:"modelDequeue"`
	// Kernel specific parameters, passed through verbatim.
	Params map[string]any `json:"params,omitempty"`
}

// QueueSpec binds a queue to the model.
type QueueSpec struct {
	// example: 100
	ID uint32 `json:"queue_id" example:"100"`
	// One of input, output, client_input, client_output.
	// example: input
	Direction string `json:"direction" example:"input"`
}

// PoolSpec sizes one buffer pool.
type PoolSpec struct {
	// example: 64
	BlockNum int `json:"block_num" example:"64"`
	// example: 4096
	BlockSize uint64 `json:"block_size" example:"4096"`
}

// CommGroupSpec is a collective group created with the model.
type CommGroupSpec struct {
	// example: group0
	Name string `json:"name" example:"group0"`
	// example: [0,1]
	RankIDs []uint32 `json:"rank_ids"`
}

// ModelConfigSpec is the optional load-time configuration.
type ModelConfigSpec struct {
	// One of embedding, sync_event.
	// example: sync_event
	Type string `json:"type" example:"sync_event"`
	// example: 0
	TagID int32 `json:"tag_id,omitempty" example:"0"`
	// example: 0
	PsID                 int32           `json:"ps_id,omitempty" example:"0"`
	InputPools           []PoolSpec      `json:"input_pools,omitempty"`
	OutputPools          []PoolSpec      `json:"output_pools,omitempty"`
	SupportCounterFilter bool            `json:"support_counter_filter,omitempty"`
	CommGroups           []CommGroupSpec `json:"comm_groups,omitempty"`
}

// ModelSpec is everything needed to load a model.
type ModelSpec struct {
	// example: 1
	ID uint32 `json:"model_id" example:"1"`
	// example: 0
	TsID           uint32           `json:"ts_id,omitempty" example:"0"`
	Streams        []StreamSpec     `json:"streams"`
	Tasks          []TaskSpec       `json:"tasks"`
	Queues         []QueueSpec      `json:"queues,omitempty"`
	InputMsgQueue  *uint32          `json:"input_msg_queue,omitempty"`
	OutputMsgQueue *uint32          `json:"output_msg_queue,omitempty"`
	Config         *ModelConfigSpec `json:"config,omitempty"`
}
