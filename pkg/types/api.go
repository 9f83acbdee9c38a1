package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Scheduler status code name, when the failure came from a model.
	// example: status_not_allow
	Status string `json:"status,omitempty" example:"status_not_allow"`
}

// OperationResponse acknowledges a lifecycle operation.
type OperationResponse struct {
	// example: 1
	ModelID uint32 `json:"model_id" example:"1"`
	// example: execute
	Operation string `json:"operation" example:"execute"`
	// Model status after the operation.
	// example: running
	Status string `json:"status" example:"running"`
	// Correlates the operation with log lines.
	// example: 6f1c0d3e-9a8b-4c4e-8f7a-2b1d0e9c7a55
	OpID string `json:"op_id" example:"6f1c0d3e-9a8b-4c4e-8f7a-2b1d0e9c7a55"`
}

// ExceptionRequest adds or expires a data exception transaction.
type ExceptionRequest struct {
	// example: 42
	TransID uint64 `json:"trans_id" example:"42"`
	// One of add, expire.
	// example: add
	Action string `json:"action" example:"add"`
}

// EnqueueRequest pushes one payload into a queue on behalf of a host
// producer.
type EnqueueRequest struct {
	// example: 42
	TransID uint64 `json:"trans_id" example:"42"`
	// example: 0
	RouteLabel uint32 `json:"route_label,omitempty" example:"0"`
	// Payload bytes, base64 encoded in JSON.
	Data []byte `json:"data,omitempty"`
}

// DequeueResponse is one payload taken from a queue.
type DequeueResponse struct {
	// example: 100
	QueueID uint32 `json:"queue_id" example:"100"`
	// example: 42
	TransID uint64 `json:"trans_id" example:"42"`
	// example: 0
	RouteLabel uint32 `json:"route_label" example:"0"`
	Data       []byte `json:"data,omitempty"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []ModelStatus `json:"models"`
}

// AsyncStatus summarises a model's release workers.
type AsyncStatus struct {
	Running   bool  `json:"running"`
	Workers   int   `json:"workers"`
	Pending   int   `json:"pending"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// ModelStatus summarises one loaded model.
type ModelStatus struct {
	// example: 1
	ModelID uint32 `json:"model_id" example:"1"`
	// Lifecycle status (uninit, idle, loading, running, error, abort, stopped).
	// example: running
	Status string `json:"status" example:"running"`
	// example: true
	Valid bool `json:"valid" example:"true"`
	// Completed repeat iterations.
	// example: 12
	Iterations uint64 `json:"iterations" example:"12"`
	// example: 0
	RetCode int32 `json:"ret_code" example:"0"`
	// Transaction of the current iteration, omitted when unset.
	TransID       *uint64     `json:"trans_id,omitempty"`
	HeadStream    uint32      `json:"head_stream"`
	Streams       []uint32    `json:"streams"`
	InputQueues   []uint32    `json:"input_queues"`
	OutputQueues  []uint32    `json:"output_queues"`
	GatherKeys    int         `json:"gather_keys"`
	Exceptions    int         `json:"exceptions"`
	LockedTables  []uint32    `json:"locked_tables,omitempty"`
	EndOfSequence bool        `json:"end_of_sequence,omitempty"`
	AsyncRelease  AsyncStatus `json:"async_release"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Models []ModelStatus `json:"models"`
	// Optional top-level error message.
	Error string `json:"error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Events waiting in the dispatcher.
	// example: 0
	DispatchPending int `json:"dispatch_pending" example:"0"`
	// Events handled by the dispatcher since start.
	// example: 120
	DispatchedTotal uint64 `json:"dispatched_total" example:"120"`
	// Streams parked waiting for queue data or a table lock.
	// example: 1
	ParkedStreams int `json:"parked_streams" example:"1"`
	// Total number of model loads.
	// example: 12
	LoadsTotal uint64 `json:"loads_total" example:"12"`
	// Overall scheduler state (ready, closing).
	// example: ready
	State string `json:"state" example:"ready"`
}
