// Package manager owns every loaded model and drives them. It is structured
// into small files by concern:
//
//   - manager.go: core Manager type, constructor, lookup, Close.
//   - config.go: Config and package defaults; NewWithConfig applies defaults.
//   - ops.go: lifecycle operations routed to a model by id.
//   - convert.go: wire specs (pkg/types) to model load info.
//   - dispatcher.go: per-model FIFO event dispatch, the cooperative loop that
//     activates streams, repeats iterations and recovers parked streams.
//   - waiter.go: parked streams waiting on queue data or table locks.
//   - tablelock.go: shared embedding-table read/write locks.
//   - queues.go: host-side enqueue/dequeue used by producers and consumers.
//   - status_report.go: Status and Ready reporting.
//   - errors.go: error helpers for the HTTP layer.
//
// External packages should treat this package as the orchestration layer and
// use public methods only.
package manager
