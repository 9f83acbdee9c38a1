// Package model implements one AICPU model instance. It is structured into
// small files by concern:
//
//   - statemachine.go: status/operate enums and the permission and next-status tables.
//   - stream.go: Stream, the resumable per-stream task cursor.
//   - mbufstore.go: QueueMbufStore, the join buffer of one gather key.
//   - gather.go: GatherTable, the multi-queue join engine (store, select, clear).
//   - exception.go: ExceptionTable with its propose/confirm clearing.
//   - asyncrelease.go: worker pool releasing output buffers after collective waits.
//   - model.go: Model type, collaborators (Deps), accessors and data-path entry points.
//   - load.go, release.go: loading and tearing down streams, queues, pools and groups.
//   - lifecycle.go: Load/Execute/Repeat/Abort/Destroy/Stop/Restart/ClearInput/EndGraph.
//   - execute.go: the cooperative stream execution loop.
//   - tablelock.go: advisory embedding-table lock bookkeeping.
//   - errors.go: StatusCode and the Error type (CodeOf, IsNotAllowed, IsInWorking).
//   - events.go, metrics.go: sub-events raised to the scheduler and Prometheus collectors.
//
// Every lifecycle entry point first passes the state machine; a rejected
// operation has no side effects. Locks are per concern and none is held
// while calling into another locked subsystem, except the stream read lock
// which is held across a stream loop so teardown can wait for it.
package model
