package model

import "sync"

// Status is the lifecycle status of a model.
type Status int

const (
	StatusUninit Status = iota
	StatusIdle
	StatusLoading
	StatusRunning
	StatusError
	StatusAbort
	StatusStopped
	statusCount
)

// statusKeep marks operates that do not move the status.
const statusKeep = statusCount

var statusNames = [statusCount]string{"uninit", "idle", "loading", "running", "error", "abort", "stopped"}

func (s Status) String() string {
	if s >= 0 && s < statusCount {
		return statusNames[s]
	}
	return "unknown"
}

// Operate is a lifecycle operation gated by the state machine.
type Operate int

const (
	OperateLoad Operate = iota
	OperateExecute
	OperateAbort
	OperateTaskReport
	OperateEndGraph
	OperateRunTask
	OperateDestroy
	OperateStop
	OperateRestart
	OperateClearInput
	OperateRepeat
	OperateActiveStream
	OperateRecoverStream
	operateCount
)

var operateNames = [operateCount]string{
	"load", "execute", "abort", "task_report", "end_graph", "run_task",
	"destroy", "stop", "restart", "clear_input", "repeat", "active_stream", "recover_stream",
}

func (o Operate) String() string {
	if o >= 0 && o < operateCount {
		return operateNames[o]
	}
	return "unknown"
}

// Keep both tables in sync with the Status and Operate enums.
var operatePermission = [statusCount][operateCount]bool{
	//                load   exec   abort  report endG   run    destr  stop   rest   clrIn  repeat active recover
	StatusUninit:  {true, false, false, false, false, false, true, true, false, false, false, false, false},
	StatusIdle:    {false, true, false, false, true, true, true, true, false, false, true, true, true},
	StatusLoading: {false, true, false, false, false, false, true, true, false, false, true, false, false},
	StatusRunning: {false, false, true, true, true, true, false, true, false, false, false, true, true},
	StatusError:   {false, true, true, false, false, false, true, true, false, false, true, false, false},
	StatusAbort:   {false, true, false, false, false, false, true, true, false, false, true, false, false},
	StatusStopped: {false, false, false, false, false, false, true, false, true, true, false, false, false},
}

var operateNextStatus = [operateCount]Status{
	OperateLoad:          StatusLoading,
	OperateExecute:       StatusRunning,
	OperateAbort:         StatusAbort,
	OperateTaskReport:    StatusError,
	OperateEndGraph:      StatusIdle,
	OperateRunTask:       statusKeep,
	OperateDestroy:       StatusUninit,
	OperateStop:          StatusStopped,
	OperateRestart:       StatusIdle,
	OperateClearInput:    StatusStopped,
	OperateRepeat:        StatusRunning,
	OperateActiveStream:  statusKeep,
	OperateRecoverStream: statusKeep,
}

// Permitted reports whether op is allowed in status s.
func Permitted(s Status, op Operate) bool {
	if s < 0 || s >= statusCount || op < 0 || op >= operateCount {
		return false
	}
	return operatePermission[s][op]
}

// NextStatus returns the status a permitted op moves s to.
func NextStatus(s Status, op Operate) Status {
	if op < 0 || op >= operateCount {
		return s
	}
	if next := operateNextStatus[op]; next != statusKeep {
		return next
	}
	return s
}

// stateMachine holds a model's status. All reads and writes go through its lock.
type stateMachine struct {
	mu     sync.Mutex
	status Status
}

// checkAndUpdate checks op against the current status and, when permitted,
// moves to the next status in the same critical section.
func (sm *stateMachine) checkAndUpdate(op Operate) (prev, next Status, ok bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	prev = sm.status
	if !Permitted(prev, op) {
		return prev, prev, false
	}
	sm.status = NextStatus(prev, op)
	return prev, sm.status, true
}

func (sm *stateMachine) check(op Operate) (Status, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.status, Permitted(sm.status, op)
}

func (sm *stateMachine) get() Status {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.status
}

// set bypasses the permission table; only teardown paths use it.
func (sm *stateMachine) set(s Status) {
	sm.mu.Lock()
	sm.status = s
	sm.mu.Unlock()
}
