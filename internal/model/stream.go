package model

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Stream is an ordered, resumable cursor over the tasks of one hardware
// stream. One task runs per ExecuteNextTask call so a scheduler can interleave
// many streams on one goroutine.
type Stream struct {
	mu        sync.Mutex
	id        uint32
	nextIndex int
	tasks     []Task
	exec      TaskExecutor
	log       zerolog.Logger
}

// NewStream binds an immutable copy of tasks to streamID.
func NewStream(streamID uint32, tasks []Task, exec TaskExecutor, log zerolog.Logger) *Stream {
	s := &Stream{exec: exec, log: log}
	s.Init(streamID, tasks)
	return s
}

// Init rebinds the stream and rewinds the cursor.
func (s *Stream) Init(streamID uint32, tasks []Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = streamID
	s.nextIndex = 0
	s.tasks = append([]Task(nil), tasks...)
}

func (s *Stream) ID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Len is the number of bound tasks.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Cursor returns the index of the next task to run.
func (s *Stream) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIndex
}

// ResetToStart rewinds the cursor.
func (s *Stream) ResetToStart() {
	s.mu.Lock()
	s.nextIndex = 0
	s.mu.Unlock()
}

// ResetTasks drops every task and rewinds.
func (s *Stream) ResetTasks() {
	s.mu.Lock()
	s.tasks = nil
	s.nextIndex = 0
	s.mu.Unlock()
}

// ExecuteNextTask runs tasks[cursor] under the stream lock and advances the
// cursor. streamEnd is true once the cursor reaches the end. A failing task
// still advances the cursor; the stream never retries on its own.
func (s *Stream) ExecuteNextTask(ctx context.Context, rc *RunContext) (streamEnd bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextIndex >= len(s.tasks) {
		s.log.Error().Uint32("model_id", rc.ModelID).Uint32("stream_id", s.id).
			Int("task_num", len(s.tasks)).Int("next_index", s.nextIndex).
			Msg("stream has reached task end")
		return true, nil
	}
	task := s.tasks[s.nextIndex]
	s.log.Debug().Uint32("model_id", rc.ModelID).Uint32("stream_id", s.id).
		Int("index", s.nextIndex).Uint32("task_id", task.ID).
		Uint32("kernel_type", uint32(task.KernelType)).Msg("execute task")

	rc.Pending = false
	rc.GotoTaskIndex = InvalidTaskIndex
	if err := s.exec.ExecuteTask(ctx, task, rc); err != nil {
		s.log.Error().Err(err).Uint32("model_id", rc.ModelID).Uint32("stream_id", s.id).
			Int("index", s.nextIndex).Uint32("task_id", task.ID).Msg("execute task failed")
		s.nextIndex++
		return s.nextIndex >= len(s.tasks), err
	}

	switch {
	case rc.Pending:
		s.log.Debug().Uint32("model_id", rc.ModelID).Uint32("stream_id", s.id).
			Int("index", s.nextIndex).Msg("stream pending")
	case rc.GotoTaskIndex != InvalidTaskIndex:
		if rc.GotoTaskIndex < 0 || rc.GotoTaskIndex > len(s.tasks) {
			s.nextIndex++
			return s.nextIndex >= len(s.tasks), newError(CodeParamInvalid, rc.ModelID,
				"stream[%d] task[%d] goto index %d out of range", s.id, task.ID, rc.GotoTaskIndex)
		}
		s.nextIndex = rc.GotoTaskIndex
		s.log.Debug().Uint32("model_id", rc.ModelID).Uint32("stream_id", s.id).
			Int("index", s.nextIndex).Msg("stream goto")
	default:
		s.nextIndex++
	}
	return s.nextIndex >= len(s.tasks), nil
}

// Progress describes where the stream stopped, for diagnostics.
func (s *Stream) Progress() (index int, kernel string, finished bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextIndex >= len(s.tasks) {
		return s.nextIndex, "", true
	}
	return s.nextIndex, s.tasks[s.nextIndex].KernelName, false
}
