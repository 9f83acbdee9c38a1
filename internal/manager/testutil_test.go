package manager

import (
	"context"
	"testing"
	"time"

	"aicpusched/internal/model"
	"aicpusched/internal/queue"
	"aicpusched/pkg/types"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestManager(t *testing.T) (*Manager, *queue.MemoryDriver) {
	t.Helper()
	q := queue.NewMemoryDriver(64)
	m := NewWithConfig(Config{Queues: q, HostPoolBlocks: 8, HostPoolBlockSize: 256})
	t.Cleanup(func() { _ = m.Close() })
	return m, q
}

// pipelineSpec forwards every record from queue 100 to queue 200 and
// repeats until stopped.
func pipelineSpec(id uint32) types.ModelSpec {
	return types.ModelSpec{
		ID:      id,
		Streams: []types.StreamSpec{{ID: 0, AICPU: true, Head: true}},
		Tasks: []types.TaskSpec{
			{ID: 0, StreamID: 0, Kernel: "modelDequeue"},
			{ID: 1, StreamID: 0, Kernel: "modelEnqueue"},
			{ID: 2, StreamID: 0, Kernel: "modelRepeat"},
		},
		Queues: []types.QueueSpec{
			{ID: 100, Direction: "input"},
			{ID: 200, Direction: "output"},
		},
		Config: &types.ModelConfigSpec{
			Type:        "sync_event",
			OutputPools: []types.PoolSpec{{BlockNum: 8, BlockSize: 256}},
		},
	}
}

// noopSpec runs a single noop task on its head stream.
func noopSpec(id uint32) types.ModelSpec {
	return types.ModelSpec{
		ID:      id,
		Streams: []types.StreamSpec{{ID: 0, AICPU: true, Head: true}},
		Tasks:   []types.TaskSpec{{ID: 0, StreamID: 0, Kernel: "noop"}},
	}
}

func loadSpec(t *testing.T, m *Manager, spec types.ModelSpec) {
	t.Helper()
	info, cfg, err := FromSpec(spec)
	if err != nil {
		t.Fatalf("FromSpec: %v", err)
	}
	if err := m.LoadModel(testCtx(t), info, cfg); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func statusOf(t *testing.T, m *Manager, id uint32) string {
	t.Helper()
	st, err := m.ModelStatus(id)
	if err != nil {
		t.Fatalf("ModelStatus: %v", err)
	}
	return st.Status
}

var _ model.EventPublisher = (*Manager)(nil)
