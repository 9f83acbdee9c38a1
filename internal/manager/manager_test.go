package manager

import (
	"errors"
	"testing"
	"time"

	"aicpusched/internal/model"
	"aicpusched/internal/queue"
)

func TestNewWithConfigDefaults(t *testing.T) {
	m := NewWithConfig(Config{})
	defer m.Close()
	if m.cfg.AsyncWorkers != defaultAsyncWorkers {
		t.Fatalf("expected default AsyncWorkers=%d got %d", defaultAsyncWorkers, m.cfg.AsyncWorkers)
	}
	if m.cfg.GatherTimeoutMs != defaultGatherTimeoutMs {
		t.Fatalf("expected default GatherTimeoutMs=%d got %d", defaultGatherTimeoutMs, m.cfg.GatherTimeoutMs)
	}
	if len(m.disp.shards) != defaultDispatchWorkers {
		t.Fatalf("expected %d dispatch shards got %d", defaultDispatchWorkers, len(m.disp.shards))
	}
	if m.cfg.Queues == nil || m.cfg.Pools == nil || m.cfg.HCCL == nil {
		t.Fatalf("expected in-process collaborators")
	}
	if m.host == nil {
		t.Fatalf("expected host pool")
	}
	if !m.Ready() {
		t.Fatalf("expected ready")
	}
}

func TestPipelineRunsThroughDispatcher(t *testing.T) {
	m, _ := newTestManager(t)
	loadSpec(t, m, pipelineSpec(1))
	ctx := testCtx(t)

	if err := m.ExecuteModel(ctx, 1); err != nil {
		t.Fatalf("ExecuteModel: %v", err)
	}
	if got := m.waits.Len(); got != 1 {
		t.Fatalf("expected head stream parked, got %d parked", got)
	}
	for i, body := range []string{"a", "bb"} {
		if err := m.Enqueue(100, uint64(10+i), 0, []byte(body)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitFor(t, "two outputs", func() bool {
		st, _ := m.ModelStatus(1)
		return st.Iterations >= 2 && m.waits.Len() == 1
	})
	if !m.WaitIdle(time.Second) {
		t.Fatalf("dispatcher did not go idle")
	}
	for i, want := range []string{"a", "bb"} {
		h, body, err := m.Dequeue(200)
		if err != nil {
			t.Fatalf("Dequeue %d: %v", i, err)
		}
		if h.TransID != uint64(10+i) || string(body) != want {
			t.Fatalf("output %d: got trans=%d body=%q", i, h.TransID, body)
		}
	}
	if _, _, err := m.Dequeue(200); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("expected empty output queue, got %v", err)
	}
	if got := statusOf(t, m, 1); got != model.StatusRunning.String() {
		t.Fatalf("expected running while parked, got %s", got)
	}
	if inUse := m.host.InUse(); inUse != 0 {
		t.Fatalf("expected host buffers returned, %d in use", inUse)
	}
}

func TestUnknownModel(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := testCtx(t)
	for name, err := range map[string]error{
		"execute":   m.ExecuteModel(ctx, 9),
		"abort":     m.AbortModel(ctx, 9),
		"destroy":   m.DestroyModel(ctx, 9),
		"stop":      m.StopModel(ctx, 9),
		"restart":   m.RestartModel(ctx, 9),
		"clear":     m.ClearModelInput(ctx, 9),
		"end_graph": m.EndGraph(ctx, 9),
		"exception": m.ProcessDataException(9, 1, model.ExceptionAdd),
	} {
		if !IsModelNotFound(err) {
			t.Fatalf("%s: expected model not found, got %v", name, err)
		}
	}
}

func TestFailedLoadForgetsModel(t *testing.T) {
	m, _ := newTestManager(t)
	spec := noopSpec(3)
	spec.Tasks = nil
	info, cfg, err := FromSpec(spec)
	if err != nil {
		t.Fatalf("FromSpec: %v", err)
	}
	err = m.LoadModel(testCtx(t), info, cfg)
	if model.CodeOf(err) != model.CodeParamInvalid {
		t.Fatalf("expected param invalid, got %v", err)
	}
	if got := len(m.ListModels()); got != 0 {
		t.Fatalf("expected no models, got %d", got)
	}
}

func TestReloadOfLoadedModelIsRejected(t *testing.T) {
	m, _ := newTestManager(t)
	loadSpec(t, m, noopSpec(2))
	info, cfg, _ := FromSpec(noopSpec(2))
	if err := m.LoadModel(testCtx(t), info, cfg); !model.IsNotAllowed(err) {
		t.Fatalf("expected not allowed, got %v", err)
	}
	if got := len(m.ListModels()); got != 1 {
		t.Fatalf("expected model kept, got %d", got)
	}
}

func TestDestroyRemovesModel(t *testing.T) {
	m, _ := newTestManager(t)
	loadSpec(t, m, noopSpec(4))
	ctx := testCtx(t)
	if err := m.DestroyModel(ctx, 4); err != nil {
		t.Fatalf("DestroyModel: %v", err)
	}
	if _, err := m.GetModel(4); !IsModelNotFound(err) {
		t.Fatalf("expected model removed, got %v", err)
	}
	// the id can be loaded again
	loadSpec(t, m, noopSpec(4))
}

func TestStopForgetsParkedStreams(t *testing.T) {
	m, _ := newTestManager(t)
	loadSpec(t, m, pipelineSpec(5))
	ctx := testCtx(t)
	if err := m.ExecuteModel(ctx, 5); err != nil {
		t.Fatalf("ExecuteModel: %v", err)
	}
	if err := m.StopModel(ctx, 5); err != nil {
		t.Fatalf("StopModel: %v", err)
	}
	if got := m.waits.Len(); got != 0 {
		t.Fatalf("expected no parked streams after stop, got %d", got)
	}
	if err := m.Enqueue(100, 1, 0, []byte("x")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := m.ClearModelInput(ctx, 5); err != nil {
		t.Fatalf("ClearModelInput: %v", err)
	}
	if inUse := m.host.InUse(); inUse != 0 {
		t.Fatalf("expected cleared input returned to host pool, %d in use", inUse)
	}
	if err := m.RestartModel(ctx, 5); err != nil {
		t.Fatalf("RestartModel: %v", err)
	}
	waitFor(t, "restart to repeat", func() bool { return m.waits.Len() == 1 })
}

func TestProcessDataException(t *testing.T) {
	m, _ := newTestManager(t)
	loadSpec(t, m, noopSpec(6))
	if err := m.ProcessDataException(6, 42, model.ExceptionAdd); err != nil {
		t.Fatalf("ProcessDataException: %v", err)
	}
	st, _ := m.ModelStatus(6)
	if st.Exceptions != 1 {
		t.Fatalf("expected one exception, got %d", st.Exceptions)
	}
	if err := m.ProcessDataException(6, 42, model.ExceptionAction(7)); model.CodeOf(err) != model.CodeParamInvalid {
		t.Fatalf("expected param invalid, got %v", err)
	}
}

func TestEnqueueBackpressure(t *testing.T) {
	q := queue.NewMemoryDriver(0)
	m := NewWithConfig(Config{Queues: q, HostPoolBlocks: 1, HostPoolBlockSize: 64})
	defer m.Close()
	if err := m.Enqueue(1, 1, 0, []byte("a")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := m.Enqueue(1, 2, 0, []byte("b")); !IsTooBusy(err) {
		t.Fatalf("expected too busy, got %v", err)
	}
	if err := m.Enqueue(1, 3, 0, make([]byte, 128)); err == nil {
		t.Fatalf("expected oversized payload to fail")
	}
}

func TestCloseExitsModelsAndRejectsLoads(t *testing.T) {
	m, _ := newTestManager(t)
	loadSpec(t, m, pipelineSpec(7))
	if err := m.ExecuteModel(testCtx(t), 7); err != nil {
		t.Fatalf("ExecuteModel: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := statusOf(t, m, 7); got != model.StatusUninit.String() {
		t.Fatalf("expected uninit after close, got %s", got)
	}
	if m.Ready() {
		t.Fatalf("expected not ready after close")
	}
	info, cfg, _ := FromSpec(noopSpec(8))
	if err := m.LoadModel(testCtx(t), info, cfg); !IsClosed(err) {
		t.Fatalf("expected closed, got %v", err)
	}
}

func TestStatusReport(t *testing.T) {
	m, _ := newTestManager(t)
	loadSpec(t, m, noopSpec(2))
	loadSpec(t, m, noopSpec(1))
	st := m.Status()
	if st.State != "ready" || st.LoadsTotal != 2 {
		t.Fatalf("unexpected status %+v", st)
	}
	if len(st.Models) != 2 || st.Models[0].ModelID != 1 || st.Models[1].ModelID != 2 {
		t.Fatalf("expected models ordered by id, got %+v", st.Models)
	}
	if st.Models[0].TransID != nil {
		t.Fatalf("expected unset trans id omitted")
	}
}
