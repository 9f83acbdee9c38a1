package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"aicpusched/internal/model"
)

func TestDispatcherKeepsPerModelOrder(t *testing.T) {
	var mu sync.Mutex
	got := map[uint32][]int{}
	d := newDispatcher(3, time.Second, func(_ context.Context, ev model.Event) error {
		mu.Lock()
		got[ev.ModelID] = append(got[ev.ModelID], ev.Fields["seq"].(int))
		mu.Unlock()
		return nil
	}, zerolog.Nop())
	for seq := 0; seq < 50; seq++ {
		for id := uint32(0); id < 5; id++ {
			d.Publish(model.Event{Name: "e", ModelID: id, Fields: map[string]any{"seq": seq}})
		}
	}
	if !d.waitIdle(2 * time.Second) {
		t.Fatalf("dispatcher did not go idle")
	}
	d.close()
	for id, seqs := range got {
		if len(seqs) != 50 {
			t.Fatalf("model %d: expected 50 events got %d", id, len(seqs))
		}
		for i, s := range seqs {
			if s != i {
				t.Fatalf("model %d: event %d out of order (%d)", id, i, s)
			}
		}
	}
	if pending, dispatched := d.stats(); pending != 0 || dispatched != 250 {
		t.Fatalf("unexpected stats pending=%d dispatched=%d", pending, dispatched)
	}
}

func TestDispatcherAllowsPublishFromHandler(t *testing.T) {
	var d *dispatcher
	count := 0
	d = newDispatcher(1, time.Second, func(_ context.Context, ev model.Event) error {
		count++
		if count < 10 {
			d.Publish(ev)
		}
		return nil
	}, zerolog.Nop())
	d.Publish(model.Event{Name: "loop", ModelID: 1})
	if !d.waitIdle(2 * time.Second) {
		t.Fatalf("dispatcher did not go idle")
	}
	d.close()
	if count != 10 {
		t.Fatalf("expected 10 dispatches, got %d", count)
	}
}

func TestDispatcherDropsAfterClose(t *testing.T) {
	called := make(chan struct{}, 1)
	d := newDispatcher(1, time.Second, func(context.Context, model.Event) error {
		called <- struct{}{}
		return nil
	}, zerolog.Nop())
	d.close()
	d.close()
	d.Publish(model.Event{Name: "late", ModelID: 1})
	select {
	case <-called:
		t.Fatalf("event dispatched after close")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStreamIDOf(t *testing.T) {
	for _, v := range []any{uint32(3), 3, float64(3)} {
		if id, ok := streamIDOf(model.Event{Fields: map[string]any{"stream_id": v}}); !ok || id != 3 {
			t.Fatalf("%T: got %d %v", v, id, ok)
		}
	}
	if _, ok := streamIDOf(model.Event{}); ok {
		t.Fatalf("expected missing stream id")
	}
}

func TestHandleEventIgnoresInformational(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.handleEvent(testCtx(t), model.Event{Name: model.EventPrepareMem, ModelID: 99}); err != nil {
		t.Fatalf("expected informational event ignored, got %v", err)
	}
	err := m.handleEvent(testCtx(t), model.Event{Name: model.EventRepeatModel, ModelID: 99})
	if !IsModelNotFound(err) {
		t.Fatalf("expected model not found, got %v", err)
	}
}
