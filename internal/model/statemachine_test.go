package model

import (
	"sync"
	"testing"
)

func TestCheckAndUpdateFollowsTables(t *testing.T) {
	for s := StatusUninit; s < statusCount; s++ {
		for op := OperateLoad; op < operateCount; op++ {
			sm := &stateMachine{status: s}
			prev, next, ok := sm.checkAndUpdate(op)
			if prev != s {
				t.Fatalf("%s/%s: prev=%s", s, op, prev)
			}
			if ok != operatePermission[s][op] {
				t.Fatalf("%s/%s: ok=%v want %v", s, op, ok, operatePermission[s][op])
			}
			want := s
			if ok {
				want = NextStatus(s, op)
			}
			if next != want || sm.get() != want {
				t.Fatalf("%s/%s: status=%s next=%s want %s", s, op, sm.get(), next, want)
			}
		}
	}
}

func TestCheckDoesNotMutate(t *testing.T) {
	sm := &stateMachine{status: StatusIdle}
	if _, ok := sm.check(OperateExecute); !ok {
		t.Fatalf("execute should be permitted from idle")
	}
	if sm.get() != StatusIdle {
		t.Fatalf("check changed status to %s", sm.get())
	}
}

func TestKeepOperatesLeaveStatus(t *testing.T) {
	for _, op := range []Operate{OperateRunTask, OperateActiveStream, OperateRecoverStream} {
		if got := NextStatus(StatusRunning, op); got != StatusRunning {
			t.Fatalf("%s moved running to %s", op, got)
		}
	}
}

func TestPermittedOutOfRange(t *testing.T) {
	if Permitted(Status(-1), OperateLoad) || Permitted(StatusIdle, Operate(99)) {
		t.Fatalf("out of range values must not be permitted")
	}
	if Status(42).String() != "unknown" || Operate(42).String() != "unknown" {
		t.Fatalf("unexpected names for out of range values")
	}
}

// Execute and Destroy are both permitted from idle; only one may win.
func TestConcurrentExecuteDestroyOneWinner(t *testing.T) {
	for i := 0; i < 200; i++ {
		sm := &stateMachine{status: StatusIdle}
		var wg sync.WaitGroup
		results := make([]bool, 2)
		for j, op := range []Operate{OperateExecute, OperateDestroy} {
			wg.Add(1)
			go func(j int, op Operate) {
				defer wg.Done()
				_, _, results[j] = sm.checkAndUpdate(op)
			}(j, op)
		}
		wg.Wait()
		if results[0] == results[1] {
			t.Fatalf("iteration %d: execute=%v destroy=%v", i, results[0], results[1])
		}
		want := StatusRunning
		if results[1] {
			want = StatusUninit
		}
		if sm.get() != want {
			t.Fatalf("iteration %d: status=%s want %s", i, sm.get(), want)
		}
	}
}
