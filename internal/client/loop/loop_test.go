package loop

import (
	"context"
	"sync"
	"testing"
	"time"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)
	return l
}

func TestPostRunsInOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	var wg sync.WaitGroup
	wg.Add(1)
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Post(wg.Done)
	wg.Wait()

	if len(got) != 100 {
		t.Fatalf("expected 100 tasks, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestDoWaits(t *testing.T) {
	l := startLoop(t)

	x := 0
	if !l.Do(func() { x = 42 }) {
		t.Fatal("Do() reported a stopped loop")
	}
	if x != 42 {
		t.Errorf("expected 42, got %d", x)
	}
}

func TestPostAfterStop(t *testing.T) {
	l := startLoop(t)
	l.Stop()

	if l.Post(func() {}) {
		t.Error("Post() should fail after Stop")
	}
	if l.Do(func() {}) {
		t.Error("Do() should fail after Stop")
	}
	select {
	case <-l.Done():
	default:
		t.Error("Done() not closed after Stop")
	}
}

func TestAfterFuncFiresOnLoop(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{})
	l.Do(func() {
		l.AfterFunc(5*time.Millisecond, func() { close(fired) })
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestAfterFuncStop(t *testing.T) {
	l := startLoop(t)

	fired := false
	var tm *Timer
	l.Do(func() {
		tm = l.AfterFunc(10*time.Millisecond, func() { fired = true })
	})
	l.Do(func() {
		if !tm.Stop() {
			t.Error("Stop() on pending timer returned false")
		}
		if tm.Stop() {
			t.Error("second Stop() returned true")
		}
	})

	time.Sleep(30 * time.Millisecond)
	l.Do(func() {
		if fired {
			t.Error("stopped timer fired")
		}
	})
}
