// Package loop provides the single-actor event loop that owns all client
// state. Socket events, timer firings and user actions are posted to the loop
// and run one at a time on its goroutine, so client components need no
// locking of their own.
package loop

import (
	"context"
	"sync"
	"time"
)

// Loop runs posted functions sequentially on a single goroutine.
type Loop struct {
	tasks    chan func()
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Loop with room for buffer queued tasks.
func New(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 256
	}
	return &Loop{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

// Run processes tasks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.done:
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Post queues fn to run on the loop. It blocks only while the queue is
// full and reports false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do posts fn and waits for it to finish. It must not be called from the
// loop goroutine.
func (l *Loop) Do(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// Stop ends Run. Queued tasks that have not started are dropped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Timer is a pending AfterFunc callback.
type Timer struct {
	t         *time.Timer
	cancelled bool // touched only on the loop goroutine
}

// Stop cancels the timer. It must be called on the loop goroutine; a
// callback that already fired but has not run yet is suppressed too.
func (t *Timer) Stop() bool {
	if t.cancelled {
		return false
	}
	t.cancelled = true
	return t.t.Stop()
}

// AfterFunc runs fn on the loop after d unless the returned timer is
// stopped first.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.cancelled {
				return
			}
			tm.cancelled = true
			fn()
		})
	})
	return tm
}
