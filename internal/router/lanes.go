package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/projecthub/realtime/internal/metrics"
)

// lanes runs work for one conversation at a time, in submission order, while
// different conversations proceed in parallel. Each active conversation has
// its own goroutine, which exits after sitting idle for idleTimeout.
type lanes struct {
	mu          sync.Mutex
	byConv      map[int64]*lane
	idleTimeout time.Duration
}

type lane struct {
	jobs    chan func()
	pending int // jobs submitted but not yet finished, guarded by lanes.mu
}

func newLanes(idleTimeout time.Duration) *lanes {
	return &lanes{
		byConv:      make(map[int64]*lane),
		idleTimeout: idleTimeout,
	}
}

// Job claim states. A queued job is claimed exactly once, either by the lane
// (it runs) or by a caller whose ctx ended first (it never runs).
const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

// do runs fn on the conversation's lane and waits for it. If ctx ends while
// the job is still queued, the job is abandoned and do returns ctx.Err(); once
// fn has started, do waits for it and returns nil, so the caller always
// learns whether fn ran.
func (l *lanes) do(ctx context.Context, conversationID int64, fn func()) error {
	done := make(chan struct{})
	var state atomic.Int32

	l.mu.Lock()
	ln, ok := l.byConv[conversationID]
	if !ok {
		ln = &lane{jobs: make(chan func(), 64)}
		l.byConv[conversationID] = ln
		metrics.ActiveLanes.Inc()
		go l.run(conversationID, ln)
	}
	// pending > 0 keeps the goroutine alive until the job is consumed.
	ln.pending++
	l.mu.Unlock()

	ln.jobs <- func() {
		defer close(done)
		if !state.CompareAndSwap(jobQueued, jobStarted) {
			return
		}
		fn()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if state.CompareAndSwap(jobQueued, jobAbandoned) {
			return ctx.Err()
		}
		<-done
		return nil
	}
}

func (l *lanes) run(conversationID int64, ln *lane) {
	idle := time.NewTimer(l.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case job := <-ln.jobs:
			job()
			l.mu.Lock()
			ln.pending--
			l.mu.Unlock()

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(l.idleTimeout)

		case <-idle.C:
			l.mu.Lock()
			if ln.pending == 0 {
				delete(l.byConv, conversationID)
				l.mu.Unlock()
				metrics.ActiveLanes.Dec()
				return
			}
			l.mu.Unlock()
			idle.Reset(l.idleTimeout)
		}
	}
}

// active returns the number of live lanes.
func (l *lanes) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byConv)
}
