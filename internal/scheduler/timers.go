// Package scheduler runs keyed, cancellable one-shot tasks.
//
// Scheduling a key that is already armed replaces the previous task.
// Cancellation is best effort: a task whose timer fired concurrently with
// Cancel may still run once, so callbacks must re-check the state they act on.
package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Func is a scheduled callback. ctx is cancelled when the Timers stop.
type Func func(ctx context.Context)

type task struct {
	timer *time.Timer
	gen   uint64
	due   time.Time
}

// Timers holds armed tasks by key.
type Timers struct {
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	tasks   map[string]*task
	gen     uint64
	stopped bool
	running sync.WaitGroup
}

// NewTimers creates a Timers bound to ctx. Callbacks receive a context
// derived from ctx.
func NewTimers(ctx context.Context) *Timers {
	cctx, cancel := context.WithCancel(ctx)
	return &Timers{
		ctx:    cctx,
		cancel: cancel,
		tasks:  make(map[string]*task),
	}
}

// Schedule arms fn to run after d under key, replacing any task already
// armed for that key.
func (s *Timers) Schedule(key string, d time.Duration, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.tasks[key]; ok {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	t := &task{gen: gen, due: time.Now().Add(d)}
	t.timer = time.AfterFunc(d, func() { s.fire(key, gen, fn) })
	s.tasks[key] = t
}

func (s *Timers) fire(key string, gen uint64, fn Func) {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if s.stopped || !ok || t.gen != gen {
		// replaced or cancelled after the timer fired
		s.mu.Unlock()
		return
	}
	delete(s.tasks, key)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: task panicked", "key", key, "panic", r)
		}
	}()
	fn(s.ctx)
}

// Cancel disarms the task for key. Reports whether one was armed.
func (s *Timers) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	return true
}

// CancelPrefix disarms every task whose key starts with prefix and
// returns how many were removed.
func (s *Timers) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, t := range s.tasks {
		if strings.HasPrefix(k, prefix) {
			t.timer.Stop()
			delete(s.tasks, k)
			n++
		}
	}
	return n
}

// Pending reports whether a task is armed for key.
func (s *Timers) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Due returns when the task for key will fire.
func (s *Timers) Due(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return time.Time{}, false
	}
	return t.due, true
}

// Len returns the number of armed tasks.
func (s *Timers) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop disarms everything, cancels the callback context and waits for
// running callbacks to return.
func (s *Timers) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for k, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, k)
	}
	s.mu.Unlock()

	s.cancel()
	s.running.Wait()
}
