// Package timer provides a single heap-backed scheduler for keyed one-shot
// callbacks. Step and TTL timers for every queued media share one instance.
package timer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/msageha/taskrouter/internal/clock"
)

type entry struct {
	key      string
	deadline time.Time
	fn       func()
	index    int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].key < h[j].key
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler runs keyed callbacks after a delay. At most one callback is
// pending per key. Only one clock timer is armed at a time, for the earliest
// deadline; due callbacks run in their own goroutines, never under the
// scheduler lock.
type Scheduler struct {
	clock clock.Clock

	mu      sync.Mutex
	entries entryHeap
	byKey   map[string]*entry
	armed   clock.Timer
	armedAt time.Time
	closed  bool

	running sync.WaitGroup
	onPanic func(key string, recovered any)
}

func NewScheduler(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.Real()
	}
	return &Scheduler{
		clock: c,
		byKey: make(map[string]*entry),
	}
}

// SetPanicHandler installs the hook called when a callback panics.
func (s *Scheduler) SetPanicHandler(fn func(key string, recovered any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPanic = fn
}

// Schedule arms fn to run after delay. It is a no-op returning false when the
// key is already pending or the scheduler is closed.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if _, ok := s.byKey[key]; ok {
		return false
	}
	if delay < 0 {
		delay = 0
	}
	e := &entry{key: key, deadline: s.clock.Now().Add(delay), fn: fn}
	heap.Push(&s.entries, e)
	s.byKey[key] = e
	s.armLocked()
	return true
}

// Cancel removes a pending callback. It reports whether one was removed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&s.entries, e.index)
	delete(s.byKey, key)
	s.armLocked()
	return true
}

func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[key]
	return ok
}

// Deadline returns the fire time of a pending key.
func (s *Scheduler) Deadline(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byKey[key]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close drops every pending callback and refuses new ones. Callbacks already
// running are not interrupted; use Wait to drain them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.armed != nil {
		s.armed.Stop()
		s.armed = nil
	}
	s.entries = nil
	s.byKey = make(map[string]*entry)
}

// Wait blocks until every callback that has started has returned.
func (s *Scheduler) Wait() {
	s.running.Wait()
}

// armLocked makes sure the clock timer targets the earliest deadline.
func (s *Scheduler) armLocked() {
	if len(s.entries) == 0 {
		if s.armed != nil {
			s.armed.Stop()
			s.armed = nil
		}
		return
	}
	next := s.entries[0].deadline
	if s.armed != nil {
		if s.armedAt.Equal(next) {
			return
		}
		s.armed.Stop()
	}
	s.armedAt = next
	s.armed = s.clock.AfterFunc(next.Sub(s.clock.Now()), s.fire)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	var due []*entry
	for len(s.entries) > 0 && !s.entries[0].deadline.After(now) {
		e := heap.Pop(&s.entries).(*entry)
		delete(s.byKey, e.key)
		due = append(due, e)
	}
	s.armed = nil
	s.armLocked()
	onPanic := s.onPanic
	s.running.Add(len(due))
	s.mu.Unlock()

	for _, e := range due {
		go s.run(e, onPanic)
	}
}

func (s *Scheduler) run(e *entry, onPanic func(string, any)) {
	defer s.running.Done()
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(e.key, r)
		}
	}()
	e.fn()
}
