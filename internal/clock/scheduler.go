// Package clock provides the engine's monotonic time source and timer
// scheduler.
//
// The scheduler does not run callbacks itself: due timers are emitted on the
// Due channel and consumed by the dispatcher, interleaved with bus events on
// the dispatcher's single ordered stream. That serialization is what makes a
// timer callback never run concurrently with itself or with any other
// strategy callback.
package clock

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Handle identifies one scheduled timer and can be used to cancel it.
type Handle uint64

// Callback is a timer callback. It receives the scheduler's notion of the
// current time when the timer fired.
type Callback func(now time.Time)

// Firing is one due timer handed to the dispatcher.
type Firing struct {
	Handle Handle
	Due    time.Time
	Fn     Callback
}

type timerEntry struct {
	handle   Handle
	due      time.Time
	interval time.Duration // zero for one-shot timers
	fn       Callback
	canceled bool
	index    int // heap index, -1 when popped
}

// timerHeap is a min-heap ordered by due time.
type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler schedules one-shot and repeating timers and emits them on a
// single ordered channel when due.
type Scheduler struct {
	mu      sync.Mutex
	timers  timerHeap
	entries map[Handle]*timerEntry
	wake    chan struct{}
	due     chan Firing
	now     func() time.Time
	next    atomic.Uint64
	running atomic.Bool
}

// NewScheduler creates a scheduler using the real time source.
func NewScheduler() *Scheduler {
	return newScheduler(time.Now)
}

func newScheduler(now func() time.Time) *Scheduler {
	return &Scheduler{
		entries: make(map[Handle]*timerEntry),
		wake:    make(chan struct{}, 1),
		due:     make(chan Firing, 16),
		now:     now,
	}
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.now()
}

// Due returns the channel of fired timers. The dispatcher is the only
// consumer.
func (s *Scheduler) Due() <-chan Firing {
	return s.due
}

// ScheduleOnce arms a one-shot timer firing after delay.
func (s *Scheduler) ScheduleOnce(delay time.Duration, fn Callback) Handle {
	return s.schedule(delay, 0, fn)
}

// ScheduleRepeating arms a repeating timer firing every interval. The first
// firing happens one interval from now.
func (s *Scheduler) ScheduleRepeating(interval time.Duration, fn Callback) Handle {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return s.schedule(interval, interval, fn)
}

func (s *Scheduler) schedule(delay, interval time.Duration, fn Callback) Handle {
	handle := Handle(s.next.Add(1))
	entry := &timerEntry{
		handle:   handle,
		due:      s.now().Add(delay),
		interval: interval,
		fn:       fn,
	}

	s.mu.Lock()
	heap.Push(&s.timers, entry)
	s.entries[handle] = entry
	s.mu.Unlock()

	s.notify()
	return handle
}

// Cancel stops a timer. Cancellation takes effect before the next due
// firing; a firing already handed to the dispatcher still completes.
func (s *Scheduler) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[h]
	if !ok {
		return
	}
	entry.canceled = true
	delete(s.entries, h)
	if entry.index >= 0 {
		heap.Remove(&s.timers, entry.index)
	}
}

// notify pokes the run loop to re-evaluate the earliest due time.
func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until ctx is cancelled. It emits every due timer
// exactly once per due time on the Due channel.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait, has := s.untilNext()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if has {
			timer.Reset(wait)
		}

		if has {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			case <-timer.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		for _, firing := range s.popDue() {
			select {
			case s.due <- firing:
			case <-ctx.Done():
				return
			}
		}
	}
}

// untilNext returns the wait until the earliest timer, and whether one exists.
func (s *Scheduler) untilNext() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timers.Len() == 0 {
		return 0, false
	}
	wait := s.timers[0].due.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// popDue removes every due entry, re-arms repeating timers at their next due
// time, and returns the firings in due order.
func (s *Scheduler) popDue() []Firing {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []Firing
	for s.timers.Len() > 0 && !s.timers[0].due.After(now) {
		entry := heap.Pop(&s.timers).(*timerEntry)
		if entry.canceled {
			continue
		}
		out = append(out, Firing{Handle: entry.handle, Due: entry.due, Fn: entry.fn})
		if entry.interval > 0 {
			entry.due = entry.due.Add(entry.interval)
			heap.Push(&s.timers, entry)
		} else {
			delete(s.entries, entry.handle)
		}
	}
	return out
}
