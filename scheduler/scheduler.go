// Package scheduler implements a bounded worker pool backed by a priority
// queue of {deadline, task}, per spec §9's re-architecture note replacing
// the source's static process-wide scheduler and on-demand-thread
// callbacks. A Scheduler is passed explicitly into the controller and
// channel manager rather than reached for as a singleton.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// UncaughtHandler receives any panic recovered from a scheduled task. It is
// the one process-wide singleton spec §9 permits.
type UncaughtHandler func(err error)

// Scheduler runs delayed and periodic tasks on a bounded pool of workers.
type Scheduler struct {
	logger  log.Logger
	uncaught UncaughtHandler

	mu      sync.Mutex
	pq      taskHeap
	wake    chan struct{}
	workers int
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

type task struct {
	deadline time.Time
	interval time.Duration // 0 for one-shot
	fn       func()
	index    int
	cancelled bool
}

type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *taskHeap) Push(x interface{}) { t := x.(*task); t.index = len(*h); *h = append(*h, t) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Cancel unschedules a task; safe to call after it has already fired.
type Cancel func()

// New starts a Scheduler with the given number of workers (each a polling
// goroutine that loses the lottery to sleep, per spec §9).
func New(workers int, logger log.Logger, uncaught UncaughtHandler) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if uncaught == nil {
		uncaught = func(error) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		logger:   logger,
		uncaught: uncaught,
		wake:     make(chan struct{}, 1),
		workers:  workers,
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.runWorker()
	}
	return s
}

// After schedules fn to run once after d elapses.
func (s *Scheduler) After(d time.Duration, fn func()) Cancel {
	return s.schedule(time.Now().Add(d), 0, fn)
}

// Every schedules fn to run repeatedly, first after d, then every d.
func (s *Scheduler) Every(d time.Duration, fn func()) Cancel {
	return s.schedule(time.Now().Add(d), d, fn)
}

func (s *Scheduler) schedule(deadline time.Time, interval time.Duration, fn func()) Cancel {
	t := &task{deadline: deadline, interval: interval, fn: fn}
	s.mu.Lock()
	heap.Push(&s.pq, t)
	s.mu.Unlock()
	s.nudge()
	return func() {
		s.mu.Lock()
		t.cancelled = true
		s.mu.Unlock()
	}
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runWorker() {
	defer s.wg.Done()
	for {
		wait := s.nextWait()
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-time.After(wait):
		}
		s.runDue()
	}
}

// nextWait returns how long this worker should sleep before re-checking the
// queue: the time until the earliest deadline, or a fallback poll interval
// when the queue is empty.
func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pq) == 0 {
		return time.Second
	}
	d := time.Until(s.pq[0].deadline)
	if d < 0 {
		return 0
	}
	return d
}

func (s *Scheduler) runDue() {
	for {
		s.mu.Lock()
		if len(s.pq) == 0 || s.pq[0].deadline.After(time.Now()) {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.pq).(*task)
		if t.cancelled {
			s.mu.Unlock()
			continue
		}
		if t.interval > 0 {
			t.deadline = time.Now().Add(t.interval)
			heap.Push(&s.pq, t)
		}
		s.mu.Unlock()

		s.runTask(t.fn)
	}
}

func (s *Scheduler) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(s.logger).Log("msg", "scheduled task panicked", "panic", r)
			s.uncaught(panicToErr(r))
		}
	}()
	fn()
}

func panicToErr(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicError{r}
}

type panicError struct{ v interface{} }

func (e *panicError) Error() string { return "scheduler: recovered panic" }

// Stop cancels all pending tasks and waits for workers to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
