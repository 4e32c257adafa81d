package puppet

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// scheduler runs the handlers of a Concurrent puppet. At most max tasks run
// at once; further tasks queue in FIFO order, so handlers start in the
// order they were scheduled and the loop never blocks on dispatch.
type scheduler struct {
	ctx      context.Context
	log      *slog.Logger
	inflight atomic.Int32
	max      int

	mu      sync.Mutex
	running int
	pending []task

	wg sync.WaitGroup

	pid     string
	metrics Metrics
}

type task struct {
	run  func()
	drop func()
}

func newScheduler(ctx context.Context, max int, pid string, metrics Metrics, log *slog.Logger) *scheduler {
	if metrics == nil {
		metrics = NopMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	s := &scheduler{
		ctx:     ctx,
		max:     max,
		log:     log,
		pid:     pid,
		metrics: metrics,
	}
	context.AfterFunc(ctx, s.dropPending)
	return s
}

// Schedule starts run once a slot is free. If the scheduler context ends
// before that, drop is called instead of run.
func (s *scheduler) Schedule(run func(), drop func()) {
	if s.ctx.Err() != nil {
		drop()
		return
	}

	s.wg.Add(1)
	t := task{run: run, drop: drop}

	s.mu.Lock()
	if s.max > 0 && s.running >= s.max {
		s.pending = append(s.pending, t)
		s.mu.Unlock()
		return
	}
	s.running++
	s.mu.Unlock()

	go s.drain(t)
}

// drain runs t and then keeps taking queued tasks until none is left,
// holding on to its slot the whole time.
func (s *scheduler) drain(t task) {
	for {
		if s.ctx.Err() != nil {
			t.drop()
		} else {
			s.runTask(t.run)
		}
		s.wg.Done()

		s.mu.Lock()
		if len(s.pending) == 0 {
			s.running--
			s.mu.Unlock()
			return
		}
		t = s.pending[0]
		s.pending[0] = task{}
		s.pending = s.pending[1:]
		s.mu.Unlock()
	}
}

// dropPending answers every queued task with its drop callback. Tasks
// already running are not affected.
func (s *scheduler) dropPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, t := range pending {
		t.drop()
		s.wg.Done()
	}
}

func (s *scheduler) runTask(f func()) {
	count := s.inflight.Add(1)
	s.metrics.SchedulerInflight(s.pid, int(count))
	defer func() {
		count := s.inflight.Add(-1)
		s.metrics.SchedulerInflight(s.pid, int(count))
	}()
	defer s.metrics.SchedulerTaskDuration().ObserveDuration()

	defer func() {
		if r := recover(); r != nil {
			s.metrics.SchedulerTaskCompleted(false)
			s.log.Error("scheduled task panicked", slog.Any("recovered", r))
		}
	}()

	f()
	s.metrics.SchedulerTaskCompleted(true)
}

// Wait blocks until all scheduled tasks returned or were dropped.
func (s *scheduler) Wait() {
	s.wg.Wait()
}
