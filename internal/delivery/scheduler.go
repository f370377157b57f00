package delivery

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/metrics"
)

// Attempter runs one delivery attempt. *Worker implements it.
type Attempter interface {
	Attempt(ctx context.Context, t Task) Result
}

// Canceller terminally fails deliveries that will never be attempted.
// *tracker.Tracker implements it.
type Canceller interface {
	Cancel(ctx context.Context, deliveryID, reason string) (bool, error)
	Abort(ctx context.Context, deliveryID, reason string) (bool, error)
}

type SchedulerConfig struct {
	Workers int
	Logger  *logging.Logger
}

// Scheduler owns the per-endpoint queues. Only the head of each queue is
// eligible to run, so an endpoint never has more than one attempt in flight
// and its deliveries are attempted in submission order. All queue state is
// touched by the Run goroutine alone; workers report back over a channel.
type Scheduler struct {
	workers   int
	attempter Attempter
	canceller Canceller
	logger    *logging.Logger
	now       func() time.Time

	submitCh chan []Task
	cancelCh chan cancelRequest
	results  chan Result
	jobs     chan Task
	done     chan struct{}
	runOnce  sync.Once

	queues map[string]*endpointQueue
	ready  readyHeap
	// disabled endpoints stay here for the life of the process so late
	// submissions are failed instead of queued.
	disabled map[string]struct{}
	inflight int
	queued   int
}

type cancelRequest struct {
	endpointID string
	reply      chan []Task
}

func NewScheduler(attempter Attempter, canceller Canceller, cfg SchedulerConfig) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("hookline-scheduler")
	}
	return &Scheduler{
		workers:   cfg.Workers,
		attempter: attempter,
		canceller: canceller,
		logger:    cfg.Logger,
		now:       time.Now,
		submitCh:  make(chan []Task),
		cancelCh:  make(chan cancelRequest),
		// Each in-flight job produces exactly one result, so workers never block.
		results:  make(chan Result, cfg.Workers),
		jobs:     make(chan Task, cfg.Workers),
		done:     make(chan struct{}),
		queues:   make(map[string]*endpointQueue),
		disabled: make(map[string]struct{}),
	}
}

// Submit appends tasks to their endpoint queues in order.
func (s *Scheduler) Submit(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	select {
	case s.submitCh <- tasks:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSchedulerStopped
	}
}

// CancelEndpoint stops all future attempts for endpointID. Queued deliveries
// are failed with EndpointDisabled before it returns; an attempt already in
// flight completes and is recorded, and is failed afterwards if it would
// have retried. It returns the number of deliveries failed here. Once the
// queue is drained the writes no longer follow ctx, so a caller that goes
// away cannot leave drained deliveries PENDING.
func (s *Scheduler) CancelEndpoint(ctx context.Context, endpointID string) (int, error) {
	req := cancelRequest{endpointID: endpointID, reply: make(chan []Task, 1)}
	select {
	case s.cancelCh <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, ErrSchedulerStopped
	}
	return s.fail(ctx, <-req.reply)
}

// Run dispatches until ctx is cancelled, then waits for in-flight attempts
// to finish. Attempts are not cut short by ctx; each is bounded by the
// sender timeout. Run may only be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return ErrSchedulerStopped
	}

	var wg sync.WaitGroup
	workCtx := context.WithoutCancel(ctx)
	for range s.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range s.jobs {
				s.results <- s.attempter.Attempt(workCtx, t)
			}
		}()
	}
	defer func() {
		close(s.done)
		close(s.jobs)
		wg.Wait()
		metrics.SetInFlight(0)
	}()

	s.logger.Plain().WithField("workers", s.workers).Info("scheduler started")
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.dispatch()
		metrics.SetQueueDepth(s.queued - s.inflight)
		metrics.SetInFlight(s.inflight)
		timer.Reset(s.wait())

		select {
		case <-ctx.Done():
			s.logger.Plain().WithField("inflight", s.inflight).Info("scheduler stopping")
			return nil
		case tasks := <-s.submitCh:
			for _, t := range tasks {
				s.enqueue(ctx, t)
			}
		case res := <-s.results:
			s.complete(ctx, res)
		case req := <-s.cancelCh:
			req.reply <- s.drain(req.endpointID)
		case <-timer.C:
		}
	}
}

// dispatch hands every ready queue head to the pool while workers are free.
func (s *Scheduler) dispatch() {
	now := s.now()
	for s.inflight < s.workers && s.ready.Len() > 0 {
		q := s.ready[0]
		if q.head().ready().After(now) {
			return
		}
		heap.Pop(&s.ready)
		q.busy = true
		s.inflight++
		s.jobs <- q.head()
	}
}

func (s *Scheduler) wait() time.Duration {
	if s.inflight >= s.workers || s.ready.Len() == 0 {
		return time.Hour
	}
	d := s.ready[0].head().ready().Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

func (s *Scheduler) enqueue(ctx context.Context, t Task) {
	if _, off := s.disabled[t.EndpointID()]; off {
		_, _ = s.fail(ctx, []Task{t})
		return
	}
	q, ok := s.queues[t.EndpointID()]
	if !ok {
		q = &endpointQueue{id: t.EndpointID(), index: -1}
		s.queues[q.id] = q
	}
	q.tasks = append(q.tasks, t)
	s.queued++
	if len(q.tasks) == 1 && !q.busy {
		heap.Push(&s.ready, q)
	}
}

func (s *Scheduler) complete(ctx context.Context, res Result) {
	s.inflight--
	q, ok := s.queues[res.Task.EndpointID()]
	if !ok || len(q.tasks) == 0 || q.head().ID() != res.Task.ID() {
		s.logger.Plain().WithDelivery(res.Task.ID()).Error("result for a task that is not at its queue head")
		return
	}
	q.busy = false

	if res.Outcome.Terminal() {
		q.pop()
		s.queued--
	} else {
		head := &q.tasks[0]
		head.Delivery.State = res.Outcome
		head.Delivery.AttemptCount = res.AttemptCount
		head.Delivery.NextAttemptAt = res.NextAttemptAt
		if _, off := s.disabled[q.id]; off {
			_, _ = s.fail(ctx, []Task{*head})
			q.pop()
			s.queued--
		}
	}

	if len(q.tasks) > 0 {
		heap.Push(&s.ready, q)
	} else {
		delete(s.queues, q.id)
	}
}

// drain marks endpointID disabled and removes every task that is not in
// flight, returning them to be failed by the caller.
func (s *Scheduler) drain(endpointID string) []Task {
	s.disabled[endpointID] = struct{}{}
	q, ok := s.queues[endpointID]
	if !ok {
		return nil
	}
	var out []Task
	if q.busy {
		out = slices.Clone(q.tasks[1:])
		q.tasks = q.tasks[:1]
	} else {
		out = q.tasks
		heap.Remove(&s.ready, q.index)
		delete(s.queues, endpointID)
	}
	s.queued -= len(out)
	return out
}

// fail marks tasks FAILED with EndpointDisabled. Safe to call off the Run
// goroutine since it only touches the canceller. Every task is tried even
// when an earlier one errors; a task left unfailed is still non-terminal in
// the store and recovery aborts it on the next start.
func (s *Scheduler) fail(ctx context.Context, tasks []Task) (int, error) {
	ctx = context.WithoutCancel(ctx)
	n := 0
	var errs []error
	for _, t := range tasks {
		ok, err := s.canceller.Cancel(ctx, t.ID(), ReasonEndpointDisabled)
		if err == nil && !ok {
			// Recovered deliveries may still read IN_FLIGHT from before a restart.
			ok, err = s.canceller.Abort(ctx, t.ID(), ReasonEndpointDisabled)
		}
		if err != nil {
			s.logger.WithContext(ctx).WithDelivery(t.ID()).WithEndpoint(t.EndpointID()).WithError(err).Error("cancel delivery failed")
			errs = append(errs, fmt.Errorf("delivery %s: %w", t.ID(), err))
			continue
		}
		if ok {
			n++
			metrics.RecordFailure(ReasonEndpointDisabled)
		}
	}
	return n, errors.Join(errs...)
}

type endpointQueue struct {
	id    string
	tasks []Task
	busy  bool
	index int // position in readyHeap, -1 when absent
}

func (q *endpointQueue) head() Task { return q.tasks[0] }

func (q *endpointQueue) pop() {
	q.tasks[0] = Task{}
	q.tasks = q.tasks[1:]
}

// readyHeap orders idle, non-empty queues by when their head becomes ready,
// breaking ties by ingestion sequence.
type readyHeap []*endpointQueue

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i].head(), h[j].head()
	if !a.ready().Equal(b.ready()) {
		return a.ready().Before(b.ready())
	}
	return a.Delivery.Seq < b.Delivery.Seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	q := x.(*endpointQueue)
	q.index = len(*h)
	*h = append(*h, q)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	q := old[n-1]
	old[n-1] = nil
	q.index = -1
	*h = old[:n-1]
	return q
}
