// Package scheduler runs analysis jobs on a bounded worker pool fed by a
// stable priority queue, and tracks batches of jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-forensics/internal/fault"
	"github.com/tendant/simple-forensics/internal/process"
)

// RunFunc executes one job to a terminal state. worker identifies the pool
// slot that owns the job for the duration of the call.
type RunFunc func(ctx context.Context, worker int, j *process.Job)

type Config struct {
	Workers    int
	MaxPending int
}

type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   jobHeap
	seq     uint64
	running int
	batches map[string]*Batch
	started bool
	closed  bool

	workers    int
	maxPending int
	run        RunFunc
	logger     *slog.Logger

	group  *errgroup.Group
	cancel context.CancelFunc
}

func New(cfg Config, run RunFunc, logger *slog.Logger) (*Scheduler, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	if cfg.MaxPending <= 0 {
		return nil, fmt.Errorf("max pending must be positive, got %d", cfg.MaxPending)
	}
	if run == nil {
		return nil, fmt.Errorf("run func must be set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		batches:    make(map[string]*Batch),
		workers:    cfg.Workers,
		maxPending: cfg.MaxPending,
		run:        run,
		logger:     logger,
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Start launches the worker pool. Jobs enqueued before Start wait for it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	for w := 1; w <= s.workers; w++ {
		worker := w
		s.group.Go(func() error {
			s.work(ctx, worker)
			return nil
		})
	}
	s.logger.Info("worker pool started", "workers", s.workers, "max_pending", s.maxPending)
}

func (s *Scheduler) work(ctx context.Context, worker int) {
	for {
		s.mu.Lock()
		for s.queue.Len() == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		j := s.queue.pop()
		s.running++
		s.mu.Unlock()

		s.logger.Debug("job dequeued", "worker", worker, "job_id", j.ID(), "priority", j.Priority())
		s.run(ctx, worker, j)

		s.mu.Lock()
		s.running--
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

func (s *Scheduler) admit(n int) error {
	if s.closed {
		return fault.NotReady("scheduler.Enqueue", "", "scheduler is shut down")
	}
	if s.queue.Len()+n > s.maxPending {
		return fault.CapacityExceeded("scheduler.Enqueue", s.queue.Len()+n, s.maxPending)
	}
	return nil
}

// Enqueue adds one job, or fails with CapacityExceeded when the pending
// queue is full.
func (s *Scheduler) Enqueue(j *process.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admit(1); err != nil {
		return err
	}
	s.seq++
	s.queue.push(j, s.seq)
	s.cond.Signal()
	return nil
}

// Reserve checks that n jobs would be admitted right now. The orchestrator
// calls it before creating audit records for a batch.
func (s *Scheduler) Reserve(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admit(n)
}

// SubmitBatch enqueues every job of a new batch or none of them.
func (s *Scheduler) SubmitBatch(id string, priority int, jobs []*process.Job, createdAt time.Time) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[id]; ok {
		return nil, fault.Validation("scheduler.SubmitBatch", "batch %s already exists", id)
	}
	if err := s.admit(len(jobs)); err != nil {
		return nil, err
	}
	b := &Batch{id: id, priority: priority, createdAt: createdAt, jobs: append([]*process.Job(nil), jobs...)}
	s.batches[id] = b
	for _, j := range jobs {
		s.seq++
		s.queue.push(j, s.seq)
	}
	s.cond.Broadcast()
	return b, nil
}

func (s *Scheduler) Batch(id string) (*Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	return b, ok
}

// CancelBatch flags every member for cancellation and takes the members that
// have not been dequeued out of the queue. Those are returned so the caller
// can finalize them; running members stop after their current stage.
func (s *Scheduler) CancelBatch(id string) (*Batch, []*process.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, nil, fault.NotFound("scheduler.CancelBatch", id)
	}
	b.cancelled.Store(true)
	members := make(map[*process.Job]bool, len(b.jobs))
	for _, j := range b.jobs {
		j.RequestCancel()
		members[j] = true
	}
	removed := s.queue.removeIf(func(j *process.Job) bool { return members[j] })
	return b, removed, nil
}

// Remove takes a single job out of the queue if it has not been dequeued.
func (s *Scheduler) Remove(j *process.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue.removeIf(func(q *process.Job) bool { return q == j })) > 0
}

type Stats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Workers int `json:"workers"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Queued: s.queue.Len(), Running: s.running, Workers: s.workers}
}

// Close stops dequeuing, waits for running jobs until ctx is done, then
// cancels whatever is still running. Jobs still queued are returned so the
// caller can finalize them.
func (s *Scheduler) Close(ctx context.Context) []*process.Job {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	leftover := s.queue.removeIf(func(*process.Job) bool { return true })
	s.cond.Broadcast()
	group, cancel := s.group, s.cancel
	s.mu.Unlock()

	if group == nil {
		return leftover
	}
	done := make(chan struct{})
	go func() {
		group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached, cancelling running jobs")
		cancel()
		<-done
	}
	cancel()
	return leftover
}
