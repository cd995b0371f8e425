// Package scheduler implements the strict FIFO job queue and
// single-worker execution loop, grounded line-for-line on the source
// system's buildos_job.JobQueue: a mutex/condition-variable queue, a
// current-job pointer and a dedicated worker goroutine.
package scheduler

import (
	"context"
	"sync"

	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/domain"
	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/job"
	pipelineerrors "github.com/aurelienizl/buildos-pipeline/pkg/errors"
	"github.com/aurelienizl/buildos-pipeline/pkg/logger"
)

// Scheduler runs at most one Job at a time, in strict FIFO order, on a
// single dedicated worker goroutine.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue      []*job.Job
	jobsByID   map[string]*job.Job
	currentJob *job.Job
	shutdown   bool

	log  *logger.Logger
	done chan struct{}
}

// New constructs a Scheduler and starts its worker goroutine. ctx
// bounds every Job's Run invocation; canceling it does not itself stop
// the scheduler — call Shutdown for that.
func New(ctx context.Context, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.New()
	}
	s := &Scheduler{
		jobsByID: make(map[string]*job.Job),
		log:      log.WithField("component", "scheduler"),
		done:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.loop(ctx)
	return s
}

// Enqueue registers j's durable task row and appends it to the FIFO
// queue, then wakes the worker if it is idle.
func (s *Scheduler) Enqueue(ctx context.Context, j *job.Job) error {
	if err := j.Register(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.jobsByID[j.ID] = j
	s.queue = append(s.queue, j)
	s.mu.Unlock()
	s.cond.Signal()
	return nil
}

// Remove cancels a queued (not yet started) job. It returns NotFound if
// jobID is unknown, and InvalidState if the job is known but already
// past the queued state (running or terminal) — per the spec, only
// queued jobs are removable.
func (s *Scheduler) Remove(ctx context.Context, jobID string) error {
	s.mu.Lock()
	j, ok := s.jobsByID[jobID]
	if !ok {
		s.mu.Unlock()
		return pipelineerrors.NotFound("job not found")
	}
	if j.Status() != domain.StatusQueued {
		s.mu.Unlock()
		return pipelineerrors.InvalidState("job is not queued")
	}

	// A job the worker has already popped is no longer in the queue even
	// if its status still reads queued; it is not removable.
	idx := -1
	for i, queued := range s.queue {
		if queued.ID == jobID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return pipelineerrors.InvalidState("job is not queued")
	}
	s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
	s.mu.Unlock()

	if err := j.MarkCanceled(ctx); err != nil {
		s.log.Error("failed to persist canceled status", "err", err, "task_id", jobID)
	}
	return nil
}

// KillCurrent signals the currently running job's cancellation, if
// any. It returns false if nothing is running.
func (s *Scheduler) KillCurrent() bool {
	s.mu.Lock()
	current := s.currentJob
	s.mu.Unlock()

	if current == nil || current.Status() != domain.StatusRunning {
		return false
	}
	current.Kill()
	return true
}

// CurrentJob returns the Job presently executing, or nil if idle.
func (s *Scheduler) CurrentJob() *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentJob
}

// Shutdown empties the queue and sets the shutdown flag, persists
// canceled for every job that was still queued, then wakes the worker,
// which exits once it finds the queue empty with the flag set. It
// blocks until the worker goroutine has returned.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.shutdown = true
	s.mu.Unlock()

	for _, j := range pending {
		if err := j.MarkCanceled(ctx); err != nil {
			s.log.Error("failed to persist canceled status during shutdown", "err", err, "task_id", j.ID)
		}
	}
	s.cond.Signal()

	<-s.done
}

// loop is the single worker goroutine: pop front, set current_job,
// check status, run if still queued, clear current_job. The
// set-then-check-then-clear ordering is load-bearing: it is what lets
// KillCurrent and Remove observe a consistent view of "what is
// currently running" without racing the worker.
func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.shutdown {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.shutdown {
			s.mu.Unlock()
			return
		}
		j := s.queue[0]
		s.queue = s.queue[1:]
		s.currentJob = j
		s.mu.Unlock()

		if j.Status() == domain.StatusQueued {
			j.Run(ctx)
		}

		s.mu.Lock()
		s.currentJob = nil
		s.mu.Unlock()
	}
}
