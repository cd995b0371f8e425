package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/domain"
	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/job"
	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/runner"
	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/store"
	pipelineerrors "github.com/aurelienizl/buildos-pipeline/pkg/errors"
	"github.com/aurelienizl/buildos-pipeline/pkg/logger"
)

// newIdleScheduler builds a Scheduler without starting its worker
// goroutine, so tests of the queue-manipulation methods (Remove,
// KillCurrent) are not racing a live worker that might pop the job
// before the assertion runs.
func newIdleScheduler() *Scheduler {
	s := &Scheduler{jobsByID: make(map[string]*job.Job), log: logger.New()}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func setupStore(t *testing.T) store.Store {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.AddRepository(context.Background(), domain.Repository{
		ID: "r1", GitURI: "u", Name: "n", CreatedAt: "t0",
	}))
	return st
}

func TestScheduler_DrainsQueueToTerminalStatus(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	s := New(ctx, nil)
	defer s.Shutdown(ctx)

	for i := 0; i < 3; i++ {
		j := job.New("r1", "not-a-real-git-uri", time.Minute, st, runner.New(nil), nil)
		require.NoError(t, s.Enqueue(ctx, j))
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		list, err := st.ListTasksForRepo(ctx, "r1")
		require.NoError(t, err)
		done := 0
		for _, task := range list {
			if task.Status.IsTerminal() {
				done++
			}
		}
		if done == 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	list, err := st.ListTasksForRepo(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for _, task := range list {
		assert.True(t, task.Status.IsTerminal())
	}
}

func TestScheduler_RemoveQueuedJob(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	s := newIdleScheduler()

	target := job.New("r1", "u", time.Minute, st, runner.New(nil), nil)
	require.NoError(t, target.Register(ctx))
	s.jobsByID[target.ID] = target
	s.queue = []*job.Job{target}

	err := s.Remove(ctx, target.ID)
	assert.NoError(t, err)
	assert.Empty(t, s.queue)

	task, err := st.GetTask(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, task.Status)
}

func TestScheduler_RemoveNonQueuedJobReturnsInvalidState(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	s := newIdleScheduler()

	// Run it to completion first so its in-process status is no longer
	// StatusQueued; Remove must reject it regardless of which terminal
	// or in-flight status it actually settled on.
	j := job.New("r1", "u", time.Minute, st, runner.New(nil), nil)
	require.NoError(t, j.Register(ctx))
	j.Run(ctx)
	s.jobsByID[j.ID] = j

	err := s.Remove(ctx, j.ID)
	require.Error(t, err)
	kind, ok := pipelineerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, pipelineerrors.KindInvalidState, kind)
}

func TestScheduler_RemoveUnknownJobReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newIdleScheduler()

	err := s.Remove(ctx, "does-not-exist")
	require.Error(t, err)
	kind, ok := pipelineerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, pipelineerrors.KindNotFound, kind)
}

func TestScheduler_KillCurrentReturnsFalseWhenIdle(t *testing.T) {
	s := newIdleScheduler()

	assert.False(t, s.KillCurrent())
}

func TestScheduler_ShutdownCancelsQueuedJobs(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	s := newIdleScheduler()
	s.done = make(chan struct{})
	close(s.done) // no worker goroutine is running in this test

	queued := job.New("r1", "u", time.Minute, st, runner.New(nil), nil)
	require.NoError(t, queued.Register(ctx))
	s.jobsByID[queued.ID] = queued
	s.queue = []*job.Job{queued}

	s.Shutdown(ctx)

	task, err := st.GetTask(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, task.Status)
}
