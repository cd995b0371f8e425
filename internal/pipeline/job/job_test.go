package job

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/domain"
	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/runner"
	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/store"
)

// fakeRunner stubs the Job's dependency on runner.Runner so tests never
// spawn a real git clone or shell. Each call consumes the next queued
// step; a step's populate callback (given argv and cwd) simulates
// whatever filesystem side effect the real command would have had
// (e.g. "git clone" materializing the clone directory).
type fakeRunner struct {
	steps []fakeStep
	calls []string
}

type fakeStep struct {
	outcome  runner.Outcome
	lines    []string
	populate func(argv []string, cwd string)
}

func (f *fakeRunner) RunWithCallback(argv []string, cwd string, env []string, timeout time.Duration, cancelSignal *atomic.Bool, onLine func(string), onStart func(pgid int)) runner.Result {
	f.calls = append(f.calls, argv[0])
	if onStart != nil {
		onStart(12345)
	}
	if len(f.steps) == 0 {
		return runner.Result{Outcome: runner.OK}
	}
	step := f.steps[0]
	f.steps = f.steps[1:]

	for _, l := range step.lines {
		onLine(l)
	}
	if step.populate != nil {
		step.populate(argv, cwd)
	}

	switch step.outcome {
	case runner.OK:
		return runner.Result{Outcome: runner.OK, ExitCode: 0}
	case runner.NonZeroExit:
		return runner.Result{Outcome: runner.NonZeroExit, ExitCode: 1}
	default:
		return runner.Result{Outcome: step.outcome}
	}
}

func newTestJob(t *testing.T, st store.Store, steps []fakeStep) (*Job, *fakeRunner) {
	t.Helper()
	fr := &fakeRunner{steps: steps}
	j := New("r1", "https://example.com/repo.git", time.Second, st, nil, nil)
	j.runner = fr
	return j, fr
}

// withPipelineScript returns a clone-step fake that materializes
// .config/pipeline.sh so the job proceeds to invoke the second runner
// step instead of taking the "No pipeline.sh found" shortcut.
func withPipelineScript(t *testing.T) fakeStep {
	t.Helper()
	return fakeStep{
		outcome: runner.OK,
		populate: func(argv []string, cwd string) {
			cloneDir := argv[3]
			require.NoError(t, os.MkdirAll(filepath.Join(cloneDir, ".config"), 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(cloneDir, ".config", "pipeline.sh"), []byte("#!/bin/bash\n"), 0o755))
		},
	}
}

func setupRepo(t *testing.T, st store.Store) {
	t.Helper()
	require.NoError(t, st.AddRepository(context.Background(), domain.Repository{
		ID: "r1", GitURI: "https://example.com/repo.git", Name: "repo", CreatedAt: "t0",
	}))
}

func TestJob_HappyPath_ArchivesResult(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	setupRepo(t, st)

	j, fr := newTestJob(t, st, []fakeStep{
		{
			outcome: runner.OK,
			lines:   []string{"Cloning into repo..."},
			populate: func(argv []string, cwd string) {
				cloneDir := argv[3]
				require.NoError(t, os.MkdirAll(filepath.Join(cloneDir, ".config"), 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(cloneDir, ".config", "pipeline.sh"), []byte("#!/bin/bash\n"), 0o755))
			},
		},
		{
			outcome: runner.OK,
			lines:   []string{"build ok"},
			populate: func(argv []string, cwd string) {
				resultDir := filepath.Join(cwd, ".result")
				require.NoError(t, os.MkdirAll(resultDir, 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(resultDir, "out.txt"), []byte("result data"), 0o644))
			},
		},
	})
	require.NoError(t, j.Register(ctx))

	j.Run(ctx)

	task, err := st.GetTask(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, task.Status)
	assert.True(t, task.HasContent)
	assert.NotEmpty(t, task.StartedAt)
	assert.NotEmpty(t, task.FinishedAt)
	assert.Equal(t, []string{"git", "bash"}, fr.calls)

	logs, err := st.LogsSince(ctx, j.ID, 0)
	require.NoError(t, err)
	var cloneLogged, bashLogged bool
	for _, l := range logs {
		if strings.HasPrefix(l.Line, "git clone ") {
			cloneLogged = true
		}
		if strings.HasPrefix(l.Line, "bash ") && strings.HasSuffix(l.Line, "pipeline.sh") {
			bashLogged = true
		}
	}
	assert.True(t, cloneLogged, "logs must contain the git clone command line")
	assert.True(t, bashLogged, "logs must contain the bash pipeline.sh command line")

	_, err = os.Stat(j.workDir)
	assert.True(t, os.IsNotExist(err), "workspace must be removed after Run")
}

func TestJob_MissingPipelineScript_StillFinishes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	setupRepo(t, st)

	j, fr := newTestJob(t, st, []fakeStep{
		{outcome: runner.OK},
	})
	require.NoError(t, j.Register(ctx))

	j.Run(ctx)

	task, err := st.GetTask(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, task.Status)
	assert.False(t, task.HasContent)
	assert.Equal(t, []string{"git"}, fr.calls, "no pipeline.sh present, second runner step must be skipped")

	logs, err := st.LogsSince(ctx, j.ID, 0)
	require.NoError(t, err)
	found := false
	for _, l := range logs {
		if l.Line == "No pipeline.sh found – skipping" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestJob_PipelineFailure_MapsToFailed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	setupRepo(t, st)

	j, _ := newTestJob(t, st, []fakeStep{
		withPipelineScript(t),
		{outcome: runner.NonZeroExit},
	})
	require.NoError(t, j.Register(ctx))

	j.Run(ctx)

	task, err := st.GetTask(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, task.Status)
}

func TestJob_TimeoutMapsToFailedWhenNotCancelled(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	setupRepo(t, st)

	j, _ := newTestJob(t, st, []fakeStep{
		withPipelineScript(t),
		{outcome: runner.TimedOut},
	})
	require.NoError(t, j.Register(ctx))

	j.Run(ctx)

	task, err := st.GetTask(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, task.Status)
}

func TestJob_CancelSignalWinsOverFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	setupRepo(t, st)

	j, _ := newTestJob(t, st, []fakeStep{
		{outcome: runner.NonZeroExit},
	})
	require.NoError(t, j.Register(ctx))
	j.Kill()

	j.Run(ctx)

	task, err := st.GetTask(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, task.Status)
}
