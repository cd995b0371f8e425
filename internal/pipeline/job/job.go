// Package job implements the Job state machine: cloning a repository
// into an ephemeral workspace, running its pipeline script, archiving
// results and persisting terminal status, grounded on the source
// system's buildos_job.Job.run() protocol and on the teacher's
// process.Manager for process-group lifecycle handling.
package job

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/domain"
	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/runner"
	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/store"
	pipelineerrors "github.com/aurelienizl/buildos-pipeline/pkg/errors"
	"github.com/aurelienizl/buildos-pipeline/pkg/logger"
)

// DefaultTimeout bounds a single runner invocation when the caller does
// not configure one explicitly.
const DefaultTimeout = time.Hour

// stepRunner is the subset of *runner.Runner the Job depends on,
// narrowed to an interface so tests can substitute a fake without
// spawning real child processes.
type stepRunner interface {
	RunWithCallback(argv []string, cwd string, env []string, timeout time.Duration, cancelSignal *atomic.Bool, onLine func(string), onStart func(pgid int)) runner.Result
}

// Job runs one task: git clone, optional pipeline script, archive of
// .result/, and terminal status persistence.
type Job struct {
	ID     string
	RepoID string
	GitURI string

	timeout time.Duration
	store   store.Store
	runner  stepRunner
	log     *logger.Logger

	workDir string
	homeDir string

	cancelSignal atomic.Bool
	currentPGID  atomic.Int64

	// status mirrors the persisted Task.status in memory so the
	// scheduler can make queue-discipline decisions (is this job still
	// removable? is it the one currently running?) without a Store
	// round trip, matching the source queue's job.status field.
	status atomic.Value // domain.TaskStatus
}

// New constructs a Job for repoID/gitURI with a freshly minted task ID.
// It does not touch the Store or filesystem; call Run to execute it.
func New(repoID, gitURI string, timeout time.Duration, st store.Store, rn *runner.Runner, log *logger.Logger) *Job {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.New()
	}
	id := uuid.NewString()
	j := &Job{
		ID:      id,
		RepoID:  repoID,
		GitURI:  gitURI,
		timeout: timeout,
		store:   st,
		runner:  rn,
		log:     log.WithFields("component", "job", "task_id", id),
	}
	j.status.Store(domain.StatusQueued)
	return j
}

// Status returns the Job's current in-process status.
func (j *Job) Status() domain.TaskStatus {
	return j.status.Load().(domain.TaskStatus)
}

// setStatus updates the in-process status. It does not persist to the
// Store; callers (Run, the scheduler) persist separately.
func (j *Job) setStatus(s domain.TaskStatus) {
	j.status.Store(s)
}

// MarkCanceled transitions a still-queued Job to canceled without
// running it, for the scheduler's remove/shutdown paths. It persists
// the terminal status itself since Run will never be invoked for this
// Job.
func (j *Job) MarkCanceled(ctx context.Context) error {
	j.setStatus(domain.StatusCanceled)
	return j.store.UpdateTaskStatus(ctx, j.ID, domain.StatusCanceled, "", domain.FormatTimestamp(time.Now()))
}

// Kill requests cooperative cancellation: it sets the cancel signal and,
// if a child process is currently running, proactively signals its
// process group rather than waiting for the runner's next poll tick.
func (j *Job) Kill() {
	j.cancelSignal.Store(true)
	if pgid := j.currentPGID.Load(); pgid > 0 {
		runner.SignalGroup(int(pgid), syscall.SIGTERM)
	}
}

// Register creates the task's durable row with status queued. Must be
// called before Run.
func (j *Job) Register(ctx context.Context) error {
	return j.store.CreateTask(ctx, j.ID, j.RepoID, domain.FormatTimestamp(time.Now()))
}

// Run executes the full job protocol: queued -> running -> terminal.
// It always leaves the task in a terminal status and always removes the
// workspace, regardless of outcome.
func (j *Job) Run(ctx context.Context) {
	defer func() {
		if j.workDir != "" {
			if err := os.RemoveAll(j.workDir); err != nil && !os.IsNotExist(err) {
				j.log.Warn("failed to clean up workspace", "err", err, "dir", j.workDir)
			}
		}
	}()

	j.setStatus(domain.StatusRunning)
	startedAt := domain.FormatTimestamp(time.Now())
	if err := j.store.UpdateTaskStatus(ctx, j.ID, domain.StatusRunning, startedAt, ""); err != nil {
		j.log.Error("failed to persist running status", "err", err)
	}

	status := j.execute(ctx)
	j.setStatus(status)

	finishedAt := domain.FormatTimestamp(time.Now())
	if err := j.store.UpdateTaskStatus(ctx, j.ID, status, "", finishedAt); err != nil {
		j.log.Error("failed to persist terminal status", "err", err)
	}
}

// execute runs the clone/pipeline/archive sequence and returns the
// terminal status to persist, applying the "cancel wins" error mapping:
// any failure kind while the cancel signal is set maps to canceled, and
// to failed while it is unset. A Cancelled runner outcome goes through
// the same check; the runner only reports Cancelled after observing the
// signal set, so it maps to canceled.
func (j *Job) execute(ctx context.Context) domain.TaskStatus {
	workDir, err := os.MkdirTemp("", "repo-"+j.ID+"-")
	if err != nil {
		j.appendLog(ctx, "failed to create workspace: "+err.Error())
		return j.terminalStatus(false)
	}
	j.workDir = workDir

	j.homeDir = filepath.Join(workDir, "_home")
	if err := os.MkdirAll(j.homeDir, 0o755); err != nil {
		j.appendLog(ctx, "failed to create home directory: "+err.Error())
		return j.terminalStatus(false)
	}
	env := runner.BuildEnv(j.homeDir)

	cloneDir := filepath.Join(workDir, "clone")

	ok := j.runStep(ctx, []string{"git", "clone", j.GitURI, cloneDir}, "", env)
	if !ok {
		return j.terminalStatus(false)
	}
	if j.cancelSignal.Load() {
		return domain.StatusCanceled
	}

	scriptPath := filepath.Join(cloneDir, ".config", "pipeline.sh")
	if info, err := os.Stat(scriptPath); err == nil && info.Mode().IsRegular() {
		ok := j.runStep(ctx, []string{"bash", scriptPath}, cloneDir, env)
		if !ok {
			return j.terminalStatus(false)
		}
		if j.cancelSignal.Load() {
			return domain.StatusCanceled
		}
	} else {
		j.appendLog(ctx, "No pipeline.sh found – skipping")
	}

	if j.cancelSignal.Load() {
		return domain.StatusCanceled
	}

	resultDir := filepath.Join(cloneDir, ".result")
	if info, err := os.Stat(resultDir); err == nil && info.IsDir() {
		archive, err := archiveDirectory(resultDir)
		if err != nil {
			j.appendLog(ctx, pipelineerrors.ArchiveFailed(err).Error())
			return j.terminalStatus(false)
		}
		if err := j.store.PutContent(ctx, j.ID, archive); err != nil {
			j.appendLog(ctx, pipelineerrors.ArchiveFailed(err).Error())
			return j.terminalStatus(false)
		}
		j.appendLog(ctx, "Archived results")
	} else {
		j.appendLog(ctx, "No .result directory – nothing to archive")
	}

	return domain.StatusFinished
}

// terminalStatus maps a non-success outcome to failed or canceled
// depending on whether the cancel signal was observed: cancel wins.
func (j *Job) terminalStatus(success bool) domain.TaskStatus {
	if success {
		return domain.StatusFinished
	}
	if j.cancelSignal.Load() {
		return domain.StatusCanceled
	}
	return domain.StatusFailed
}

// runStep runs one Runner invocation, logging every line and the
// outcome, and reports whether it completed successfully (exit code 0,
// no cancellation, no timeout, no spawn failure).
func (j *Job) runStep(ctx context.Context, argv []string, cwd string, env []string) bool {
	j.appendLog(ctx, strings.Join(argv, " "))

	onLine := func(line string) { j.appendLog(ctx, line) }
	onStart := func(pgid int) { j.currentPGID.Store(int64(pgid)) }

	res := j.runner.RunWithCallback(argv, cwd, env, j.timeout, &j.cancelSignal, onLine, onStart)
	j.currentPGID.Store(0)

	switch res.Outcome {
	case runner.OK:
		return true
	case runner.Cancelled:
		j.appendLog(ctx, pipelineerrors.Cancelled("cancel signal observed during runner invocation").Error())
		return false
	case runner.TimedOut:
		j.appendLog(ctx, pipelineerrors.TimedOut("wall-clock timeout exceeded").Error())
		return false
	case runner.NonZeroExit:
		j.appendLog(ctx, pipelineerrors.NonZeroExit(res.ExitCode).Error())
		return false
	case runner.SpawnFailed:
		j.appendLog(ctx, pipelineerrors.SpawnFailed(res.Err).Error())
		return false
	default:
		return false
	}
}

func (j *Job) appendLog(ctx context.Context, line string) {
	ts := domain.FormatTimestamp(time.Now())
	if _, err := j.store.AppendLog(ctx, j.ID, ts, line); err != nil {
		j.log.Error("failed to append log", "err", err)
	}
}

// archiveDirectory builds a ZIP (deflate) of every regular file under
// dir, relative paths preserved, matching shutil.make_archive's layout.
func archiveDirectory(dir string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
