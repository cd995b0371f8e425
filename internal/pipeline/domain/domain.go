// Package domain holds the persisted entities of the execution pipeline:
// Repository, Task and LogEntry, the content chunk size, and the Task
// status values. The in-memory-only Job type lives alongside the component
// that owns it (internal/pipeline/job) since it is never persisted.
package domain

import "time"

// TaskStatus is one of the Task state machine's states.
type TaskStatus string

const (
	StatusQueued   TaskStatus = "queued"
	StatusRunning  TaskStatus = "running"
	StatusFinished TaskStatus = "finished"
	StatusFailed   TaskStatus = "failed"
	StatusCanceled TaskStatus = "canceled"
)

// IsTerminal reports whether status is absorbing: finished, failed or
// canceled.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// timeLayout follows the source system's datetime.utcnow().isoformat():
// ISO-8601 UTC without a trailing "Z" or numeric offset. Unlike
// isoformat(), trailing zeros of the fractional seconds are dropped, and
// the fraction is omitted entirely when it is zero.
const timeLayout = "2006-01-02T15:04:05.999999"

// FormatTimestamp renders t the way the persisted entities expect it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Repository is a registered Git repository. Immutable once created.
type Repository struct {
	ID        string
	GitURI    string
	Name      string
	CreatedAt string
}

// RepositoryWithCount decorates a Repository with its task count, as
// returned by Store.ListRepositories.
type RepositoryWithCount struct {
	Repository
	TaskCount int
}

// Task is one row per Job: the durable record of a job's lifecycle.
type Task struct {
	ID         string
	RepoID     string
	Status     TaskStatus
	CreatedAt  string
	StartedAt  string // empty until the task has ever been running
	FinishedAt string // empty until the task reaches a terminal status
}

// TaskWithContent decorates a Task with whether content chunks exist for
// it, derived at read time and never cached on the row itself.
type TaskWithContent struct {
	Task
	HasContent bool
}

// LogEntry is one append-only log line belonging to a Task.
type LogEntry struct {
	ID        int64
	TaskID    string
	Timestamp string
	Line      string
}

// ContentChunkSize is the fixed chunk size content is split into when
// stored: 256 KiB. The last chunk of a task's content may be smaller.
const ContentChunkSize = 256 * 1024
