// Package store defines the persistence seam used by the scheduler, the
// worker and the boundary adapters, and dispatches to a concrete backend
// (in-memory or SQLite) the way the teacher's storage.Backend interface
// dispatches between its memory and DynamoDB implementations.
package store

import (
	"context"
	"io"

	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/domain"
)

// Store is the abstract persistence interface. Implementations: memory
// (tests, ephemeral deployments), sqlite (production, disk-backed).
type Store interface {
	// Init (re-)creates the schema if it does not already exist.
	Init(ctx context.Context) error

	// Repositories

	AddRepository(ctx context.Context, repo domain.Repository) error
	GetRepository(ctx context.Context, repoID string) (domain.Repository, error)
	ListRepositories(ctx context.Context) ([]domain.RepositoryWithCount, error)

	// Tasks

	CreateTask(ctx context.Context, taskID, repoID, createdAt string) error
	UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, startedAt, finishedAt string) error
	GetTask(ctx context.Context, taskID string) (domain.TaskWithContent, error)
	ListTasksForRepo(ctx context.Context, repoID string) ([]domain.TaskWithContent, error)

	// Logs

	AppendLog(ctx context.Context, taskID, timestamp, line string) (int64, error)
	LogsSince(ctx context.Context, taskID string, afterID int64) ([]domain.LogEntry, error)

	// Content

	PutContent(ctx context.Context, taskID string, content []byte) error
	StreamContent(ctx context.Context, taskID string) (io.ReadCloser, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Config selects and configures a Store backend.
type Config struct {
	// Backend is "memory" or "sqlite" ("" defaults to "memory").
	Backend string
	// Path is the SQLite database file path; required when Backend == "sqlite".
	Path string
}

// New constructs a Store from cfg, mirroring the teacher's
// storage.NewBackend dispatch.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.Path)
	default:
		return nil, ErrInvalidBackend
	}
}
