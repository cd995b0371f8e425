package store

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/domain"
	pipelineerrors "github.com/aurelienizl/buildos-pipeline/pkg/errors"
)

// memoryStore is an in-memory Store implementation. All data is lost on
// process exit; used by tests and available as a runtime backend for
// ephemeral deployments. All mutations are serialized by a single mutex,
// matching the teacher's memoryBackend and the spec's "serialized write
// lock" requirement for the persistence layer.
type memoryStore struct {
	mu sync.Mutex

	repos map[string]domain.Repository
	tasks map[string]domain.Task
	// logs is append-only per task; logNextID is the monotonic cursor.
	logs      map[string][]domain.LogEntry
	logNextID int64
	// content holds the full blob per task; has-content is derived from
	// presence of a (possibly empty-length) entry.
	content map[string][]byte
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() Store {
	return &memoryStore{
		repos:   make(map[string]domain.Repository),
		tasks:   make(map[string]domain.Task),
		logs:    make(map[string][]domain.LogEntry),
		content: make(map[string][]byte),
	}
}

func (m *memoryStore) Init(ctx context.Context) error { return nil }

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) AddRepository(ctx context.Context, repo domain.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.repos {
		if existing.GitURI == repo.GitURI {
			return pipelineerrors.InvalidState("git_uri already registered")
		}
	}
	m.repos[repo.ID] = repo
	return nil
}

func (m *memoryStore) GetRepository(ctx context.Context, repoID string) (domain.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	repo, ok := m.repos[repoID]
	if !ok {
		return domain.Repository{}, pipelineerrors.NotFound("repository not found")
	}
	return repo, nil
}

func (m *memoryStore) ListRepositories(ctx context.Context) ([]domain.RepositoryWithCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int)
	for _, task := range m.tasks {
		counts[task.RepoID]++
	}

	out := make([]domain.RepositoryWithCount, 0, len(m.repos))
	for _, repo := range m.repos {
		out = append(out, domain.RepositoryWithCount{Repository: repo, TaskCount: counts[repo.ID]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memoryStore) CreateTask(ctx context.Context, taskID, repoID, createdAt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.repos[repoID]; !ok {
		return pipelineerrors.NotFound("repository not found")
	}
	m.tasks[taskID] = domain.Task{
		ID:        taskID,
		RepoID:    repoID,
		Status:    domain.StatusQueued,
		CreatedAt: createdAt,
	}
	return nil
}

func (m *memoryStore) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, startedAt, finishedAt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return pipelineerrors.NotFound("task not found")
	}
	task.Status = status
	if startedAt != "" {
		task.StartedAt = startedAt
	}
	if finishedAt != "" {
		task.FinishedAt = finishedAt
	}
	m.tasks[taskID] = task
	return nil
}

func (m *memoryStore) GetTask(ctx context.Context, taskID string) (domain.TaskWithContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return domain.TaskWithContent{}, pipelineerrors.NotFound("task not found")
	}
	_, hasContent := m.content[taskID]
	return domain.TaskWithContent{Task: task, HasContent: hasContent}, nil
}

func (m *memoryStore) ListTasksForRepo(ctx context.Context, repoID string) ([]domain.TaskWithContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.TaskWithContent
	for _, task := range m.tasks {
		if task.RepoID != repoID {
			continue
		}
		_, hasContent := m.content[task.ID]
		out = append(out, domain.TaskWithContent{Task: task, HasContent: hasContent})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (m *memoryStore) AppendLog(ctx context.Context, taskID, timestamp, line string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[taskID]; !ok {
		return 0, pipelineerrors.NotFound("task not found")
	}

	m.logNextID++
	id := m.logNextID
	m.logs[taskID] = append(m.logs[taskID], domain.LogEntry{
		ID:        id,
		TaskID:    taskID,
		Timestamp: timestamp,
		Line:      line,
	})
	return id, nil
}

func (m *memoryStore) LogsSince(ctx context.Context, taskID string, afterID int64) ([]domain.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.LogEntry
	for _, entry := range m.logs[taskID] {
		if entry.ID > afterID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *memoryStore) PutContent(ctx context.Context, taskID string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[taskID]; !ok {
		return pipelineerrors.NotFound("task not found")
	}

	buf := make([]byte, len(content))
	copy(buf, content)
	m.content[taskID] = buf
	return nil
}

func (m *memoryStore) StreamContent(ctx context.Context, taskID string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.content[taskID]
	if !ok {
		return nil, pipelineerrors.NotFound("no content for task")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
