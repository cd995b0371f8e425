package store

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/domain"
	pipelineerrors "github.com/aurelienizl/buildos-pipeline/pkg/errors"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS repositories (
  id         TEXT PRIMARY KEY,
  git_uri    TEXT NOT NULL UNIQUE,
  name       TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
  id          TEXT PRIMARY KEY,
  repo_id     TEXT NOT NULL,
  status      TEXT NOT NULL,
  created_at  TEXT NOT NULL,
  started_at  TEXT,
  finished_at TEXT,
  FOREIGN KEY (repo_id) REFERENCES repositories(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS logs (
  id        INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id   TEXT NOT NULL,
  timestamp TEXT NOT NULL,
  line      TEXT NOT NULL,
  FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_logs_task_id ON logs(task_id);

CREATE TABLE IF NOT EXISTS content_chunks (
  task_id TEXT NOT NULL,
  seq     INTEGER NOT NULL,
  data    BLOB NOT NULL,
  PRIMARY KEY (task_id, seq),
  FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
`

// sqliteStore is the disk-backed, production Store implementation: a
// single SQLite file in WAL mode with a process-wide write lock
// serializing mutating operations, matching the teacher's pattern of a
// single embedded-database backend behind the storage.Backend seam.
type sqliteStore struct {
	db *sql.DB
	// writeMu serializes all mutating statements so a multi-statement
	// transaction (e.g. PutContent's delete-then-insert) is never
	// interleaved with another writer, per the store's concurrency
	// contract. Reads proceed without holding it (WAL allows concurrent
	// readers).
	writeMu sync.Mutex
}

// NewSQLite opens (creating if absent) a SQLite database at path and
// configures it for concurrent readers / serialized writers.
func NewSQLite(path string) (Store, error) {
	if path == "" {
		return nil, pipelineerrors.InvalidState("sqlite store requires a database path")
	}

	// foreign_keys and busy_timeout are per-connection pragmas: applying
	// them with a single db.Exec only configures whichever connection the
	// pool happens to hand back, leaving the rest of the pool's
	// connections without cascading deletes or busy handling. Setting
	// them via the DSN's _pragma query parameters makes modernc.org/sqlite
	// apply them to every connection it opens. journal_mode is
	// database-level (persisted in the file header) so a single db.Exec
	// is sufficient for it.
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, pipelineerrors.StoreError("failed to open database", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, pipelineerrors.StoreError("failed to configure database", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		db.Close()
		return nil, pipelineerrors.StoreError("failed to configure database", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return pipelineerrors.StoreError("failed to initialize schema", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) AddRepository(ctx context.Context, repo domain.Repository) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repositories (id, git_uri, name, created_at) VALUES (?, ?, ?, ?)`,
		repo.ID, repo.GitURI, repo.Name, repo.CreatedAt)
	if err != nil {
		return pipelineerrors.StoreError("failed to insert repository", err)
	}
	return nil
}

func (s *sqliteStore) GetRepository(ctx context.Context, repoID string) (domain.Repository, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, git_uri, name, created_at FROM repositories WHERE id = ?`, repoID)

	var repo domain.Repository
	if err := row.Scan(&repo.ID, &repo.GitURI, &repo.Name, &repo.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Repository{}, pipelineerrors.NotFound("repository not found")
		}
		return domain.Repository{}, pipelineerrors.StoreError("failed to query repository", err)
	}
	return repo, nil
}

func (s *sqliteStore) ListRepositories(ctx context.Context) ([]domain.RepositoryWithCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.git_uri, r.name, r.created_at,
		       (SELECT COUNT(1) FROM tasks t WHERE t.repo_id = r.id) AS task_count
		FROM repositories r
		ORDER BY r.name`)
	if err != nil {
		return nil, pipelineerrors.StoreError("failed to list repositories", err)
	}
	defer rows.Close()

	var out []domain.RepositoryWithCount
	for rows.Next() {
		var rc domain.RepositoryWithCount
		if err := rows.Scan(&rc.ID, &rc.GitURI, &rc.Name, &rc.CreatedAt, &rc.TaskCount); err != nil {
			return nil, pipelineerrors.StoreError("failed to scan repository row", err)
		}
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, pipelineerrors.StoreError("failed to iterate repositories", err)
	}
	return out, nil
}

func (s *sqliteStore) CreateTask(ctx context.Context, taskID, repoID, createdAt string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM repositories WHERE id = ?`, repoID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pipelineerrors.NotFound("repository not found")
		}
		return pipelineerrors.StoreError("failed to check repository", err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, repo_id, status, created_at) VALUES (?, ?, ?, ?)`,
		taskID, repoID, domain.StatusQueued, createdAt)
	if err != nil {
		return pipelineerrors.StoreError("failed to insert task", err)
	}
	return nil
}

func (s *sqliteStore) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, startedAt, finishedAt string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `UPDATE tasks SET status = ?`
	args := []interface{}{status}
	if startedAt != "" {
		query += `, started_at = ?`
		args = append(args, startedAt)
	}
	if finishedAt != "" {
		query += `, finished_at = ?`
		args = append(args, finishedAt)
	}
	query += ` WHERE id = ?`
	args = append(args, taskID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return pipelineerrors.StoreError("failed to update task status", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return pipelineerrors.NotFound("task not found")
	}
	return nil
}

func (s *sqliteStore) GetTask(ctx context.Context, taskID string) (domain.TaskWithContent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.repo_id, t.status, t.created_at,
		       COALESCE(t.started_at, ''), COALESCE(t.finished_at, ''),
		       EXISTS(SELECT 1 FROM content_chunks cc WHERE cc.task_id = t.id)
		FROM tasks t WHERE t.id = ?`, taskID)

	var t domain.TaskWithContent
	var status string
	if err := row.Scan(&t.ID, &t.RepoID, &status, &t.CreatedAt, &t.StartedAt, &t.FinishedAt, &t.HasContent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TaskWithContent{}, pipelineerrors.NotFound("task not found")
		}
		return domain.TaskWithContent{}, pipelineerrors.StoreError("failed to query task", err)
	}
	t.Status = domain.TaskStatus(status)
	return t, nil
}

func (s *sqliteStore) ListTasksForRepo(ctx context.Context, repoID string) ([]domain.TaskWithContent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.repo_id, t.status, t.created_at,
		       COALESCE(t.started_at, ''), COALESCE(t.finished_at, ''),
		       EXISTS(SELECT 1 FROM content_chunks cc WHERE cc.task_id = t.id)
		FROM tasks t WHERE t.repo_id = ?
		ORDER BY t.created_at DESC`, repoID)
	if err != nil {
		return nil, pipelineerrors.StoreError("failed to list tasks", err)
	}
	defer rows.Close()

	var out []domain.TaskWithContent
	for rows.Next() {
		var t domain.TaskWithContent
		var status string
		if err := rows.Scan(&t.ID, &t.RepoID, &status, &t.CreatedAt, &t.StartedAt, &t.FinishedAt, &t.HasContent); err != nil {
			return nil, pipelineerrors.StoreError("failed to scan task row", err)
		}
		t.Status = domain.TaskStatus(status)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, pipelineerrors.StoreError("failed to iterate tasks", err)
	}
	return out, nil
}

func (s *sqliteStore) AppendLog(ctx context.Context, taskID, timestamp, line string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (task_id, timestamp, line) VALUES (?, ?, ?)`,
		taskID, timestamp, line)
	if err != nil {
		return 0, pipelineerrors.StoreError("failed to insert log entry", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, pipelineerrors.StoreError("failed to read inserted log id", err)
	}
	return id, nil
}

func (s *sqliteStore) LogsSince(ctx context.Context, taskID string, afterID int64) ([]domain.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, timestamp, line FROM logs WHERE task_id = ? AND id > ? ORDER BY id`,
		taskID, afterID)
	if err != nil {
		return nil, pipelineerrors.StoreError("failed to query logs", err)
	}
	defer rows.Close()

	var out []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Timestamp, &e.Line); err != nil {
			return nil, pipelineerrors.StoreError("failed to scan log row", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, pipelineerrors.StoreError("failed to iterate logs", err)
	}
	return out, nil
}

// PutContent deletes any existing chunks for taskID and writes content in
// fixed 256 KiB chunks inside a single transaction, so a reader never
// observes a mix of old and new content.
func (s *sqliteStore) PutContent(ctx context.Context, taskID string, content []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pipelineerrors.StoreError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM content_chunks WHERE task_id = ?`, taskID); err != nil {
		return pipelineerrors.StoreError("failed to clear existing content", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO content_chunks (task_id, seq, data) VALUES (?, ?, ?)`)
	if err != nil {
		return pipelineerrors.StoreError("failed to prepare chunk insert", err)
	}
	defer stmt.Close()

	for seq, offset := 0, 0; offset < len(content); seq, offset = seq+1, offset+domain.ContentChunkSize {
		end := offset + domain.ContentChunkSize
		if end > len(content) {
			end = len(content)
		}
		if _, err := stmt.ExecContext(ctx, taskID, seq, content[offset:end]); err != nil {
			return pipelineerrors.StoreError("failed to insert content chunk", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return pipelineerrors.StoreError("failed to commit content write", err)
	}
	return nil
}

// StreamContent streams chunks in seq order without loading the whole
// blob into memory, bounding reader memory regardless of archive size.
func (s *sqliteStore) StreamContent(ctx context.Context, taskID string) (io.ReadCloser, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM content_chunks WHERE task_id = ?`, taskID).Scan(&count); err != nil {
		return nil, pipelineerrors.StoreError("failed to check content", err)
	}
	if count == 0 {
		return nil, pipelineerrors.NotFound("no content for task")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM content_chunks WHERE task_id = ? ORDER BY seq`, taskID)
	if err != nil {
		return nil, pipelineerrors.StoreError("failed to query content chunks", err)
	}
	return &chunkReader{rows: rows}, nil
}

// chunkReader adapts a sequence of chunk rows into an io.Reader, pulling
// the next chunk from the database only once the previous one is
// exhausted.
type chunkReader struct {
	rows    *sql.Rows
	current []byte
}

func (c *chunkReader) Read(p []byte) (int, error) {
	for len(c.current) == 0 {
		if !c.rows.Next() {
			if err := c.rows.Err(); err != nil {
				return 0, pipelineerrors.StoreError("failed to read content chunk", err)
			}
			return 0, io.EOF
		}
		if err := c.rows.Scan(&c.current); err != nil {
			return 0, pipelineerrors.StoreError("failed to scan content chunk", err)
		}
	}
	n := copy(p, c.current)
	c.current = c.current[n:]
	return n, nil
}

func (c *chunkReader) Close() error {
	return c.rows.Close()
}
