// Package boundary is the thin HTTP mapping from requests to
// scheduler/store/registry operations, grounded on noisefs's
// cmd/noisefs-webui router: a gorilla/mux router, {var} path segments
// via mux.Vars, and a uniform JSON envelope for responses and errors.
package boundary

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/domain"
	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/job"
	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/registry"
	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/runner"
	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/scheduler"
	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/store"
	pipelineerrors "github.com/aurelienizl/buildos-pipeline/pkg/errors"
	"github.com/aurelienizl/buildos-pipeline/pkg/logger"
)

// Server wires the Scheduler, Store and Registry to an HTTP router.
type Server struct {
	scheduler   *scheduler.Scheduler
	store       store.Store
	registry    *registry.Registry
	log         *logger.Logger
	jobTimeout  time.Duration
	runnerShare *runner.Runner
}

// New constructs a Server. jobTimeout is the timeout for jobs enqueued
// through this adapter unless a request sets a positive timeout_seconds.
func New(sched *scheduler.Scheduler, st store.Store, reg *registry.Registry, jobTimeout time.Duration, log *logger.Logger) *Server {
	if log == nil {
		log = logger.New()
	}
	return &Server{
		scheduler:   sched,
		store:       st,
		registry:    reg,
		log:         log.WithField("component", "boundary"),
		jobTimeout:  jobTimeout,
		runnerShare: runner.New(log),
	}
}

// Router builds the mux.Router exposing the control/query surface of
// the execution pipeline.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/repositories", s.handleListRepositories).Methods("GET")
	api.HandleFunc("/repositories", s.handleRegisterRepository).Methods("POST")
	api.HandleFunc("/tasks", s.handleEnqueue).Methods("POST")
	api.HandleFunc("/tasks", s.handleListTasks).Methods("GET")
	api.HandleFunc("/tasks/{task_id}/remove", s.handleRemove).Methods("POST")
	api.HandleFunc("/tasks/{task_id}/logs", s.handleLogsSince).Methods("GET")
	api.HandleFunc("/tasks/{task_id}/content", s.handleStreamContent).Methods("GET")
	api.HandleFunc("/current", s.handleCurrentJob).Methods("GET")
	api.HandleFunc("/kill-current", s.handleKillCurrent).Methods("POST")

	return router
}

// APIResponse is the uniform JSON envelope for every handler.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

func sendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := pipelineerrors.KindOf(err); ok {
		switch kind {
		case pipelineerrors.KindNotFound:
			status = http.StatusNotFound
		case pipelineerrors.KindInvalidState:
			status = http.StatusBadRequest
		default:
			status = http.StatusInternalServerError
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: err.Error()})
}

type enqueueRequest struct {
	RepoID         string `json:"repo_id"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, pipelineerrors.InvalidState("malformed request body"))
		return
	}
	if req.RepoID == "" {
		sendError(w, pipelineerrors.InvalidState("repo_id is required"))
		return
	}

	repo, err := s.registry.Get(r.Context(), req.RepoID)
	if err != nil {
		sendError(w, err)
		return
	}

	timeout := s.jobTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	j := job.New(repo.ID, repo.GitURI, timeout, s.store, s.runnerShare, s.log)
	if err := s.scheduler.Enqueue(r.Context(), j); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"job_id": j.ID})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	if err := s.scheduler.Remove(r.Context(), taskID); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleKillCurrent(w http.ResponseWriter, r *http.Request) {
	if !s.scheduler.KillCurrent() {
		sendError(w, pipelineerrors.InvalidState("nothing running"))
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) handleCurrentJob(w http.ResponseWriter, r *http.Request) {
	current := s.scheduler.CurrentJob()
	if current == nil {
		sendJSON(w, http.StatusOK, map[string]interface{}{"job_id": nil})
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"job_id": current.ID, "status": current.Status()})
}

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.registry.List(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, repos)
}

type registerRepositoryRequest struct {
	GitURI string `json:"git_uri"`
}

func (s *Server) handleRegisterRepository(w http.ResponseWriter, r *http.Request) {
	var req registerRepositoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GitURI == "" {
		sendError(w, pipelineerrors.InvalidState("git_uri is required"))
		return
	}
	repo, err := s.registry.Register(r.Context(), req.GitURI)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, repo)
}

// handleListTasks lists tasks for repo_id, or across every registered
// repository when repo_id is omitted (it is an optional filter, not a
// required parameter).
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	repoID := r.URL.Query().Get("repo_id")
	if repoID != "" {
		tasks, err := s.store.ListTasksForRepo(r.Context(), repoID)
		if err != nil {
			sendError(w, err)
			return
		}
		sendJSON(w, http.StatusOK, tasks)
		return
	}

	repos, err := s.registry.List(r.Context())
	if err != nil {
		sendError(w, err)
		return
	}
	var tasks []domain.TaskWithContent
	for _, repo := range repos {
		repoTasks, err := s.store.ListTasksForRepo(r.Context(), repo.ID)
		if err != nil {
			sendError(w, err)
			return
		}
		tasks = append(tasks, repoTasks...)
	}
	sendJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleLogsSince(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	after := int64(0)
	if v := r.URL.Query().Get("after_id"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			sendError(w, pipelineerrors.InvalidState("after_id must be an integer"))
			return
		}
		after = parsed
	}

	entries, err := s.store.LogsSince(r.Context(), taskID, after)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, entries)
}

func (s *Server) handleStreamContent(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	rc, err := s.store.StreamContent(r.Context(), taskID)
	if err != nil {
		sendError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+taskID+".zip\"")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}
