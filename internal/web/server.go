package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"opencopilot/internal/audit"
	"opencopilot/internal/clock"
	"opencopilot/internal/db"
	"opencopilot/internal/jobs"
	"opencopilot/internal/pipeline"
	"opencopilot/internal/task"
)

// Dispatcher is the job-admission surface the server uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *jobs.Job) bool
	CancelJob(jobID string) bool
}

// Server exposes the webhook intake and the read-only inspection API.
type Server struct {
	tasks      db.TaskStore
	status     jobs.StatusStore
	dispatcher Dispatcher
	audit      audit.Store
	clock      clock.Clock
	logger     *slog.Logger
}

func NewServer(tasks db.TaskStore, status jobs.StatusStore, dispatcher Dispatcher, auditStore audit.Store, c clock.Clock, logger *slog.Logger) *Server {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		tasks:      tasks,
		status:     status,
		dispatcher: dispatcher,
		audit:      auditStore,
		clock:      c,
		logger:     logger,
	}
}

// Handler returns the routed http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhook/issues", s.handleIssueWebhook)
	mux.HandleFunc("GET /api/tasks/{owner}/{repo}/{issue}", s.handleGetTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /api/audit", s.handleAuditQuery)
	return mux
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("http server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// issueWebhook mirrors the subset of the forge's issues event the agent
// consumes.
type issueWebhook struct {
	Action string `json:"action"`
	Issue  struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	} `json:"issue"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

func (s *Server) handleIssueWebhook(w http.ResponseWriter, r *http.Request) {
	var event issueWebhook
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}
	if event.Action != "opened" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "action": event.Action})
		return
	}
	owner, repo, issue := event.Repository.Owner.Login, event.Repository.Name, event.Issue.Number
	if owner == "" || repo == "" || issue <= 0 {
		writeError(w, http.StatusBadRequest, "webhook payload is missing repository or issue identity")
		return
	}

	t := task.New(owner, repo, issue, event.Installation.ID, s.clock.Now())
	if err := s.tasks.Create(r.Context(), t); err != nil {
		// An existing task is fine; the dedup layer decides whether a new
		// plan job may run.
		s.logger.Debug("task already recorded", "task_id", t.ID, "error", err)
	}

	job, err := pipeline.NewPlanJob(pipeline.PlanPayload{
		TaskID:         t.ID,
		InstallationID: event.Installation.ID,
		Owner:          owner,
		Repo:           repo,
		IssueNumber:    issue,
		IssueTitle:     event.Issue.Title,
		IssueBody:      event.Issue.Body,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	accepted := s.dispatcher.Dispatch(r.Context(), job)
	s.recordAudit(r.Context(), audit.Entry{
		EventType:     audit.EventWebhookReceived,
		CorrelationID: t.ID,
		Initiator:     "webhook",
		Target:        fmt.Sprintf("%s/%s#%d", owner, repo, issue),
		Description:   "issue opened",
		Result:        audit.ResultSuccess,
		Data:          map[string]string{"accepted": strconv.FormatBool(accepted)},
	})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":  t.ID,
		"job_id":   job.ID,
		"accepted": accepted,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	issue, err := strconv.Atoi(r.PathValue("issue"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "issue must be a number")
		return
	}
	id := task.ID(r.PathValue("owner"), r.PathValue("repo"), issue)

	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	installation, err := strconv.ParseInt(r.URL.Query().Get("installation_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "installation_id query parameter is required")
		return
	}
	tasks, err := s.tasks.ListByInstallation(r.Context(), installation)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	info, err := s.status.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, jobs.ErrStatusNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.dispatcher.CancelJob(id) {
		writeError(w, http.StatusNotFound, "job is unknown or already finished")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		EventType:     audit.EventType(q.Get("event_type")),
		CorrelationID: q.Get("correlation_id"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		filter.Limit = limit
	}
	for param, dst := range map[string]*time.Time{"since": &filter.Start, "until": &filter.End} {
		if v := q.Get(param); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, param+" must be RFC 3339")
				return
			}
			*dst = ts
		}
	}

	entries, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) recordAudit(ctx context.Context, entry audit.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Store(ctx, entry); err != nil {
		s.logger.Warn("failed to store audit entry", "event_type", entry.EventType, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
