// Package adminhttp exposes the daemon's job handles over HTTP: status
// polling and cancellation for operators and orchestration tooling that
// cannot link against internal/api directly, grounded on the indexer's
// metrics-server pattern and siad's httprouter-based admin API.
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/anash28/linux-agent/internal/job"
	"github.com/anash28/linux-agent/pkg/models"
)

// JobSource is the subset of *api.API the admin surface depends on; kept
// as an interface so tests can substitute a fake without constructing a
// full API/devreg/blockdev stack.
type JobSource interface {
	Job(jobID string) (*job.Job, bool)
	Jobs() []*job.Job
	SubmitBackup(ctx context.Context, jobID string, vectors []models.Vector, isFull bool) (*job.Job, error)
}

// submitRequest is the POST /api/jobs request body.
type submitRequest struct {
	JobID   string          `json:"job_id"`
	Vectors []models.Vector `json:"vectors"`
	IsFull  bool            `json:"is_full"`
}

// Server serves job status and health over HTTP.
type Server struct {
	jobs   JobSource
	logger zerolog.Logger
	http.Handler
}

// New builds the admin HTTP handler. Mount it with the address your
// deployment wants; cmd/agentd binds it alongside the metrics listener.
func New(jobs JobSource, logger zerolog.Logger) *Server {
	s := &Server{jobs: jobs, logger: logger.With().Str("component", "adminhttp").Logger()}

	mux := httprouter.New()
	mux.GET("/healthz", s.healthHandler)
	mux.GET("/api/jobs", s.listJobsHandler)
	mux.POST("/api/jobs", s.submitJobHandler)
	mux.GET("/api/jobs/:id", s.getJobHandler)
	mux.POST("/api/jobs/:id/cancel", s.cancelJobHandler)
	s.Handler = mux

	return s
}

func (s *Server) submitJobHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var body submitRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.JobID == "" {
		http.Error(w, "job_id is required", http.StatusBadRequest)
		return
	}

	j, err := s.jobs.SubmitBackup(req.Context(), body.JobID, body.Vectors, body.IsFull)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusAccepted, toStatus(j))
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listJobsHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	jobs := s.jobs.Jobs()
	statuses := make([]models.JobStatus, 0, len(jobs))
	for _, j := range jobs {
		statuses = append(statuses, toStatus(j))
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) getJobHandler(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	j, ok := s.jobs.Job(p.ByName("id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toStatus(j))
}

func (s *Server) cancelJobHandler(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	j, ok := s.jobs.Job(p.ByName("id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	j.Cancel()
	s.logger.Info().Str("job_id", j.ID()).Msg("adminhttp: job cancel requested")
	writeJSON(w, http.StatusAccepted, toStatus(j))
}

func toStatus(j *job.Job) models.JobStatus {
	return j.Status()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe returns an *http.Server for addr and handler with the
// same 5-second ReadHeaderTimeout cmd/agentd uses. It does not start
// listening; the caller runs and shuts down the returned server.
func ListenAndServe(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
