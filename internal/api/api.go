// Package api implements the job control and search HTTP surfaces described
// in spec.md §6.4 and §4.9, wiring the Job Manager and one Search Runner per
// configured index database onto a gorilla/mux router — the same routing
// library the teacher's test/api_test.go wires internal/api handlers onto.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/reasv/panoptikon-go/internal/jobs"
	"github.com/reasv/panoptikon-go/internal/pql"
	"github.com/reasv/panoptikon-go/internal/search"
	"github.com/reasv/panoptikon-go/log"
	"github.com/reasv/panoptikon-go/schema"
)

var logger = log.Default().With("api")

// Server serves the job control surface (§6.4) plus a search endpoint
// (§4.9) per index database.
type Server struct {
	jobs    *jobs.Manager
	indexes map[string]*search.Runner
	router  *mux.Router
}

func New(jm *jobs.Manager, indexes map[string]*search.Runner) *Server {
	s := &Server{jobs: jm, indexes: indexes, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/jobs", s.handleEnqueue).Methods(http.MethodPost)
	s.router.HandleFunc("/jobs", s.handleQueueStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/cancel", s.handleCancel).Methods(http.MethodPost)
	s.router.HandleFunc("/jobs/cancel-current", s.handleCancelCurrent).Methods(http.MethodPost)
	s.router.HandleFunc("/search/{index}", s.handleSearch).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	logger.Warnf("request error: %v", err)
	writeJSON(w, status, map[string]any{"status": status, "error": err.Error()})
}

// handleEnqueue is the JSON-mapped enqueue endpoint §6.4 describes:
// "Endpoints exist to enqueue data-extraction, data-deletion,
// folder-rescan, folder-update, and job-data-deletion jobs... wire
// serialization is a straightforward JSON mapping of the JobModel fields."
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var job schema.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode job: %w", err))
		return
	}
	switch job.JobType {
	case schema.JobDataExtraction, schema.JobDataDeletion, schema.JobFolderRescan,
		schema.JobFolderUpdate, schema.JobDataDeletionLog:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown job_type %q", job.JobType))
		return
	}
	id := s.jobs.Enqueue(job)
	writeJSON(w, http.StatusOK, map[string]int64{"queue_id": id})
}

// handleQueueStatus is `GET /jobs`, the snapshot of §4.6's get_queue_status.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.GetQueueStatus())
}

type cancelRequest struct {
	QueueIDs []int64 `json:"queue_ids"`
}

// handleCancel is `POST /jobs/cancel`, §4.6's cancel(queue_ids).
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	cancelled := s.jobs.Cancel(req.QueueIDs)
	writeJSON(w, http.StatusOK, map[string][]int64{"cancelled": cancelled})
}

// handleCancelCurrent is `POST /jobs/cancel-current`, §4.6's cancel_current().
func (s *Server) handleCancelCurrent(w http.ResponseWriter, r *http.Request) {
	cancelled := s.jobs.CancelCurrent()
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// handleSearch is `POST /search/{index}`: the request body is a pql.Query
// document (spec.md §4.2's wire shape), run against the named index's
// Search Runner.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]
	runner, ok := s.indexes[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no such index database %q", name))
		return
	}

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode query: %w", err))
		return
	}
	query, err := pql.ParseQuery(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse query: %w", err))
		return
	}

	result, err := runner.Run(query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
