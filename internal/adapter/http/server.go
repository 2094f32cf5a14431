package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cwygoda/oneclick/internal/domain"
)

// Stable error codes returned in error bodies.
const (
	codeNotFound          = "not_found"
	codeInvalidTransition = "invalid_transition"
	codeValidation        = "validation_error"
	codeUnauthorized      = "unauthorized"
	codeInternal          = "internal_error"
)

const healthTimeout = 2 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the server.
type Options struct {
	Addr   string
	Env    string
	Debug  bool
	Secret string // when set, mutating requests must be signed
}

// Server is the HTTP adapter for the job service.
type Server struct {
	svc    *domain.JobService
	store  Pinger
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(svc *domain.JobService, store Pinger, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		store:  store,
		opts:   opts,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()

	var h http.Handler = s.mux
	if opts.Secret != "" {
		h = requireSignature(opts.Secret, logger, h)
	}
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           logRequests(logger, h),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("DELETE /jobs/{id}", s.handleDeleteJob)
	s.mux.HandleFunc("POST /jobs/{id}/queue", s.handleQueueJob)
	s.mux.HandleFunc("POST /jobs/{id}/process", s.handleProcessJob)
	s.mux.HandleFunc("POST /jobs/{id}/complete", s.handleCompleteJob)
	s.mux.HandleFunc("POST /jobs/{id}/fail", s.handleFailJob)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// createJobRequest is the request body for POST /jobs.
type createJobRequest struct {
	Owner          int64                  `json:"owner"`
	InputLocation  string                 `json:"input_location"`
	RenderSettings *domain.RenderSettings `json:"render_settings"`
}

type completeJobRequest struct {
	OutputLocations []string           `json:"output_locations"`
	Transcript      *domain.Transcript `json:"transcript"`
}

type failJobRequest struct {
	Reason string `json:"reason"`
}

// jobResponse is the JSON response for job endpoints.
type jobResponse struct {
	ID              string                `json:"id"`
	Owner           int64                 `json:"owner"`
	InputLocation   string                `json:"input_location"`
	Status          string                `json:"status"`
	Transcript      *domain.Transcript    `json:"transcript,omitempty"`
	RenderSettings  domain.RenderSettings `json:"render_settings"`
	OutputLocations []string              `json:"output_locations"`
	FailureReason   string                `json:"failure_reason,omitempty"`
	CreatedAt       string                `json:"created_at"`
	UpdatedAt       string                `json:"updated_at"`
	Version         int64                 `json:"version"`
}

type listResponse struct {
	Jobs []jobResponse `json:"jobs"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type healthResponse struct {
	Status string `json:"status"`
	Env    string `json:"env"`
	Debug  bool   `json:"debug"`
	Store  string `json:"store"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !s.decode(w, r, createJobSchema, &req) {
		return
	}

	job, err := s.svc.CreateJob(r.Context(), req.Owner, req.InputLocation, req.RenderSettings)
	s.writeJob(w, r, job, err)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ownerStr, statusStr := q.Get("owner"), q.Get("status")
	if ownerStr == "" && statusStr == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "owner or status query parameter is required")
		return
	}

	var status domain.JobStatus
	if statusStr != "" {
		var err error
		if status, err = domain.ParseJobStatus(statusStr); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
	}

	var (
		jobs []*domain.Job
		err  error
	)
	if ownerStr != "" {
		owner, perr := strconv.ParseInt(ownerStr, 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, codeValidation, "invalid owner")
			return
		}
		jobs, err = s.svc.ListByOwner(r.Context(), owner)
	} else {
		jobs, err = s.svc.ListByStatus(r.Context(), status)
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	resp := listResponse{Jobs: make([]jobResponse, 0, len(jobs))}
	for _, j := range jobs {
		if status != "" && j.Status() != status {
			continue
		}
		resp.Jobs = append(resp.Jobs, jobToResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.svc.GetJob(r.Context(), id)
	s.writeJob(w, r, job, err)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteJob(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.svc.QueueJob(r.Context(), id)
	s.writeJob(w, r, job, err)
}

func (s *Server) handleProcessJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.svc.BeginProcessing(r.Context(), id)
	s.writeJob(w, r, job, err)
}

func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req completeJobRequest
	if !s.decode(w, r, completeJobSchema, &req) {
		return
	}
	job, err := s.svc.CompleteJob(r.Context(), id, req.OutputLocations, req.Transcript)
	s.writeJob(w, r, job, err)
}

func (s *Server) handleFailJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req failJobRequest
	if !s.decode(w, r, failJobSchema, &req) {
		return
	}
	job, err := s.svc.FailJob(r.Context(), id, req.Reason)
	s.writeJob(w, r, job, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Env: s.opts.Env, Debug: s.opts.Debug, Store: "ok"}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("health check: store unavailable", "error", err)
		resp.Status, resp.Store = "degraded", "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// writeJob writes job, or the error of the call that produced it.
func (s *Server) writeJob(w http.ResponseWriter, r *http.Request, job *domain.Job, err error) {
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

// decode validates the body against schema and unmarshals it into dst.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "failed to read request body")
		return false
	}
	if err := validateBody(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid JSON")
		return false
	}
	return true
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "job not found")
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, codeInvalidTransition, err.Error())
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid job ID")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Error: msg})
}

func jobToResponse(job *domain.Job) jobResponse {
	outputs := job.OutputLocations()
	if outputs == nil {
		outputs = []string{}
	}
	return jobResponse{
		ID:              job.ID().String(),
		Owner:           job.Owner(),
		InputLocation:   job.InputLocation(),
		Status:          string(job.Status()),
		Transcript:      job.Transcript(),
		RenderSettings:  job.RenderSettings(),
		OutputLocations: outputs,
		FailureReason:   job.FailureReason(),
		CreatedAt:       job.CreatedAt().Format(time.RFC3339Nano),
		UpdatedAt:       job.UpdatedAt().Format(time.RFC3339Nano),
		Version:         job.Version(),
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Port extracts the port from the address.
func (s *Server) Port() int {
	addr := s.server.Addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		port, _ := strconv.Atoi(addr[idx+1:])
		return port
	}
	return 0
}
