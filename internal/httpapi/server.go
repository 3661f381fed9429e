// ============================================================================
// taskgate HTTP surface
// ============================================================================
//
// Package: internal/httpapi
// File: server.go
// Purpose: Thin chi adapter over the queue services.
//
// Routes (under the API prefix, default /api/v1):
//   POST   /tasks/{type}   submit; 200 + job when finished within the wait
//                          budget, otherwise 202 + poll handle
//   GET    /tasks/{id}     job view, 404 when unknown
//   DELETE /tasks/{id}     cancel; 200 applied, 409 already terminal
//   GET    /jobs/{id}      alias
//   DELETE /jobs/{id}      alias
//   GET    /health         store and broker reachability, never fails
// Outside the prefix:
//   GET    /metrics        Prometheus exposition
//
// ============================================================================

package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/ChuLiYu/taskgate/internal/health"
	"github.com/ChuLiYu/taskgate/internal/metrics"
	"github.com/ChuLiYu/taskgate/internal/queue"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

const (
	headerTaskClass   = "X-Task-Class"
	headerPriority    = "X-Priority"
	headerIdempotency = "Idempotency-Key"

	maxBodyBytes = 1 << 20
)

// Submitter is the submission service.
type Submitter interface {
	Submit(ctx context.Context, req queue.SubmitRequest) (queue.SubmitResult, error)
}

// Waiter is the fast-path waiter.
type Waiter interface {
	AwaitCompletion(ctx context.Context, id string, budget time.Duration) *types.Job
}

// Controller is the query/cancel service.
type Controller interface {
	Get(ctx context.Context, id string) (*types.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// Options configure the HTTP surface.
type Options struct {
	APIPrefix          string
	DefaultSyncTimeout time.Duration
	MaxSyncTimeout     time.Duration
	PollAfter          int
	CallbackDomains    []string

	MetricsPath string
	Gatherer    prometheus.Gatherer

	HealthChecks  []health.Check
	HealthTimeout time.Duration
}

// Server serves the HTTP API.
type Server struct {
	opts      Options
	submitter Submitter
	waiter    Waiter
	control   Controller
	schema    *jsonschema.Schema
	callbacks callbackAllowList
	logger    *zap.Logger
}

func New(opts Options, sub Submitter, waiter Waiter, ctl Controller, logger *zap.Logger) (*Server, error) {
	schema, err := compileSubmitSchema()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.APIPrefix == "" {
		opts.APIPrefix = "/api/v1"
	}
	if opts.PollAfter <= 0 {
		opts.PollAfter = 2
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 2 * time.Second
	}
	return &Server{
		opts:      opts,
		submitter: sub,
		waiter:    waiter,
		control:   ctl,
		schema:    schema,
		callbacks: newCallbackAllowList(opts.CallbackDomains),
		logger:    logger.Named("http"),
	}, nil
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route(s.opts.APIPrefix, func(r chi.Router) {
		r.Post("/tasks/{type}", s.handleSubmit)
		r.Get("/tasks/{id}", s.handleGet)
		r.Delete("/tasks/{id}", s.handleCancel)
		r.Get("/jobs/{id}", s.handleGet)
		r.Delete("/jobs/{id}", s.handleCancel)
		r.Get("/health", s.handleHealth)
	})

	if s.opts.Gatherer != nil {
		path := s.opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, metrics.Handler(s.opts.Gatherer))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.fail(w, http.StatusNotFound, codeNotFound, "route not found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.fail(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", "")
	})
	return r
}

// acceptedData is the poll handle returned with 202.
type acceptedData struct {
	JobID     string          `json:"jobId"`
	StatusURL string          `json:"statusUrl"`
	PollAfter int             `json:"pollAfter"`
	Status    types.JobStatus `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		s.fail(w, http.StatusBadRequest, codeValidation, "could not read body", "body")
		return
	}
	if len(raw) > maxBodyBytes {
		s.fail(w, http.StatusRequestEntityTooLarge, codeValidation, "body too large", "body")
		return
	}
	body, err := decodeSubmit(s.schema, raw)
	if err != nil {
		s.failWith(w, r, err)
		return
	}
	budget, err := s.syncBudget(body.SyncTimeoutMs)
	if err != nil {
		s.failWith(w, r, err)
		return
	}

	req := queue.SubmitRequest{
		Type:           chi.URLParam(r, "type"),
		TaskClass:      types.TaskClass(strings.ToLower(r.Header.Get(headerTaskClass))),
		Priority:       types.Priority(strings.ToLower(r.Header.Get(headerPriority))),
		IdempotencyKey: r.Header.Get(headerIdempotency),
		PayloadRef:     body.PayloadRef,
		Params:         body.Params,
	}
	if body.BatchID != nil {
		req.BatchID = *body.BatchID
	}
	if body.BatchMaxParallel != nil {
		req.BatchMaxParallel = *body.BatchMaxParallel
	}
	if body.CallbackURL != nil && *body.CallbackURL != "" {
		if err := s.callbacks.check(*body.CallbackURL); err != nil {
			s.failWith(w, r, err)
			return
		}
		req.CallbackURL = *body.CallbackURL
	}

	res, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		s.failWith(w, r, err)
		return
	}

	if res.Job != nil && res.Status.IsTerminal() {
		s.respond(w, http.StatusOK, "OK", dataTypeJob, res.Job)
		return
	}

	class := req.TaskClass
	if class == "" {
		class = types.ClassInteractive
	}
	if class == types.ClassInteractive && budget > 0 {
		if job := s.waiter.AwaitCompletion(r.Context(), res.ID, budget); job != nil {
			s.respond(w, http.StatusOK, "OK", dataTypeJob, job)
			return
		}
	}

	s.respond(w, http.StatusAccepted, "Accepted", dataTypeObject, acceptedData{
		JobID:     res.ID,
		StatusURL: s.opts.APIPrefix + "/tasks/" + res.ID,
		PollAfter: s.opts.PollAfter,
		Status:    res.Status,
	})
}

// syncBudget resolves the wait budget. Absent uses the default; an explicit
// value above the maximum is rejected.
func (s *Server) syncBudget(ms *int64) (time.Duration, error) {
	if ms == nil {
		return s.opts.DefaultSyncTimeout, nil
	}
	budget := time.Duration(*ms) * time.Millisecond
	if limit := s.opts.MaxSyncTimeout; limit > 0 && budget > limit {
		return 0, &queue.ValidationError{
			Field:  "syncTimeoutMs",
			Reason: fmt.Sprintf("must be at most %d", limit.Milliseconds()),
		}
	}
	return budget, nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.control.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.failWith(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, "OK", dataTypeJob, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	applied, err := s.control.Cancel(r.Context(), id)
	if err != nil {
		s.failWith(w, r, err)
		return
	}
	if !applied {
		s.fail(w, http.StatusConflict, codeConflict, "cannot cancel in current state", "")
		return
	}
	s.respond(w, http.StatusOK, "Canceled", dataTypeObject, map[string]any{
		"jobId":  id,
		"status": types.StatusCanceled,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := health.Run(r.Context(), s.opts.HealthTimeout, s.opts.HealthChecks...)
	s.respond(w, http.StatusOK, "health check completed", dataTypeHealth, report)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		}()
		next.ServeHTTP(ww, r)
	})
}
