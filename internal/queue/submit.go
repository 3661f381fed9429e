// ============================================================================
// taskgate Submission Service
// ============================================================================
//
// Package: internal/queue
// File: submit.go
// Purpose: Turn a task description into a stored, published job.
//
// Submit flow:
//   validate ──► idempotency lookup ──hit──► return existing (no write, no publish)
//                      │
//                     miss
//                      ▼
//   resolve lane ──► Insert(queued) ──► Publish(lane) ──► (id, queued, lane)
//
// Ordering:
//   The store insert has committed before Publish is called, so a worker that
//   receives the message always finds the record.
//
// Failure handling:
//   - Validation errors are returned before any store access.
//   - A concurrent submission of the same idempotency tuple loses the insert
//     with ErrDuplicateKey; the loser re-reads and returns the winner.
//   - A publish failure is returned as ErrUnavailable. The job stays queued
//     and the reconciler re-publishes it once it is stale.
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/taskgate/internal/broker"
	"github.com/ChuLiYu/taskgate/internal/metrics"
	"github.com/ChuLiYu/taskgate/internal/store"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

const (
	minBatchMaxParallel = 1
	maxBatchMaxParallel = 8
	maxIDAttempts       = 3
)

// SubmitRequest describes one task.
type SubmitRequest struct {
	Type           string
	TaskClass      types.TaskClass
	Priority       types.Priority
	IdempotencyKey string

	PayloadRef       string
	Params           map[string]any
	BatchID          string
	BatchMaxParallel int
	CallbackURL      string
}

// SubmitResult is the handle returned to the caller.
type SubmitResult struct {
	ID           string
	Status       types.JobStatus
	Lane         types.Priority
	Deduplicated bool
	Job          *types.Job
}

// Submitter validates, stores and publishes jobs.
type Submitter struct {
	store     store.Store
	publisher broker.Publisher
	taskTypes map[string]struct{}
	metrics   *metrics.Collector
	logger    *zap.Logger
	newID     func() string
}

// NewSubmitter returns a submitter accepting taskTypes; an empty registry
// accepts any non-empty type.
func NewSubmitter(st store.Store, pub broker.Publisher, taskTypes []string, m *metrics.Collector, logger *zap.Logger) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := make(map[string]struct{}, len(taskTypes))
	for _, t := range taskTypes {
		registry[t] = struct{}{}
	}
	return &Submitter{
		store:     st,
		publisher: pub,
		taskTypes: registry,
		metrics:   m,
		logger:    logger.Named("submitter"),
		newID:     uuid.NewString,
	}
}

// Validate checks req and fills in defaults (task class). It never touches
// the store.
func (s *Submitter) Validate(req *SubmitRequest) error {
	if req.Type == "" {
		return invalid("type", "must not be empty")
	}
	if len(s.taskTypes) > 0 {
		if _, ok := s.taskTypes[req.Type]; !ok {
			return invalid("type", "unsupported task type %q", req.Type)
		}
	}
	if req.TaskClass == "" {
		req.TaskClass = types.ClassInteractive
	}
	if !req.TaskClass.Valid() {
		return invalid("taskClass", "unknown task class %q", req.TaskClass)
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return invalid("priority", "unknown priority %q", req.Priority)
	}
	if req.PayloadRef == "" {
		return invalid("payloadRef", "must not be empty")
	}
	if req.BatchMaxParallel != 0 &&
		(req.BatchMaxParallel < minBatchMaxParallel || req.BatchMaxParallel > maxBatchMaxParallel) {
		return invalid("batchMaxParallel", "must be between %d and %d", minBatchMaxParallel, maxBatchMaxParallel)
	}
	return nil
}

// Submit runs the submission flow described at the top of this file.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if err := s.Validate(&req); err != nil {
		return SubmitResult{}, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.FindByIdempotency(ctx, req.Type, req.IdempotencyKey, req.PayloadRef)
		switch {
		case err == nil:
			return s.deduplicated(existing), nil
		case !errors.Is(err, store.ErrNotFound):
			return SubmitResult{}, unavailable("idempotency lookup", err)
		}
	}

	lane := types.ResolvePriority(req.TaskClass, req.Priority)
	maxParallel := req.BatchMaxParallel
	if maxParallel == 0 {
		maxParallel = types.DefaultBatchMaxParallel
	}
	job := &types.Job{
		Type:             req.Type,
		Status:           types.StatusQueued,
		Priority:         lane,
		TaskClass:        req.TaskClass,
		Tries:            0,
		PayloadRef:       req.PayloadRef,
		Params:           req.Params,
		IdempotencyKey:   req.IdempotencyKey,
		BatchID:          req.BatchID,
		BatchMaxParallel: maxParallel,
		CallbackURL:      req.CallbackURL,
	}

	if err := s.insert(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			winner, ferr := s.store.FindByIdempotency(ctx, req.Type, req.IdempotencyKey, req.PayloadRef)
			if ferr != nil {
				return SubmitResult{}, unavailable("re-read after duplicate key", ferr)
			}
			return s.deduplicated(winner), nil
		}
		return SubmitResult{}, unavailable("insert", err)
	}

	msg, err := types.NewDispatchMessage(job)
	if err != nil {
		return SubmitResult{}, unavailable("build dispatch message", err)
	}
	if err := s.publisher.Publish(ctx, lane, msg); err != nil {
		s.metrics.RecordPublishFailure(string(lane))
		s.logger.Error("publish failed, job left for reconciliation",
			zap.String("job_id", job.ID), zap.String("lane", string(lane)), zap.Error(err))
		return SubmitResult{}, unavailable("publish", err)
	}

	s.metrics.RecordSubmitted(job.Type, string(lane))
	s.logger.Debug("job submitted",
		zap.String("job_id", job.ID), zap.String("type", job.Type), zap.String("lane", string(lane)))

	return SubmitResult{ID: job.ID, Status: types.StatusQueued, Lane: lane, Job: job}, nil
}

// insert stores job under a fresh id, retrying on an id collision.
func (s *Submitter) insert(ctx context.Context, job *types.Job) error {
	var err error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		job.ID = s.newID()
		err = s.store.Insert(ctx, job)
		if err == nil || errors.Is(err, store.ErrDuplicateKey) || !errors.Is(err, store.ErrConflict) {
			return err
		}
		s.logger.Warn("job id collision, regenerating", zap.String("job_id", job.ID))
	}
	return err
}

func (s *Submitter) deduplicated(job *types.Job) SubmitResult {
	s.metrics.RecordDeduplicated(job.Type)
	return SubmitResult{
		ID:           job.ID,
		Status:       job.Status,
		Lane:         job.Priority,
		Deduplicated: true,
		Job:          job,
	}
}

func unavailable(op string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
