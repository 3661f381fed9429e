// ============================================================================
// taskgate Job Store - contract
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: The single source of truth for job state.
//
// Every implementation (memstore, pgstore, mongostore) honours the same rules:
//   - Insert never overwrites: a duplicate id is ErrConflict, a duplicate
//     idempotency tuple (type, key, payloadRef) is ErrDuplicateKey.
//   - CompareAndTransition is the only status mutation. It is atomic per job,
//     applies only when the current status is in the from-set, and never
//     moves a job out of a terminal status.
//   - Every mutation refreshes UpdatedAt.
//   - Write-path driver failures are wrapped with ErrUnavailable; a write is
//     never reported as successful unless it committed.
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/taskgate/pkg/types"
)

var (
	// ErrNotFound is returned for an unknown job id or idempotency tuple.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when an insert collides with an existing job.
	ErrConflict = errors.New("job already exists")
	// ErrDuplicateKey is returned when the idempotency tuple already exists.
	ErrDuplicateKey = &duplicateKeyError{}
	// ErrUnavailable marks infrastructure failures the caller may retry.
	ErrUnavailable = errors.New("job store unavailable")
)

type duplicateKeyError struct{}

func (*duplicateKeyError) Error() string { return "idempotency key already used" }

// Is lets errors.Is(ErrDuplicateKey, ErrConflict) hold.
func (*duplicateKeyError) Is(target error) bool { return target == ErrConflict }

// Fields are the columns a transition may set besides status.
type Fields struct {
	ResultRef      *string
	Error          *types.JobError
	IncrementTries bool
}

// Store persists jobs.
type Store interface {
	Insert(ctx context.Context, job *types.Job) error
	FindByID(ctx context.Context, id string) (*types.Job, error)
	FindByIdempotency(ctx context.Context, jobType, key, payloadRef string) (*types.Job, error)
	CompareAndTransition(ctx context.Context, id string, from []types.JobStatus, to types.JobStatus, fields Fields) (bool, error)
	ListStale(ctx context.Context, status types.JobStatus, olderThan time.Time, limit int) ([]*types.Job, error)
	Ping(ctx context.Context) error
	Close() error
}

// Watcher is implemented by stores that can signal changes to one job.
// The channel receives a value after every mutation of id; cancel releases it.
type Watcher interface {
	Watch(id string) (ch <-chan struct{}, cancel func())
}

// Compactor is implemented by stores that keep a log which can be folded into
// a snapshot.
type Compactor interface {
	Compact() error
}

// CanTransition applies the shared guard: current must be in from and must
// not be terminal.
func CanTransition(current types.JobStatus, from []types.JobStatus) bool {
	if current.IsTerminal() {
		return false
	}
	for _, s := range from {
		if s == current {
			return true
		}
	}
	return false
}

// Apply writes to and fields onto job. It is used by stores that mutate an
// in-memory copy.
func Apply(job *types.Job, to types.JobStatus, fields Fields, now time.Time) {
	job.Status = to
	if fields.ResultRef != nil {
		job.ResultRef = *fields.ResultRef
	}
	if fields.Error != nil {
		e := *fields.Error
		job.Error = &e
	}
	if fields.IncrementTries {
		job.Tries++
	}
	job.UpdatedAt = now
}
