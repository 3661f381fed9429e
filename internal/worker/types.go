package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/taskgate/pkg/types"
)

// Error codes recorded on failed jobs.
const (
	CodeUnsupportedType = "UNSUPPORTED_TYPE"
	CodeExecution       = "EXECUTION_FAILED"
	CodeTimeout         = "TIMEOUT"
	CodeBadParams       = "BAD_PARAMS"
)

// Task is what an executor sees of a claimed job.
type Task struct {
	ID         string
	Type       string
	PayloadRef string
	Params     map[string]any
	Tries      int
}

// Result is the outcome of one executed task.
type Result struct {
	JobID     string
	ResultRef string
	Error     *types.JobError
	Duration  time.Duration
}

// Success reports whether the task produced a result.
func (r Result) Success() bool { return r.Error == nil }

// Executor performs the work of one job type. A returned *types.JobError is
// recorded as is; any other error is recorded as EXECUTION_FAILED.
type Executor interface {
	Execute(ctx context.Context, task Task) (resultRef string, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, task Task) (string, error) { return f(ctx, task) }

// Echo returns the payload reference as the result reference.
var Echo = ExecutorFunc(func(ctx context.Context, task Task) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return task.PayloadRef, nil
})

// Registry maps job types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// DefaultRegistry registers Echo for "echo" and for every type in taskTypes.
func DefaultRegistry(taskTypes []string) *Registry {
	r := NewRegistry()
	r.Register("echo", Echo)
	for _, t := range taskTypes {
		r.Register(t, Echo)
	}
	return r
}

// Register binds exec to jobType, replacing any previous binding.
func (r *Registry) Register(jobType string, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[jobType] = exec
}

func (r *Registry) Lookup(jobType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[jobType]
	return e, ok
}

// Types lists the registered job types in order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func unsupported(jobType string) *types.JobError {
	return &types.JobError{Code: CodeUnsupportedType, Message: fmt.Sprintf("no executor for type %q", jobType)}
}
