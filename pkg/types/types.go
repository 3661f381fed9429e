// Package types defines the domain model shared by the taskgate queue, its
// stores, its lanes and the reference worker.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"    // stored and published, waiting for a worker
	StatusRunning   JobStatus = "running"   // claimed by a worker
	StatusSucceeded JobStatus = "succeeded" // terminal: resultRef is set
	StatusFailed    JobStatus = "failed"    // terminal: error is set
	StatusCanceled  JobStatus = "canceled"  // terminal: canceled by a caller
)

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Priority selects the lane a job is published on.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Lanes returns every lane in the order workers should service them.
func Lanes() []Priority {
	return []Priority{PriorityHigh, PriorityNormal, PriorityLow}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// TaskClass describes the workload a caller submits. It picks the default
// priority and decides whether a fast-path wait is attempted.
type TaskClass string

const (
	ClassInteractive TaskClass = "interactive"
	ClassBulk        TaskClass = "bulk"
	ClassOffline     TaskClass = "offline"
)

// Valid reports whether c is a known task class.
func (c TaskClass) Valid() bool {
	switch c {
	case ClassInteractive, ClassBulk, ClassOffline:
		return true
	}
	return false
}

// DefaultPriority is the lane used when the caller gives no explicit priority.
func (c TaskClass) DefaultPriority() Priority {
	if c == ClassInteractive {
		return PriorityHigh
	}
	return PriorityLow
}

// ResolvePriority returns explicit when set, otherwise the class default.
func ResolvePriority(class TaskClass, explicit Priority) Priority {
	if explicit != "" {
		return explicit
	}
	return class.DefaultPriority()
}

// DefaultBatchMaxParallel applies when a caller groups jobs without a limit.
const DefaultBatchMaxParallel = 2

// JobError is the failure a worker records on a failed job. Executor errors
// such as upstream rate limits are carried here and never surface as queue
// errors.
type JobError struct {
	Code      string `json:"code" bson:"code"`
	Message   string `json:"message" bson:"message"`
	Retryable bool   `json:"retryable,omitempty" bson:"retryable,omitempty"`
}

func (e *JobError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Job is the persisted unit of work.
type Job struct {
	ID        string    `json:"id" bson:"id"`
	Type      string    `json:"type" bson:"type"`
	Status    JobStatus `json:"status" bson:"status"`
	Priority  Priority  `json:"priority" bson:"priority"`
	TaskClass TaskClass `json:"taskClass" bson:"task_class"`
	Tries     int       `json:"tries" bson:"tries"`

	PayloadRef string         `json:"payloadRef" bson:"payload_ref"`
	Params     map[string]any `json:"params,omitempty" bson:"params,omitempty"`

	ResultRef string    `json:"resultRef,omitempty" bson:"result_ref,omitempty"`
	Error     *JobError `json:"error,omitempty" bson:"error,omitempty"`

	IdempotencyKey   string `json:"idempotencyKey,omitempty" bson:"idempotency_key,omitempty"`
	BatchID          string `json:"batchId,omitempty" bson:"batch_id,omitempty"`
	BatchMaxParallel int    `json:"batchMaxParallel,omitempty" bson:"batch_max_parallel,omitempty"`
	CallbackURL      string `json:"callbackUrl,omitempty" bson:"callback_url,omitempty"`

	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
}

// Clone returns a copy that shares nothing mutable with j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Params != nil {
		c.Params = make(map[string]any, len(j.Params))
		for k, v := range j.Params {
			c.Params[k] = v
		}
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// DispatchMessage is what a lane carries. It holds enough of the job for a
// worker to act without reading the store first.
type DispatchMessage struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	TaskClass        TaskClass `json:"task_class"`
	Priority         Priority  `json:"priority"`
	PayloadRef       string    `json:"payload_ref"`
	Params           string    `json:"params"`
	BatchID          string    `json:"batch_id"`
	BatchMaxParallel int       `json:"batch_max_parallel"`
	CallbackURL      string    `json:"callback_url"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewDispatchMessage builds the lane message for j.
func NewDispatchMessage(j *Job) (DispatchMessage, error) {
	params := "{}"
	if len(j.Params) > 0 {
		b, err := json.Marshal(j.Params)
		if err != nil {
			return DispatchMessage{}, fmt.Errorf("marshal params: %w", err)
		}
		params = string(b)
	}
	maxParallel := j.BatchMaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultBatchMaxParallel
	}
	return DispatchMessage{
		ID:               j.ID,
		Type:             j.Type,
		TaskClass:        j.TaskClass,
		Priority:         j.Priority,
		PayloadRef:       j.PayloadRef,
		Params:           params,
		BatchID:          j.BatchID,
		BatchMaxParallel: maxParallel,
		CallbackURL:      j.CallbackURL,
		CreatedAt:        j.CreatedAt,
	}, nil
}

// ToValues flattens m into string fields, the shape of a Redis stream entry.
func (m DispatchMessage) ToValues() map[string]any {
	return map[string]any{
		"id":                 m.ID,
		"type":               m.Type,
		"task_class":         string(m.TaskClass),
		"priority":           string(m.Priority),
		"payload_ref":        m.PayloadRef,
		"params":             m.Params,
		"batch_id":           m.BatchID,
		"batch_max_parallel": strconv.Itoa(m.BatchMaxParallel),
		"callback_url":       m.CallbackURL,
		"created_at":         m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// DispatchFromValues is the inverse of ToValues.
func DispatchFromValues(values map[string]any) (DispatchMessage, error) {
	get := func(k string) string {
		if v, ok := values[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprint(v)
		}
		return ""
	}

	m := DispatchMessage{
		ID:          get("id"),
		Type:        get("type"),
		TaskClass:   TaskClass(get("task_class")),
		Priority:    Priority(get("priority")),
		PayloadRef:  get("payload_ref"),
		Params:      get("params"),
		BatchID:     get("batch_id"),
		CallbackURL: get("callback_url"),
	}
	if m.ID == "" {
		return DispatchMessage{}, fmt.Errorf("dispatch message without id")
	}
	if s := get("batch_max_parallel"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return DispatchMessage{}, fmt.Errorf("batch_max_parallel %q: %w", s, err)
		}
		m.BatchMaxParallel = n
	}
	if s := get("created_at"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return DispatchMessage{}, fmt.Errorf("created_at %q: %w", s, err)
		}
		m.CreatedAt = t
	}
	return m, nil
}

// DecodeParams parses the serialized params of m.
func (m DispatchMessage) DecodeParams() (map[string]any, error) {
	if m.Params == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(m.Params), &out); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// SnapshotData is the on-disk image of a file-backed job store.
type SnapshotData struct {
	Jobs      map[string]*Job `json:"jobs"`
	SchemaVer int             `json:"schema_ver"`
	LastSeq   uint64          `json:"last_seq"`
}
