package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePriority(t *testing.T) {
	tests := []struct {
		name     string
		class    TaskClass
		explicit Priority
		want     Priority
	}{
		{"interactive defaults to high", ClassInteractive, "", PriorityHigh},
		{"bulk defaults to low", ClassBulk, "", PriorityLow},
		{"offline defaults to low", ClassOffline, "", PriorityLow},
		{"explicit wins over class", ClassInteractive, PriorityLow, PriorityLow},
		{"explicit normal on bulk", ClassBulk, PriorityNormal, PriorityNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolvePriority(tt.class, tt.explicit))
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusSucceeded.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCanceled.IsTerminal())
	assert.False(t, JobStatus("leased").Valid())
}

func TestLanesOrder(t *testing.T) {
	assert.Equal(t, []Priority{PriorityHigh, PriorityNormal, PriorityLow}, Lanes())
}

func TestDispatchMessage_Values(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 123, time.UTC)
	job := &Job{
		ID:          "job-1",
		Type:        "ocr",
		TaskClass:   ClassInteractive,
		Priority:    PriorityHigh,
		PayloadRef:  "inline://x",
		Params:      map[string]any{"lang": "en"},
		BatchID:     "b-1",
		CallbackURL: "https://hooks.example.com/done",
		CreatedAt:   created,
	}

	msg, err := NewDispatchMessage(job)
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchMaxParallel, msg.BatchMaxParallel, "missing batch limit falls back to the default")
	assert.JSONEq(t, `{"lang":"en"}`, msg.Params)

	values := msg.ToValues()
	for k, v := range values {
		_, isString := v.(string)
		assert.True(t, isString, "field %s should be a string", k)
	}

	back, err := DispatchFromValues(values)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, back.ID)
	assert.Equal(t, msg.Priority, back.Priority)
	assert.Equal(t, msg.BatchMaxParallel, back.BatchMaxParallel)
	assert.True(t, created.Equal(back.CreatedAt))

	params, err := back.DecodeParams()
	require.NoError(t, err)
	assert.Equal(t, "en", params["lang"])
}

func TestDispatchFromValues_Invalid(t *testing.T) {
	_, err := DispatchFromValues(map[string]any{"type": "ocr"})
	assert.Error(t, err, "a message without id is rejected")

	_, err = DispatchFromValues(map[string]any{"id": "x", "batch_max_parallel": "many"})
	assert.Error(t, err)
}

func TestJobClone(t *testing.T) {
	j := &Job{ID: "a", Params: map[string]any{"k": "v"}, Error: &JobError{Code: "x"}}
	c := j.Clone()
	c.Params["k"] = "changed"
	c.Error.Code = "y"

	assert.Equal(t, "v", j.Params["k"])
	assert.Equal(t, "x", j.Error.Code)
	assert.Nil(t, (*Job)(nil).Clone())
}
