package memstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/taskgate/internal/store"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newJob(id string) *types.Job {
	return &types.Job{
		ID:         id,
		Type:       "ocr",
		Status:     types.StatusQueued,
		Priority:   types.PriorityHigh,
		TaskClass:  types.ClassInteractive,
		PayloadRef: "r2://bucket/" + id,
	}
}

func keyed(id, key string) *types.Job {
	j := newJob(id)
	j.IdempotencyKey = key
	j.PayloadRef = "r2://bucket/shared"
	return j
}

var open = []types.JobStatus{types.StatusQueued, types.StatusRunning}

// ============================================================================
// Insert / Find
// ============================================================================

func TestInsertAndFind(t *testing.T) {
	ctx := context.Background()
	s := New()

	job := newJob("a")
	require.NoError(t, s.Insert(ctx, job))
	assert.False(t, job.CreatedAt.IsZero())
	assert.Equal(t, job.CreatedAt, job.UpdatedAt)

	got, err := s.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.Equal(t, "r2://bucket/a", got.PayloadRef)

	// returned jobs are copies
	got.Status = types.StatusFailed
	again, _ := s.FindByID(ctx, "a")
	assert.Equal(t, types.StatusQueued, again.Status)

	_, err = s.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInsertConflicts(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		first  *types.Job
		second *types.Job
		want   error
	}{
		{
			name:   "same id",
			first:  newJob("a"),
			second: newJob("a"),
			want:   store.ErrConflict,
		},
		{
			name:   "same idempotency tuple",
			first:  keyed("a", "k1"),
			second: keyed("b", "k1"),
			want:   store.ErrDuplicateKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			require.NoError(t, s.Insert(ctx, tt.first))
			err := s.Insert(ctx, tt.second)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestIdempotencyTupleIsExact(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Insert(ctx, keyed("a", "k1")))

	// different payloadRef, same key
	other := keyed("b", "k1")
	other.PayloadRef = "r2://bucket/other"
	require.NoError(t, s.Insert(ctx, other))

	// different type, same key and payload
	typed := keyed("c", "k1")
	typed.Type = "ai"
	require.NoError(t, s.Insert(ctx, typed))

	got, err := s.FindByIdempotency(ctx, "ocr", "k1", "r2://bucket/shared")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)

	_, err = s.FindByIdempotency(ctx, "ocr", "", "r2://bucket/shared")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// jobs without a key never collide
	require.NoError(t, s.Insert(ctx, newJob("d")))
	e := newJob("e")
	e.PayloadRef = "r2://bucket/d"
	require.NoError(t, s.Insert(ctx, e))
}

// ============================================================================
// CompareAndTransition
// ============================================================================

func TestCompareAndTransition(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Insert(ctx, newJob("a")))
	before, _ := s.FindByID(ctx, "a")

	time.Sleep(2 * time.Millisecond)
	ok, err := s.CompareAndTransition(ctx, "a", []types.JobStatus{types.StatusQueued}, types.StatusRunning, store.Fields{IncrementTries: true})
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := s.FindByID(ctx, "a")
	assert.Equal(t, types.StatusRunning, got.Status)
	assert.Equal(t, 1, got.Tries)
	assert.True(t, got.UpdatedAt.After(before.UpdatedAt))

	// wrong from-set
	ok, err = s.CompareAndTransition(ctx, "a", []types.JobStatus{types.StatusQueued}, types.StatusRunning, store.Fields{})
	require.NoError(t, err)
	assert.False(t, ok)

	ref := "r2://bucket/result"
	ok, err = s.CompareAndTransition(ctx, "a", []types.JobStatus{types.StatusRunning}, types.StatusSucceeded, store.Fields{ResultRef: &ref})
	require.NoError(t, err)
	assert.True(t, ok)

	// terminal never moves
	ok, err = s.CompareAndTransition(ctx, "a", open, types.StatusCanceled, store.Fields{})
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ = s.FindByID(ctx, "a")
	assert.Equal(t, types.StatusSucceeded, got.Status)
	assert.Equal(t, ref, got.ResultRef)

	_, err = s.CompareAndTransition(ctx, "missing", open, types.StatusCanceled, store.Fields{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompareAndTransitionRace(t *testing.T) {
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		s := New()
		require.NoError(t, s.Insert(ctx, newJob("a")))
		_, err := s.CompareAndTransition(ctx, "a", []types.JobStatus{types.StatusQueued}, types.StatusRunning, store.Fields{})
		require.NoError(t, err)

		var (
			wg      sync.WaitGroup
			applied atomic.Int32
		)
		ref := "r2://bucket/out"
		transitions := []func() (bool, error){
			func() (bool, error) {
				return s.CompareAndTransition(ctx, "a", open, types.StatusCanceled, store.Fields{})
			},
			func() (bool, error) {
				return s.CompareAndTransition(ctx, "a", []types.JobStatus{types.StatusRunning}, types.StatusSucceeded, store.Fields{ResultRef: &ref})
			},
		}
		for _, fn := range transitions {
			wg.Add(1)
			go func(fn func() (bool, error)) {
				defer wg.Done()
				ok, err := fn()
				assert.NoError(t, err)
				if ok {
					applied.Add(1)
				}
			}(fn)
		}
		wg.Wait()

		assert.Equal(t, int32(1), applied.Load(), "exactly one terminal transition applies")
		got, _ := s.FindByID(ctx, "a")
		assert.True(t, got.Status.IsTerminal())
	}
}

// A cancel racing the worker's claim always leaves one consistent outcome:
// either the claim lost (never ran) or it won and the job was then canceled
// while running. In both cases nothing moves the job afterwards.
func TestCancelRacesClaim(t *testing.T) {
	ctx := context.Background()
	queued := []types.JobStatus{types.StatusQueued}
	running := []types.JobStatus{types.StatusRunning}

	claimWins := 0
	for round := 0; round < 100; round++ {
		s := New()
		require.NoError(t, s.Insert(ctx, newJob("a")))

		var (
			wg                  sync.WaitGroup
			claimed, canceled   bool
			claimErr, cancelErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			claimed, claimErr = s.CompareAndTransition(ctx, "a", queued, types.StatusRunning, store.Fields{IncrementTries: true})
		}()
		go func() {
			defer wg.Done()
			canceled, cancelErr = s.CompareAndTransition(ctx, "a", open, types.StatusCanceled, store.Fields{})
		}()
		wg.Wait()
		require.NoError(t, claimErr)
		require.NoError(t, cancelErr)

		assert.True(t, canceled, "a queued or running job is always cancelable")
		got, err := s.FindByID(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, types.StatusCanceled, got.Status)
		if claimed {
			claimWins++
			assert.Equal(t, 1, got.Tries)
		} else {
			assert.Equal(t, 0, got.Tries)
		}

		ok, err := s.CompareAndTransition(ctx, "a", running, types.StatusSucceeded, store.Fields{})
		require.NoError(t, err)
		assert.False(t, ok, "finish after cancel must not apply")
		ok, err = s.CompareAndTransition(ctx, "a", queued, types.StatusRunning, store.Fields{})
		require.NoError(t, err)
		assert.False(t, ok, "late claim must not apply")
	}
	t.Logf("claim won %d of 100 rounds", claimWins)
}

// ============================================================================
// ListStale
// ============================================================================

func TestListStale(t *testing.T) {
	ctx := context.Background()
	s := New()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	s.now = func() time.Time { return tick }

	for i, id := range []string{"c", "a", "b"} {
		tick = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Insert(ctx, newJob(id)))
	}
	tick = base.Add(3 * time.Minute)
	require.NoError(t, s.Insert(ctx, newJob("fresh")))
	_, err := s.CompareAndTransition(ctx, "a", []types.JobStatus{types.StatusQueued}, types.StatusRunning, store.Fields{})
	require.NoError(t, err)

	stale, err := s.ListStale(ctx, types.StatusQueued, base.Add(150*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "c", stale[0].ID)
	assert.Equal(t, "b", stale[1].ID)

	limited, err := s.ListStale(ctx, types.StatusQueued, base.Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].ID)
}

// ============================================================================
// Watch
// ============================================================================

func TestWatchSignalsMutations(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Insert(ctx, newJob("a")))

	ch, cancel := s.Watch("a")
	defer cancel()

	_, err := s.CompareAndTransition(ctx, "a", []types.JobStatus{types.StatusQueued}, types.StatusRunning, store.Fields{})
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification after transition")
	}

	cancel()
	s.wmu.Lock()
	_, still := s.watchers["a"]
	s.wmu.Unlock()
	assert.False(t, still)
}

// ============================================================================
// Durability
// ============================================================================

func TestOpenReplaysWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir, Options{SyncOnAppend: true})
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, keyed("a", "k1")))
	require.NoError(t, s.Insert(ctx, newJob("b")))
	_, err = s.CompareAndTransition(ctx, "b", open, types.StatusCanceled, store.Fields{})
	require.NoError(t, err)
	// simulate a crash: close the log without compacting
	require.NoError(t, s.wal.Close())

	reopened, err := Open(dir, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	b, err := reopened.FindByID(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCanceled, b.Status)

	a, err := reopened.FindByIdempotency(ctx, "ocr", "k1", "r2://bucket/shared")
	require.NoError(t, err)
	assert.Equal(t, "a", a.ID)

	assert.Equal(t, uint64(3), reopened.wal.LastSeq())
}

func TestCompactThenReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, newJob("a")))
	require.NoError(t, s.Compact())

	info, err := os.Stat(filepath.Join(dir, walFileName))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	// a record written after the snapshot must survive as well
	_, err = s.CompareAndTransition(ctx, "a", open, types.StatusRunning, store.Fields{})
	require.NoError(t, err)
	require.NoError(t, s.wal.Close())

	reopened, err := Open(dir, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
	assert.Equal(t, map[types.JobStatus]int{types.StatusRunning: 1}, reopened.Stats())
}

func TestOpenToleratesTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, newJob("a")))
	require.NoError(t, s.wal.Close())

	f, err := os.OpenFile(filepath.Join(dir, walFileName), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"INSE`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, reopened.Insert(ctx, newJob("b")))
	require.NoError(t, reopened.wal.Close())

	// the new record replaced the torn one
	again, err := Open(dir, Options{})
	require.NoError(t, err)
	defer again.Close()
	_, err = again.FindByID(ctx, "b")
	assert.NoError(t, err)
}

func TestWriteFailureLeavesMemoryUntouched(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, newJob("a")))
	require.NoError(t, s.wal.Close())

	err = s.Insert(ctx, newJob("b"))
	assert.True(t, errors.Is(err, store.ErrUnavailable))
	_, err = s.FindByID(ctx, "b")
	assert.ErrorIs(t, err, store.ErrNotFound)

	ok, err := s.CompareAndTransition(ctx, "a", open, types.StatusCanceled, store.Fields{})
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.False(t, ok)
	got, _ := s.FindByID(ctx, "a")
	assert.Equal(t, types.StatusQueued, got.Status)

	assert.ErrorIs(t, s.Ping(ctx), store.ErrUnavailable)
}
