// ============================================================================
// taskgate memstore - in-process job store
// ============================================================================
//
// Package: internal/store/memstore
// File: memstore.go
// Purpose: Job Store kept in memory, optionally made durable by a WAL and
//          periodic snapshots.
//
// Data layout:
//   jobs map[id]*Job            - single source of truth
//   idem map[idemKey]id         - unique index on (type, key, payloadRef)
//   watchers map[id][]chan      - change notification for the fast path
//
// Durability (Open only):
//   Every mutation is built on a copy, appended to the WAL, and only then
//   swapped into the map. A failed append leaves memory untouched and is
//   reported as store.ErrUnavailable.
//
//   Startup: load snapshot -> replay WAL records with seq > snapshot.LastSeq.
//   Compact: write snapshot of the map -> truncate WAL. Both run under the
//   write lock so no record can fall between the two.
//
// Concurrency:
//   sync.RWMutex guards jobs and idem. CompareAndTransition holds the write
//   lock for check and apply, so of two racing transitions on one job only
//   the first can apply.
//
// ============================================================================

package memstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/taskgate/internal/store"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

const (
	walFileName      = "jobs.wal"
	snapshotFileName = "jobs.snapshot.json"
)

type idemKey struct {
	jobType    string
	key        string
	payloadRef string
}

func keyOf(j *types.Job) (idemKey, bool) {
	if j.IdempotencyKey == "" {
		return idemKey{}, false
	}
	return idemKey{jobType: j.Type, key: j.IdempotencyKey, payloadRef: j.PayloadRef}, true
}

// Options configure a durable store.
type Options struct {
	// SyncOnAppend fsyncs the WAL after every record.
	SyncOnAppend bool
}

// Store is the in-memory job store.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*types.Job
	idem map[idemKey]string

	wmu      sync.Mutex
	watchers map[string]map[int]chan struct{}
	nextSub  int

	wal  *WAL
	snap *SnapshotManager

	now func() time.Time
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.Watcher   = (*Store)(nil)
	_ store.Compactor = (*Store)(nil)
)

// New returns a volatile store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*types.Job),
		idem:     make(map[idemKey]string),
		watchers: make(map[string]map[int]chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Open returns a store persisted under dir, recovering any previous state.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memstore: create dir: %w", err)
	}

	s := New()
	s.snap = NewSnapshotManager(filepath.Join(dir, snapshotFileName))

	data, err := s.snap.Load()
	if err != nil {
		return nil, fmt.Errorf("memstore: load snapshot: %w", err)
	}
	for id, job := range data.Jobs {
		s.put(id, job)
	}

	wal, err := OpenWAL(filepath.Join(dir, walFileName), opts.SyncOnAppend)
	if err != nil {
		return nil, fmt.Errorf("memstore: open wal: %w", err)
	}
	err = wal.Replay(func(e Event, job *types.Job) error {
		if e.Seq <= data.LastSeq {
			return nil
		}
		s.put(job.ID, job)
		return nil
	})
	if err != nil {
		wal.Close()
		return nil, fmt.Errorf("memstore: replay wal: %w", err)
	}
	wal.SetSeq(data.LastSeq)
	s.wal = wal

	return s, nil
}

// put installs a recovered record, keeping the idempotency index in sync.
func (s *Store) put(id string, job *types.Job) {
	s.jobs[id] = job
	if k, ok := keyOf(job); ok {
		s.idem[k] = id
	}
}

// Insert adds a new job.
func (s *Store) Insert(ctx context.Context, job *types.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("memstore: insert %s: %w", job.ID, store.ErrConflict)
	}
	k, hasKey := keyOf(job)
	if hasKey {
		if _, exists := s.idem[k]; exists {
			return fmt.Errorf("memstore: insert %s: %w", job.ID, store.ErrDuplicateKey)
		}
	}

	record := job.Clone()
	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	if err := s.append(EventInsert, record); err != nil {
		return err
	}

	s.jobs[record.ID] = record
	if hasKey {
		s.idem[k] = record.ID
	}
	job.CreatedAt, job.UpdatedAt = record.CreatedAt, record.UpdatedAt

	s.notify(record.ID)
	return nil
}

// FindByID returns a copy of the job.
func (s *Store) FindByID(ctx context.Context, id string) (*types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return job.Clone(), nil
}

// FindByIdempotency looks a job up by its natural key.
func (s *Store) FindByIdempotency(ctx context.Context, jobType, key, payloadRef string) (*types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, store.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idem[idemKey{jobType: jobType, key: key, payloadRef: payloadRef}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.jobs[id].Clone(), nil
}

// CompareAndTransition moves the job to `to` when its status is in from.
func (s *Store) CompareAndTransition(ctx context.Context, id string, from []types.JobStatus, to types.JobStatus, fields store.Fields) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !store.CanTransition(current.Status, from) {
		return false, nil
	}

	next := current.Clone()
	store.Apply(next, to, fields, s.now())

	if err := s.append(EventTransition, next); err != nil {
		return false, err
	}
	s.jobs[id] = next

	s.notify(id)
	return true, nil
}

// ListStale returns jobs in status not updated since olderThan, oldest first.
func (s *Store) ListStale(ctx context.Context, status types.JobStatus, olderThan time.Time, limit int) ([]*types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []*types.Job
	for _, job := range s.jobs {
		if job.Status == status && job.UpdatedAt.Before(olderThan) {
			out = append(out, job.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds unless the WAL has been closed.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.wal != nil && s.wal.Closed() {
		return fmt.Errorf("memstore: %w: %v", store.ErrUnavailable, ErrWALClosed)
	}
	return nil
}

// Stats counts jobs per status.
func (s *Store) Stats() map[types.JobStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[types.JobStatus]int)
	for _, job := range s.jobs {
		stats[job.Status]++
	}
	return stats
}

// Compact folds the WAL into a snapshot. It is a no-op for volatile stores.
func (s *Store) Compact() error {
	if s.wal == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make(map[string]*types.Job, len(s.jobs))
	for id, job := range s.jobs {
		jobs[id] = job.Clone()
	}
	data := types.SnapshotData{Jobs: jobs, LastSeq: s.wal.LastSeq()}

	if err := s.snap.Write(data); err != nil {
		return fmt.Errorf("memstore: write snapshot: %w", err)
	}
	if err := s.wal.Truncate(); err != nil {
		return fmt.Errorf("memstore: truncate wal: %w", err)
	}
	return nil
}

// Close compacts and closes the WAL.
func (s *Store) Close() error {
	if s.wal == nil {
		return nil
	}
	if err := s.Compact(); err != nil {
		s.wal.Close()
		return err
	}
	return s.wal.Close()
}

// Watch subscribes to changes of one job.
func (s *Store) Watch(id string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.wmu.Lock()
	subs, ok := s.watchers[id]
	if !ok {
		subs = make(map[int]chan struct{})
		s.watchers[id] = subs
	}
	sub := s.nextSub
	s.nextSub++
	subs[sub] = ch
	s.wmu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.wmu.Lock()
			defer s.wmu.Unlock()
			if subs, ok := s.watchers[id]; ok {
				delete(subs, sub)
				if len(subs) == 0 {
					delete(s.watchers, id)
				}
			}
		})
	}
	return ch, cancel
}

func (s *Store) notify(id string) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	for _, ch := range s.watchers[id] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) append(t EventType, job *types.Job) error {
	if s.wal == nil {
		return nil
	}
	if _, err := s.wal.Append(t, job); err != nil {
		return fmt.Errorf("memstore: %w: %v", store.ErrUnavailable, err)
	}
	return nil
}
