// Package pgstore is the PostgreSQL job store.
//
// CompareAndTransition is one conditional UPDATE, so the database row lock
// gives the per-job atomicity. The idempotency tuple is enforced by the
// partial unique index jobs_idempotency_uniq (see migrations/postgres).
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"

	"github.com/ChuLiYu/taskgate/internal/store"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

const (
	uniqueViolation       = "23505"
	idempotencyConstraint = "jobs_idempotency_uniq"
)

const jobColumns = `id, type, status, priority, task_class, tries, payload_ref, params,
result_ref, error, idempotency_key, batch_id, batch_max_parallel, callback_url,
created_at, updated_at`

var terminalStatuses = []string{
	string(types.StatusSucceeded),
	string(types.StatusFailed),
	string(types.StatusCanceled),
}

// Config holds pool settings.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// Store implements store.Store on a pgx pool.
type Store struct {
	db *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New wraps an existing pool.
func New(db *pgxpool.Pool) *Store { return &Store{db: db} }

// Open creates a pool from cfg and verifies it with a ping.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "taskgate"

	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, dial)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("pgstore: %w: %v", store.ErrUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: %w: %v", store.ErrUnavailable, err)
	}
	return New(pool), nil
}

// Migrate applies the goose migrations in dir.
func Migrate(ctx context.Context, dsn, dir string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("pgstore: open for migrate: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pgstore: %w: %v", store.ErrUnavailable, err)
	}
	return migrateDB(db, dir)
}

// MigratePool applies migrations over an existing pool.
func MigratePool(pool *pgxpool.Pool, dir string) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return migrateDB(db, dir)
}

func migrateDB(db *sql.DB, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("pgstore: goose dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("pgstore: migrate up: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, job *types.Job) error {
	params, err := marshalNullable(job.Params, len(job.Params) > 0)
	if err != nil {
		return err
	}
	jobErr, err := marshalNullable(job.Error, job.Error != nil)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err = s.db.Exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		job.ID, job.Type, string(job.Status), string(job.Priority), string(job.TaskClass),
		job.Tries, job.PayloadRef, params,
		nullString(job.ResultRef), jobErr, nullString(job.IdempotencyKey),
		nullString(job.BatchID), job.BatchMaxParallel, nullString(job.CallbackURL),
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("insert "+job.ID, err)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*types.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *Store) FindByIdempotency(ctx context.Context, jobType, key, payloadRef string) (*types.Job, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE type = $1 AND idempotency_key = $2 AND payload_ref = $3`, jobType, key, payloadRef)
	return scanJob(row)
}

func (s *Store) CompareAndTransition(ctx context.Context, id string, from []types.JobStatus, to types.JobStatus, fields store.Fields) (bool, error) {
	fromSet := make([]string, len(from))
	for i, st := range from {
		fromSet[i] = string(st)
	}
	jobErr, err := marshalNullable(fields.Error, fields.Error != nil)
	if err != nil {
		return false, err
	}
	inc := 0
	if fields.IncrementTries {
		inc = 1
	}

	tag, err := s.db.Exec(ctx, `UPDATE jobs SET
    status = $3,
    result_ref = COALESCE($4, result_ref),
    error = COALESCE($5, error),
    tries = tries + $6,
    updated_at = $7
WHERE id = $1 AND status = ANY($2) AND NOT (status = ANY($8))`,
		id, fromSet, string(to), fields.ResultRef, jobErr, inc, time.Now().UTC(), terminalStatuses,
	)
	if err != nil {
		return false, mapWriteError("transition "+id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("pgstore: %w: %v", store.ErrUnavailable, err)
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) ListStale(ctx context.Context, status types.JobStatus, olderThan time.Time, limit int) ([]*types.Job, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.Query(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE status = $1 AND updated_at < $2
ORDER BY updated_at ASC
LIMIT $3`, string(status), olderThan, lim)
	if err != nil {
		return nil, fmt.Errorf("pgstore: %w: %v", store.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: %w: %v", store.ErrUnavailable, err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("pgstore: %w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// Pool exposes the underlying pool (migrations, tests).
func (s *Store) Pool() *pgxpool.Pool { return s.db }

func scanJob(row pgx.Row) (*types.Job, error) {
	var (
		job                     types.Job
		status, priority, class string
		params, jobErr          []byte
		resultRef, idemKey      *string
		batchID, callbackURL    *string
	)
	err := row.Scan(
		&job.ID, &job.Type, &status, &priority, &class, &job.Tries, &job.PayloadRef, &params,
		&resultRef, &jobErr, &idemKey, &batchID, &job.BatchMaxParallel, &callbackURL,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: %w: %v", store.ErrUnavailable, err)
	}

	job.Status = types.JobStatus(status)
	job.Priority = types.Priority(priority)
	job.TaskClass = types.TaskClass(class)
	job.ResultRef = deref(resultRef)
	job.IdempotencyKey = deref(idemKey)
	job.BatchID = deref(batchID)
	job.CallbackURL = deref(callbackURL)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()

	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Params); err != nil {
			return nil, fmt.Errorf("pgstore: decode params of %s: %w", job.ID, err)
		}
	}
	if len(jobErr) > 0 {
		job.Error = &types.JobError{}
		if err := json.Unmarshal(jobErr, job.Error); err != nil {
			return nil, fmt.Errorf("pgstore: decode error of %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

// mapWriteError turns a unique violation into the store's conflict errors
// and everything else into ErrUnavailable.
func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == idempotencyConstraint {
			return fmt.Errorf("pgstore: %s: %w", op, store.ErrDuplicateKey)
		}
		return fmt.Errorf("pgstore: %s: %w", op, store.ErrConflict)
	}
	return fmt.Errorf("pgstore: %s: %w: %v", op, store.ErrUnavailable, err)
}

func marshalNullable(v any, present bool) ([]byte, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pgstore: marshal: %w", err)
	}
	return b, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
