// Package mongostore is the MongoDB job store.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ChuLiYu/taskgate/internal/store"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

const (
	collectionName = "jobs"
	idIndex        = "jobs_id_uniq"
	idemIndex      = "jobs_idempotency_uniq"
	staleIndex     = "jobs_status_updated"
)

var terminalStatuses = []types.JobStatus{types.StatusSucceeded, types.StatusFailed, types.StatusCanceled}

// Config selects the deployment and database.
type Config struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// Store implements store.Store on one collection.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ store.Store = (*Store)(nil)

// Open connects, pings and makes sure the indexes exist.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetAppName("taskgate"))
	if err != nil {
		return nil, fmt.Errorf("mongostore: %w: %v", store.ErrUnavailable, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: %w: %v", store.ErrUnavailable, err)
	}

	s := &Store{client: client, coll: client.Database(cfg.Database).Collection(collectionName)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetName(idIndex).SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "type", Value: 1},
				{Key: "idempotency_key", Value: 1},
				{Key: "payload_ref", Value: 1},
			},
			Options: options.Index().
				SetName(idemIndex).
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$type": "string"}}),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}},
			Options: options.Index().SetName(staleIndex),
		},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("mongostore: create indexes: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, job *types.Job) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	if _, err := s.coll.InsertOne(ctx, job); err != nil {
		return mapWriteError("insert "+job.ID, err)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*types.Job, error) {
	return s.findOne(ctx, bson.M{"id": id})
}

func (s *Store) FindByIdempotency(ctx context.Context, jobType, key, payloadRef string) (*types.Job, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	return s.findOne(ctx, bson.M{"type": jobType, "idempotency_key": key, "payload_ref": payloadRef})
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*types.Job, error) {
	var job types.Job
	err := s.coll.FindOne(ctx, filter).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: %w: %v", store.ErrUnavailable, err)
	}
	normalize(&job)
	return &job, nil
}

func (s *Store) CompareAndTransition(ctx context.Context, id string, from []types.JobStatus, to types.JobStatus, fields store.Fields) (bool, error) {
	set := bson.M{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	if fields.ResultRef != nil {
		set["result_ref"] = *fields.ResultRef
	}
	if fields.Error != nil {
		set["error"] = fields.Error
	}
	update := bson.M{"$set": set}
	if fields.IncrementTries {
		update["$inc"] = bson.M{"tries": 1}
	}

	filter := bson.M{
		"id":     id,
		"status": bson.M{"$in": from, "$nin": terminalStatuses},
	}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, mapWriteError("transition "+id, err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	n, err := s.coll.CountDocuments(ctx, bson.M{"id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("mongostore: %w: %v", store.ErrUnavailable, err)
	}
	if n == 0 {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) ListStale(ctx context.Context, status types.JobStatus, olderThan time.Time, limit int) ([]*types.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.M{"status": status, "updated_at": bson.M{"$lt": olderThan}}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: %w: %v", store.ErrUnavailable, err)
	}
	defer cur.Close(ctx)

	var out []*types.Job
	for cur.Next(ctx) {
		var job types.Job
		if err := cur.Decode(&job); err != nil {
			return nil, fmt.Errorf("mongostore: decode: %w", err)
		}
		normalize(&job)
		out = append(out, &job)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongostore: %w: %v", store.ErrUnavailable, err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongostore: %w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// normalize undoes bson decoding quirks: times come back in local zone and
// nested documents in params come back as bson.D.
func normalize(job *types.Job) {
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	for k, v := range job.Params {
		job.Params[k] = plain(v)
	}
}

func plain(v any) any {
	switch t := v.(type) {
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = plain(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = plain(e)
		}
		return m
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plain(e)
		}
		return out
	}
	return v
}

func mapWriteError(op string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		if strings.Contains(err.Error(), idemIndex) {
			return fmt.Errorf("mongostore: %s: %w", op, store.ErrDuplicateKey)
		}
		return fmt.Errorf("mongostore: %s: %w", op, store.ErrConflict)
	}
	return fmt.Errorf("mongostore: %s: %w: %v", op, store.ErrUnavailable, err)
}
