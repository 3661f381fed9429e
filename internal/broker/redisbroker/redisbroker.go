// Package redisbroker implements lanes on Redis Streams.
//
// Each lane is the stream {prefix}:tasks:{lane}. Consumers share one consumer
// group; a fetch reads the lanes without blocking in priority order and only
// falls back to one blocking read over all lanes when they are all empty.
// Entries left pending by a crashed consumer are taken over with XAUTOCLAIM
// once they have been idle for ClaimIdle.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChuLiYu/taskgate/internal/broker"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

// Config controls stream naming and consumption.
type Config struct {
	Prefix   string
	Group    string
	Consumer string
	// MaxLen trims each stream approximately; 0 keeps everything.
	MaxLen int64
	// Block bounds the wait when every lane is empty; 0 disables the wait.
	Block time.Duration
	// ClaimIdle is how long an entry may stay pending before another
	// consumer takes it over; 0 disables reclaiming.
	ClaimIdle time.Duration
}

// Broker publishes and consumes lane messages.
type Broker struct {
	rdb    redis.UniversalClient
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	groupReady bool
	lastClaim  time.Time
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.DepthReporter = (*Broker)(nil)
)

// New returns a broker on rdb. Zero config fields get defaults.
func New(rdb redis.UniversalClient, cfg Config, logger *zap.Logger) *Broker {
	if cfg.Prefix == "" {
		cfg.Prefix = "taskgate"
	}
	if cfg.Group == "" {
		cfg.Group = "workers"
	}
	if cfg.Consumer == "" {
		host, _ := os.Hostname()
		cfg.Consumer = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{rdb: rdb, cfg: cfg, logger: logger.Named("redisbroker")}
}

// StreamKey returns the stream of a lane.
func (b *Broker) StreamKey(lane types.Priority) string {
	return b.cfg.Prefix + ":tasks:" + string(lane)
}

// Publish appends msg to the lane stream.
func (b *Broker) Publish(ctx context.Context, lane types.Priority, msg types.DispatchMessage) error {
	if !lane.Valid() {
		return fmt.Errorf("redisbroker: unknown lane %q", lane)
	}
	args := &redis.XAddArgs{
		Stream: b.StreamKey(lane),
		Values: msg.ToValues(),
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redisbroker: xadd %s: %w", args.Stream, err)
	}
	return nil
}

// EnsureGroup creates the consumer group on every lane stream.
func (b *Broker) EnsureGroup(ctx context.Context) error {
	for _, lane := range types.Lanes() {
		err := b.rdb.XGroupCreateMkStream(ctx, b.StreamKey(lane), b.cfg.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("redisbroker: create group on %s: %w", b.StreamKey(lane), err)
		}
	}
	return nil
}

// Fetch returns up to max deliveries, highest lane first.
func (b *Broker) Fetch(ctx context.Context, max int) ([]broker.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	if err := b.ensureGroupOnce(ctx); err != nil {
		return nil, err
	}

	out, err := b.reclaim(ctx, max)
	if err != nil {
		return nil, err
	}

	for _, lane := range types.Lanes() {
		if len(out) >= max {
			return out, nil
		}
		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{b.StreamKey(lane), ">"},
			Count:    int64(max - len(out)),
			Block:    -1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return out, fmt.Errorf("redisbroker: xreadgroup %s: %w", lane, err)
		}
		out = append(out, b.deliveries(ctx, streams)...)
	}
	if len(out) > 0 || b.cfg.Block <= 0 {
		return out, nil
	}

	keys := make([]string, 0, 2*len(types.Lanes()))
	for _, lane := range types.Lanes() {
		keys = append(keys, b.StreamKey(lane))
	}
	for range types.Lanes() {
		keys = append(keys, ">")
	}
	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  keys,
		Count:    1,
		Block:    b.cfg.Block,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redisbroker: blocking xreadgroup: %w", err)
	}
	return b.deliveries(ctx, streams), nil
}

func (b *Broker) ensureGroupOnce(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groupReady {
		return nil
	}
	if err := b.EnsureGroup(ctx); err != nil {
		return err
	}
	b.groupReady = true
	return nil
}

// reclaim takes over entries other consumers left pending. It runs at most
// twice per ClaimIdle.
func (b *Broker) reclaim(ctx context.Context, max int) ([]broker.Delivery, error) {
	if b.cfg.ClaimIdle <= 0 {
		return nil, nil
	}
	b.mu.Lock()
	if time.Since(b.lastClaim) < b.cfg.ClaimIdle/2 {
		b.mu.Unlock()
		return nil, nil
	}
	b.lastClaim = time.Now()
	b.mu.Unlock()

	var out []broker.Delivery
	for _, lane := range types.Lanes() {
		if len(out) >= max {
			break
		}
		key := b.StreamKey(lane)
		msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   key,
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			MinIdle:  b.cfg.ClaimIdle,
			Start:    "0-0",
			Count:    int64(max - len(out)),
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return out, fmt.Errorf("redisbroker: xautoclaim %s: %w", key, err)
		}
		if len(msgs) > 0 {
			b.logger.Info("reclaimed idle entries", zap.String("stream", key), zap.Int("count", len(msgs)))
		}
		out = append(out, b.deliveries(ctx, []redis.XStream{{Stream: key, Messages: msgs}})...)
	}
	return out, nil
}

// deliveries converts stream entries in lane order. Entries that cannot be
// decoded are acked and dropped so they do not block the group.
func (b *Broker) deliveries(ctx context.Context, streams []redis.XStream) []broker.Delivery {
	var out []broker.Delivery
	for _, lane := range types.Lanes() {
		key := b.StreamKey(lane)
		for _, s := range streams {
			if s.Stream != key {
				continue
			}
			for _, m := range s.Messages {
				msg, err := types.DispatchFromValues(m.Values)
				if err != nil {
					b.logger.Warn("dropping malformed entry",
						zap.String("stream", key), zap.String("entry_id", m.ID), zap.Error(err))
					b.rdb.XAck(ctx, key, b.cfg.Group, m.ID)
					continue
				}
				entryID := m.ID
				out = append(out, broker.NewDelivery(lane, msg, func(ctx context.Context) error {
					return b.rdb.XAck(ctx, key, b.cfg.Group, entryID).Err()
				}))
			}
		}
	}
	return out
}

// Depths returns the number of entries in each lane stream.
func (b *Broker) Depths(ctx context.Context) (map[types.Priority]int64, error) {
	out := make(map[types.Priority]int64, len(types.Lanes()))
	for _, lane := range types.Lanes() {
		n, err := b.rdb.XLen(ctx, b.StreamKey(lane)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redisbroker: xlen %s: %w", lane, err)
		}
		out[lane] = n
	}
	return out, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (b *Broker) Close() error {
	return b.rdb.Close()
}
