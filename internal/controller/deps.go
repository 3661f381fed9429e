package controller

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChuLiYu/taskgate/internal/broker"
	"github.com/ChuLiYu/taskgate/internal/broker/redisbroker"
	"github.com/ChuLiYu/taskgate/internal/broker/wmbroker"
	"github.com/ChuLiYu/taskgate/internal/config"
	"github.com/ChuLiYu/taskgate/internal/store"
	"github.com/ChuLiYu/taskgate/internal/store/memstore"
	"github.com/ChuLiYu/taskgate/internal/store/mongostore"
	"github.com/ChuLiYu/taskgate/internal/store/pgstore"
)

// OpenStore opens the job store selected by cfg.Store.Driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreMemory, "":
		if cfg.Memory.Dir == "" {
			logger.Warn("memory store without dir: jobs are lost on restart")
			return memstore.New(), nil
		}
		return memstore.Open(cfg.Memory.Dir, memstore.Options{SyncOnAppend: cfg.Memory.SyncOnAppend})

	case config.StorePostgres:
		st, err := pgstore.Open(ctx, pgstore.Config{
			DSN:         cfg.Postgres.DSN,
			MaxConns:    cfg.Postgres.MaxConns,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Postgres.AutoMigrate {
			if err := pgstore.MigratePool(st.Pool(), cfg.Postgres.MigrationsDir); err != nil {
				st.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("postgres migrations applied", zap.String("dir", cfg.Postgres.MigrationsDir))
		}
		return st, nil

	case config.StoreMongo:
		return mongostore.Open(ctx, mongostore.Config{
			URI:            cfg.Mongo.URI,
			Database:       cfg.Mongo.Database,
			ConnectTimeout: 10 * time.Second,
		})
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// OpenBroker builds the lane broker selected by cfg.Driver.
func OpenBroker(cfg config.BrokerConfig, logger *zap.Logger) (broker.Broker, error) {
	switch cfg.Driver {
	case config.BrokerRedis, "":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return redisbroker.New(rdb, redisbroker.Config{
			Prefix:    cfg.Prefix,
			Group:     cfg.Redis.Group,
			Consumer:  consumerName(),
			MaxLen:    cfg.Redis.MaxLen,
			Block:     cfg.Block,
			ClaimIdle: cfg.Redis.ClaimIdle,
		}, logger), nil

	case config.BrokerMemory, config.BrokerAMQP:
		return wmbroker.New(wmbroker.Config{
			Driver:    cfg.Driver,
			AMQPURL:   cfg.AMQP.URL,
			Prefix:    cfg.Prefix,
			Consumers: cfg.AMQP.Consumers,
			Block:     cfg.Block,
		}, logger)
	}
	return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
}

// consumerName identifies this process inside the Redis consumer group.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "taskgate"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
