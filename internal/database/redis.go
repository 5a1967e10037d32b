package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/coin-rag/internal/config"
)

type RedisClient struct {
	Client *redis.Client
	logger *logrus.Logger
}

func NewRedisConnection(cfg config.RedisConfig, logger *logrus.Logger) (*RedisClient, error) {
	if logger == nil {
		logger = logrus.New()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.WithField("addr", rdb.Options().Addr).Info("Successfully connected to Redis")

	return &RedisClient{Client: rdb, logger: logger}, nil
}

func (r *RedisClient) Close() {
	if r.Client != nil {
		_ = r.Client.Close()
		if r.logger != nil {
			r.logger.Info("Redis connection closed")
		}
	}
}

func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if r.Client == nil {
		return errors.New("redis client is nil")
	}
	return r.Client.Ping(ctx).Err()
}
