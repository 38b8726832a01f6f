package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/session-coordinator/config"
	"github.com/redis/go-redis/v9"
)

// Connect builds a Redis client and checks it with a ping. The client is
// returned even when the ping fails so the caller can run degraded and let
// go-redis reconnect in the background.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return client, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}
