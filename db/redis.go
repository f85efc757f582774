package db

import (
	"context"
	"fmt"
	"net"
	"storefront-api/config"
	"storefront-api/logger"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ConnectRedis opens the client used to broadcast revocations between
// instances and verifies it with a bounded ping.
func ConnectRedis() (*redis.Client, error) {
	cfg := config.AppConfig.Redis
	addr := net.JoinHostPort(cfg.Host, cfg.Port)

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		ClientName:   "storefront-api",
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}

	logger.Log.WithFields(logrus.Fields{
		"address": addr,
		"channel": cfg.Channel,
	}).Info("Redis connection established")
	return rdb, nil
}
