package commands

import (
	"context"
	"fmt"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// openRedis connects to --redis or starts a miniredis when none is given.
func openRedis(ctx context.Context) (redis.UniversalClient, func(), error) {
	if redisAddr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start miniredis: %w", err)
		}
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		logger.Info("goauthsync: using in-process miniredis", "addr", mr.Addr())
		return rdb, func() {
			_ = rdb.Close()
			mr.Close()
		}, nil
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{redisAddr}})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", redisAddr, err)
	}
	logger.Info("goauthsync: using redis", "addr", redisAddr)
	return rdb, func() { _ = rdb.Close() }, nil
}
