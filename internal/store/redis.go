package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedis 初始化共享计数存储的 Redis 客户端并探活。
// 限流与连接准入的计数都走这里，保证多网关进程下的正确性。
func NewRedis(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 64,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
