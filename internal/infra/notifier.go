package infra

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier публикует сигнал об изменении политик для шлюзов с кэшем.
type RedisNotifier struct {
	rdb *redis.Client
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) PolicyChanged(ctx context.Context, policyID string, version int64) error {
	sig := PolicySignal{PolicyID: policyID, Version: version}
	if err := n.rdb.Publish(ctx, RedisChanPolicyUpdate, sig.String()).Err(); err != nil {
		return fmt.Errorf("redis: failed to publish policy update: %w", err)
	}
	return nil
}
