package eventbus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher is the subset of redis.UniversalClient used for pub/sub.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis publishes events with PUBLISH; the topic is the channel name.
type Redis struct {
	rdb RedisPublisher
}

// NewRedis creates a Redis pub/sub publisher.
func NewRedis(rdb RedisPublisher) *Redis {
	return &Redis{rdb: rdb}
}

// Publish implements event.Publisher.
func (r *Redis) Publish(ctx context.Context, topic string, v interface{}) error {
	payload, err := Encode(v)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}
