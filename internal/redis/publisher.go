package redisclient

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher delivers an encoded notification to external subscribers.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

type redisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher publishes payloads on a Redis pub/sub channel
func NewRedisPublisher(client *redis.Client, channel string) Publisher {
	return &redisPublisher{
		client:  client,
		channel: channel,
	}
}

func (p *redisPublisher) Publish(ctx context.Context, payload []byte) error {
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}
