// Package redisbus consumes the event channel over Redis pub/sub, the
// default backend.
package redisbus

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"FoxChat/logger"
	"FoxChat/tools/safe"
)

type Consumer struct {
	client  *redis.Client
	channel string
	pubsub  *redis.PubSub
}

func New(client *redis.Client, channel string) *Consumer {
	return &Consumer{client: client, channel: channel}
}

// Start subscribes and pumps payloads to handle on one goroutine, so
// per-chat ordering follows publish order.
func (c *Consumer) Start(ctx context.Context, handle func(raw []byte)) error {
	c.pubsub = c.client.Subscribe(ctx, c.channel)

	// confirm the subscription before reporting success
	if _, err := c.pubsub.Receive(ctx); err != nil {
		_ = c.pubsub.Close()
		return errors.Wrapf(err, "subscribe to %s", c.channel)
	}
	logger.Infof("bus: subscribed to redis channel %s", c.channel)

	ch := c.pubsub.Channel()
	safe.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handle([]byte(msg.Payload))
			}
		}
	})
	return nil
}

// Publish sends one payload on the channel, the same call the HTTP
// producers make.
func (c *Consumer) Publish(ctx context.Context, payload []byte) error {
	return c.client.Publish(ctx, c.channel, payload).Err()
}

func (c *Consumer) Close() error {
	if c.pubsub != nil {
		return c.pubsub.Close()
	}
	return nil
}
