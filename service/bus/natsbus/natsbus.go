// Package natsbus consumes the event channel over a core NATS
// subject, the alternate backend for deployments already running NATS.
package natsbus

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"FoxChat/logger"
)

type Consumer struct {
	url       string
	subject   string
	nc        *nats.Conn
	sub       *nats.Subscription
	closeOnce sync.Once
}

func New(url, subject string) *Consumer {
	return &Consumer{url: url, subject: subject}
}

// Start connects and subscribes. NATS invokes the callback from a
// single delivery goroutine per subscription, which preserves publish
// order the same way the Redis backend does.
func (c *Consumer) Start(ctx context.Context, handle func(raw []byte)) error {
	nc, err := nats.Connect(c.url,
		nats.Name("foxchat-gateway"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnf("bus: nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("bus: nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return errors.Wrapf(err, "connect to nats %s", c.url)
	}
	c.nc = nc

	sub, err := nc.Subscribe(c.subject, func(msg *nats.Msg) {
		handle(msg.Data)
	})
	if err != nil {
		nc.Close()
		return errors.Wrapf(err, "subscribe to %s", c.subject)
	}
	c.sub = sub
	logger.Infof("bus: subscribed to nats subject %s", c.subject)

	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	return nil
}

// Publish sends one payload on the subject. Start must have connected
// first.
func (c *Consumer) Publish(_ context.Context, payload []byte) error {
	if c.nc == nil {
		return errors.New("nats not connected")
	}
	return c.nc.Publish(c.subject, payload)
}

func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		if c.sub != nil {
			_ = c.sub.Unsubscribe()
		}
		if c.nc != nil {
			c.nc.Close()
		}
	})
	return nil
}
