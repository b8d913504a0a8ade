package realtime

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisChannel consumes envelopes published on a Redis pub/sub channel.
// Envelopes addressed to another user are dropped.
type RedisChannel struct {
	Backoff Backoff

	client  *redis.Client
	channel string
	userID  string
	logger  *log.Logger
	life    lifecycle
	sub     *redis.PubSub
}

// NewRedisChannel subscribes to channel on behalf of userID.
func NewRedisChannel(client *redis.Client, channel, userID string, logger *log.Logger) *RedisChannel {
	if client == nil {
		panic("realtime: redis client is required")
	}
	if logger == nil {
		panic("realtime: logger is required")
	}
	return &RedisChannel{client: client, channel: channel, userID: userID, logger: logger}
}

func (c *RedisChannel) Connect(ctx context.Context, h Handler) error {
	return c.life.start(ctx, func(ctx context.Context) error {
		sub, err := c.subscribe(ctx)
		if err != nil {
			return err
		}
		c.sub = sub
		return nil
	}, func(ctx context.Context) {
		c.run(ctx, h)
	})
}

func (c *RedisChannel) Close() error {
	c.life.stop()
	return nil
}

func (c *RedisChannel) subscribe(ctx context.Context) (*redis.PubSub, error) {
	sub := c.client.Subscribe(ctx, c.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

func (c *RedisChannel) run(ctx context.Context, h Handler) {
	sub := c.sub
	c.sub = nil
	attempt := 0
	for {
		if sub != nil {
			attempt = 0
			c.consume(ctx, sub, h)
			sub.Close()
			if ctx.Err() != nil {
				return
			}
			c.logger.WithField("channel", c.channel).Error("pubsub channel closed, reconnecting")
		}
		attempt++
		if !sleep(ctx, c.Backoff.Delay(attempt)) {
			return
		}
		var err error
		sub, err = c.subscribe(ctx)
		if err != nil {
			sub = nil
			if ctx.Err() != nil {
				return
			}
			c.logger.WithError(err).WithField("attempt", attempt).Warn("pubsub resubscribe failed")
		}
	}
}

func (c *RedisChannel) consume(ctx context.Context, sub *redis.PubSub, h Handler) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.handle(h, []byte(msg.Payload))
		}
	}
}

func (c *RedisChannel) handle(h Handler, payload []byte) {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		c.logger.WithError(err).WithField("channel", c.channel).Error("unable to parse update")
		return
	}
	if env.UserID != "" && c.userID != "" && env.UserID != c.userID {
		return
	}
	if err := Dispatch(h, env.Event, env.Data); err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			c.logger.WithField("event", env.Event).Debug("ignoring unknown event")
			return
		}
		c.logger.WithError(err).WithField("event", env.Event).Error("unable to apply event")
	}
}
