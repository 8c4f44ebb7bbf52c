package backplane

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"task-fanout/domain"
)

// Local delivers an event to the subscribers connected to this instance.
type Local interface {
	Publish(ctx context.Context, ev domain.Event) error
}

type envelope struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

// Redis relays events between instances over a pub/sub channel. The
// publishing instance dispatches to its own connections directly and ignores
// its own echo from the channel, so each connection gets one copy and local
// delivery does not depend on Redis.
type Redis struct {
	rc       *redis.Client
	channel  string
	local    Local
	instance string
	logger   *log.Logger

	reconnectDelay time.Duration
}

// New creates a backplane on channel that delivers to local.
func New(rc *redis.Client, channel string, local Local, logger *log.Logger) *Redis {
	if logger == nil {
		panic("backplane: logger is required")
	}
	if local == nil {
		panic("backplane: local dispatcher is required")
	}
	return &Redis{
		rc:             rc,
		channel:        channel,
		local:          local,
		instance:       uuid.NewString(),
		logger:         logger,
		reconnectDelay: time.Second,
	}
}

// Instance returns the id stamped on events published by this process.
func (b *Redis) Instance() string {
	return b.instance
}

// Publish delivers ev to this instance's connections, then relays it to the
// other instances. A relay failure is returned after local delivery happened.
func (b *Redis) Publish(ctx context.Context, ev domain.Event) error {
	if err := b.local.Publish(ctx, ev); err != nil {
		b.logger.WithError(err).WithField("kind", ev.Kind).Error("backplane: local dispatch")
	}
	data, err := sonic.Marshal(envelope{Origin: b.instance, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rc.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", b.channel, err)
	}
	return nil
}

// Run subscribes to the channel and hands every event published by another
// instance to the local dispatcher until ctx ends. A dropped subscription is
// re-established.
func (b *Redis) Run(ctx context.Context) {
	for {
		sub := b.rc.Subscribe(ctx, b.channel)
		b.consume(ctx, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.WithField("channel", b.channel).Error("backplane: pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.reconnectDelay):
		}
	}
}

func (b *Redis) consume(ctx context.Context, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := sonic.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.WithError(err).Error("backplane: unable to parse event")
				continue
			}
			if env.Origin == b.instance {
				continue
			}
			b.logger.WithFields(log.Fields{
				"origin": env.Origin,
				"kind":   env.Event.Kind,
			}).Debug("backplane: event received")
			if err := b.local.Publish(ctx, env.Event); err != nil {
				b.logger.WithError(err).WithField("kind", env.Event.Kind).Error("backplane: local dispatch")
			}
		}
	}
}
