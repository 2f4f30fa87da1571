package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dream-forge-backend/internal/logger"

	goredis "github.com/redis/go-redis/v9"
)

// RedisBus publishes events on one Redis pub/sub channel and forwards
// everything received on it into a local hub.
type RedisBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

type RedisConfig struct {
	Addr     string
	Password string
	Channel  string
}

func NewRedisBus(ctx context.Context, cfg RedisConfig, log *logger.Logger) (*RedisBus, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	if cfg.Channel == "" {
		cfg.Channel = "dreamforge:events"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBus{
		log:     log.With("service", "RedisEventBus"),
		rdb:     rdb,
		channel: cfg.Channel,
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder subscribes and delivers every received event to onEvent
// until ctx is cancelled. It returns once the subscription is confirmed.
func (b *RedisBus) StartForwarder(ctx context.Context, onEvent func(Event)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(m.Payload), &evt); err != nil {
					b.log.Warn("bad redis event payload", "error", err)
					continue
				}
				onEvent(evt)
			}
		}
	}()
	return nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

// NewPublisher returns the Redis bus wired into hub when addr is set, and
// the hub itself otherwise. The returned close func stops the forwarder.
func NewPublisher(ctx context.Context, cfg RedisConfig, hub *Hub, log *logger.Logger) (Publisher, func() error, error) {
	if cfg.Addr == "" {
		log.Info("REDIS_ADDR not set; events are delivered in-process only")
		return hub, func() error { return nil }, nil
	}
	bus, err := NewRedisBus(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	fwdCtx, cancel := context.WithCancel(ctx)
	if err := bus.StartForwarder(fwdCtx, hub.Broadcast); err != nil {
		cancel()
		_ = bus.Close()
		return nil, nil, err
	}
	return bus, func() error {
		cancel()
		return bus.Close()
	}, nil
}
