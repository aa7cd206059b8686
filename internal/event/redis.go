package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// RedisConfig configures the optional publisher which forwards events
	// from the bus to a Redis pub/sub channel, allowing observers outside
	// of this process to receive them.
	RedisConfig struct {
		Addr    string `yaml:"addr" env:"REDIS_ADDR"`
		Channel string `yaml:"channel" env:"REDIS_CHANNEL" env-default:"mimic:events"`
	}

	// RedisPublisher forwards bus events to Redis. Publish failures are
	// logged and otherwise ignored.
	RedisPublisher struct {
		rdb     *redis.Client
		channel string
		timeout time.Duration
	}

	redisMessage struct {
		Event   Event   `json:"event"`
		Payload Payload `json:"payload"`
	}
)

func NewRedisPublisher(ctx context.Context, config RedisConfig) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisPublisher{rdb: rdb, channel: config.Channel, timeout: 5 * time.Second}, nil
}

// Attach registers the publisher as an asynchronous handler of the given
// events on the provided bus.
func (p *RedisPublisher) Attach(bus EventHandler, events ...Event) {
	for _, ev := range events {
		bus.RegisterAsyncHandlerFunction(ev, p.handle)
	}
}

func (p *RedisPublisher) handle(ev Event, payload Payload) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.Publish(ctx, ev, payload); err != nil {
		log.Warnf("Failed to publish %s event to redis: %v\n", ev, err)
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event, payload Payload) error {
	raw, err := json.Marshal(redisMessage{Event: ev, Payload: payload})
	if err != nil {
		return err
	}

	return p.rdb.Publish(ctx, p.channel, raw).Err()
}

func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
