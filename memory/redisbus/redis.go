// Package redisbus implements the event bus and lease manager on Redis,
// for deployments where multiple memoryd nodes share one event space.
package redisbus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/memory"
)

// Config locates the Redis server.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Bus implements memory.EventBus on Redis pub/sub.
type Bus struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewBus connects to Redis. The connection is verified lazily via Ping.
func NewBus(cfg Config, logger zerolog.Logger) *Bus {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	return &Bus{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		logger: logger.With().Str("component", "redis_bus").Logger(),
	}
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return memory.Transient(fmt.Errorf("publish to %s: %w", channel, err))
	}
	return nil
}

// Subscribe opens a pattern subscription. Dot-glob patterns map directly to
// Redis glob patterns: each * matches within a segment, which is sufficient
// because channel segments never contain dots.
func (b *Bus) Subscribe(ctx context.Context, pattern string) (memory.Subscription, error) {
	ps := b.client.PSubscribe(ctx, pattern)
	// Force the subscription handshake so errors surface here.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, memory.Transient(fmt.Errorf("subscribe %s: %w", pattern, err))
	}

	sub := &subscription{ps: ps, out: make(chan memory.BusMessage, 128)}
	go sub.pump()
	return sub, nil
}

type subscription struct {
	ps  *redis.PubSub
	out chan memory.BusMessage
}

func (s *subscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- memory.BusMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *subscription) Events() <-chan memory.BusMessage { return s.out }

func (s *subscription) Close() error { return s.ps.Close() }

func (b *Bus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return memory.Transient(fmt.Errorf("redis ping: %w", err))
	}
	return nil
}

// Close releases the Redis connection.
func (b *Bus) Close() error { return b.client.Close() }

var _ memory.EventBus = (*Bus)(nil)

// Leases implements memory.LeaseManager on Redis SET NX PX keys. Release
// uses a compare-and-delete script so an expired-and-reacquired lease is
// never released by its previous holder.
type Leases struct {
	client *redis.Client
	prefix string
}

// NewLeases builds a lease manager sharing the bus's Redis configuration.
func NewLeases(cfg Config) *Leases {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	return &Leases{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: "memoryd:lease:",
	}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *Leases) Acquire(ctx context.Context, name string, ttl time.Duration) (memory.Lease, error) {
	token := uuid.NewString()
	key := l.prefix + name
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, memory.Transient(fmt.Errorf("acquire lease %s: %w", name, err))
	}
	if !ok {
		return nil, fmt.Errorf("lease %s: %w", name, memory.ErrLeaseHeld)
	}
	return &redisLease{client: l.client, key: key, token: token}, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (rl *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, rl.client, []string{rl.key}, rl.token).Err(); err != nil && err != redis.Nil {
		if strings.Contains(err.Error(), "NOSCRIPT") {
			return nil
		}
		return memory.Transient(fmt.Errorf("release lease %s: %w", rl.key, err))
	}
	return nil
}

var _ memory.LeaseManager = (*Leases)(nil)
