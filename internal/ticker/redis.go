package ticker

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis pub/sub transport.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisTransport receives tick frames published on a Redis channel.
type RedisTransport struct {
	client  *redis.Client
	channel string
}

// NewRedisTransport creates a Redis transport with its own client.
func NewRedisTransport(cfg RedisConfig) *RedisTransport {
	return &RedisTransport{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel: cfg.Channel,
	}
}

func (t *RedisTransport) Name() string { return "redis" }

func (t *RedisTransport) Open(ctx context.Context) (Stream, error) {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	ps := t.client.Subscribe(ctx, t.channel)
	// Wait for the subscription confirmation so no publish is missed after Open returns
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}
	st := &redisStream{ps: ps, done: make(chan struct{})}
	go st.watch(ctx)
	return st, nil
}

// Close releases the client. Called by Manager.Close.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}

type redisStream struct {
	ps        *redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisStream) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(msg.Payload), nil
}

// watch unblocks a pending receive when the manager cancels.
func (s *redisStream) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		_ = s.Close()
	case <-s.done:
	}
}

func (s *redisStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
