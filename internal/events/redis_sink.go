package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes events to Redis Pub/Sub channels, one channel per event
// type under a common prefix. Delivery is best-effort: Redis Pub/Sub has no
// durability, which matches the observability contract.
type RedisSink struct {
	rdb    *redis.Client
	prefix string
	logger *log.Logger
}

// NewRedisSink connects to Redis and verifies connectivity before returning.
func NewRedisSink(addr, password string, db int, channelPrefix string) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis event sink connected", "addr", addr, "db", db)
	if channelPrefix == "" {
		channelPrefix = "coordination"
	}
	return &RedisSink{
		rdb:    rdb,
		prefix: channelPrefix,
		logger: log.New(log.Writer(), "[REDIS-SINK] ", log.LstdFlags),
	}, nil
}

// Emit publishes a CloudEvent on <prefix>.<event-type>. Publish failures are
// logged, not returned; emitting never blocks the caller's protocol work.
func (s *RedisSink) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	payload, err := event.JSON()
	if err != nil {
		s.logger.Printf("marshal event %s: %v", event.ID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.rdb.Publish(ctx, s.prefix+"."+eventType, payload).Err(); err != nil {
		s.logger.Printf("publish %s: %v", eventType, err)
	}
}

// Subscribe registers a handler for events of one type. Returns an
// unsubscribe function.
func (s *RedisSink) Subscribe(ctx context.Context, eventType string, handler func([]byte)) (func(), error) {
	sub := s.rdb.Subscribe(ctx, s.prefix+"."+eventType)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", eventType, err)
	}
	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()
	return func() { sub.Close() }, nil
}

// Close shuts down the underlying redis client.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}

var _ Emitter = (*RedisSink)(nil)
