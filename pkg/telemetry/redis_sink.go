package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisSink mirrors published events to Redis pub/sub.
// Each event goes to the channel ChannelPrefix + Topic.
type RedisSink struct {
	client *redis.Client
	config RedisConfig
	logger *Logger
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(cfg RedisConfig, logger *Logger) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisSink(client, cfg, logger), nil
}

func newRedisSink(client *redis.Client, cfg RedisConfig, logger *Logger) *RedisSink {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &RedisSink{client: client, config: cfg, logger: logger}
}

// Channel returns the channel name for a topic.
func (s *RedisSink) Channel(topic string) string {
	if topic == "" {
		topic = "events"
	}
	return s.config.ChannelPrefix + topic
}

// Handle is an EventSubscriber that publishes the event as JSON.
func (s *RedisSink) Handle(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to encode event for redis")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := s.client.Publish(ctx, s.Channel(event.Topic), payload).Err(); err != nil {
		s.logger.WithError(err).WithField("topic", event.Topic).Warn("Failed to publish event to redis")
	}
}

// Close closes the Redis connection pool.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
