package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
)

// RedisPublisher broadcasts events over Redis pub/sub, one channel per
// session plus a firehose channel. Publish failures are logged, never
// propagated: event delivery must not stall the pipeline.
type RedisPublisher struct {
	client  *redis.Client
	prefix  string
	logger  *slog.Logger
	timeout time.Duration
}

// NewRedisPublisher creates a publisher over an existing client.
// prefix namespaces the channels (e.g. "atelier").
func NewRedisPublisher(client *redis.Client, prefix string, logger *slog.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = "atelier"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{
		client:  client,
		prefix:  prefix,
		logger:  logger.With("component", "events.redis"),
		timeout: 2 * time.Second,
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, event contracts.Event) {
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorContext(ctx, "event marshal failed", "type", event.Type, "error", err)
		return
	}

	// Bounded so a dead broker cannot hold a phase transition hostage.
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	sessionChannel := fmt.Sprintf("%s:session:%s", p.prefix, event.SessionID)
	firehose := fmt.Sprintf("%s:events", p.prefix)

	if err := p.client.Publish(ctx, sessionChannel, payload).Err(); err != nil {
		p.logger.WarnContext(ctx, "session channel publish failed",
			"channel", sessionChannel, "type", event.Type, "error", err)
	}
	if err := p.client.Publish(ctx, firehose, payload).Err(); err != nil {
		p.logger.WarnContext(ctx, "firehose publish failed",
			"channel", firehose, "type", event.Type, "error", err)
	}
}
