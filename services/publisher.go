package services

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"agrisync/metrics"
	"agrisync/models"
	"agrisync/utils"
)

const busChannelPrefix = "sync:events:"

// Publisher pushes committed change events onto the Redis bus. Every hub
// node subscribed to the bus fans them out to its own WebSocket clients, so
// a mutation accepted on one node reaches sessions connected anywhere.
type Publisher struct {
	redis   *redis.Client
	logger  *utils.Logger
	metrics *metrics.Metrics
}

func NewPublisher(redisClient *redis.Client, logger *utils.Logger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		redis:   redisClient,
		logger:  logger,
		metrics: m,
	}
}

// Publish emits one event to the bus channel for its topic.
func (p *Publisher) Publish(ctx context.Context, ev models.ChangeEvent) error {
	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}

	if err := p.redis.Publish(ctx, busChannelPrefix+ev.Topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}

	p.metrics.EventsPublished.WithLabelValues(string(ev.Entity)).Inc()
	p.logger.Debug("Published change event", "entity", ev.Entity, "kind", ev.Kind, "topic", ev.Topic)
	return nil
}

// PublishAsync publishes without blocking the mutation response path.
// Failures are logged: a missed event is recovered by the client's next
// refresh, the same way a dropped realtime connection is.
func (p *Publisher) PublishAsync(ev models.ChangeEvent) {
	go func() {
		if err := p.Publish(context.Background(), ev); err != nil {
			p.logger.Error("Failed to publish change event", "entity", ev.Entity, "topic", ev.Topic, "error", err)
		}
	}()
}
