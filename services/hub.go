package services

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"agrisync/metrics"
	"agrisync/models"
	"agrisync/utils"
)

// Subscriber is one WebSocket client's registration for a set of topics.
// Events are delivered through a buffered channel; a subscriber that cannot
// keep up has events dropped rather than stalling the fan-out loop.
type Subscriber struct {
	Send chan models.ChangeEvent

	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

func NewSubscriber(buffer int) *Subscriber {
	if buffer < 1 {
		buffer = 32
	}
	return &Subscriber{
		Send:   make(chan models.ChangeEvent, buffer),
		topics: make(map[string]struct{}),
	}
}

// AddTopic subscribes the client to an additional topic.
func (s *Subscriber) AddTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = struct{}{}
}

// RemoveTopic drops one topic subscription.
func (s *Subscriber) RemoveTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, topic)
}

func (s *Subscriber) wants(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	_, ok := s.topics[topic]
	return ok
}

func (s *Subscriber) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.Send)
	return true
}

// Hub bridges the Redis change bus to connected WebSocket subscribers. It
// pattern-subscribes to all bus channels and dispatches each event to the
// subscribers registered for its topic.
type Hub struct {
	redis   *redis.Client
	logger  *utils.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHub(redisClient *redis.Client, logger *utils.Logger, m *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		redis:       redisClient,
		logger:      logger,
		metrics:     m,
		subscribers: make(map[*Subscriber]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins consuming the change bus.
func (h *Hub) Start() error {
	h.logger.Info("Starting fan-out hub")

	h.wg.Add(1)
	go h.busListener()

	return nil
}

// Stop shuts the hub down, closing every subscriber channel.
func (h *Hub) Stop() {
	h.logger.Info("Stopping fan-out hub")

	h.cancel()
	h.wg.Wait()

	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[*Subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	h.metrics.Subscribers.Set(0)

	h.logger.Info("Fan-out hub stopped")
}

// Register adds a subscriber to the fan-out set. Idempotent.
func (h *Hub) Register(sub *Subscriber) {
	h.mu.Lock()
	_, exists := h.subscribers[sub]
	if !exists {
		h.subscribers[sub] = struct{}{}
	}
	h.mu.Unlock()

	if !exists {
		h.metrics.Subscribers.Inc()
	}
}

// Unregister removes a subscriber and closes its channel. Idempotent and
// safe to call during teardown races.
func (h *Hub) Unregister(sub *Subscriber) {
	h.mu.Lock()
	_, exists := h.subscribers[sub]
	if exists {
		delete(h.subscribers, sub)
	}
	h.mu.Unlock()

	if exists {
		h.metrics.Subscribers.Dec()
	}
	sub.close()
}

// Dispatch delivers one event to every subscriber registered for its topic.
// Exposed for the bus listener and for same-node publishes.
func (h *Hub) Dispatch(ev models.ChangeEvent) {
	h.mu.Lock()
	targets := make([]*Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		if !sub.wants(ev.Topic) {
			continue
		}
		select {
		case sub.Send <- ev:
			h.metrics.EventsDispatched.Inc()
		default:
			// Slow client: drop rather than block the fan-out loop. The
			// client reconciles on its next refresh.
			h.metrics.EventsDropped.Inc()
			h.logger.Warn("Dropping event for slow subscriber", "topic", ev.Topic)
		}
	}
}

func (h *Hub) busListener() {
	defer h.wg.Done()

	pubsub := h.redis.PSubscribe(h.ctx, busChannelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.handleBusMessage(msg.Channel, msg.Payload)
		}
	}
}

func (h *Hub) handleBusMessage(channel, payload string) {
	ev, err := models.NormalizeEvent([]byte(payload))
	if err != nil {
		h.logger.Error("Failed to normalize bus event", "channel", channel, "error", err)
		return
	}

	// The channel suffix is authoritative for routing; the embedded topic
	// should match it, but a publisher bug must not misroute events.
	topic := strings.TrimPrefix(channel, busChannelPrefix)
	if ev.Topic != topic {
		ev.Topic = topic
	}

	h.Dispatch(ev)
}
