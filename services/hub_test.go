package services

import (
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrisync/metrics"
	"agrisync/models"
	"agrisync/utils"
)

func newTestHub() (*Hub, *metrics.Metrics) {
	m := metrics.NewForRegistry(prometheus.NewRegistry())
	return NewHub(nil, utils.NewTestLogger(), m), m
}

func feedPostEvent(title string) models.ChangeEvent {
	return models.NewChangeEvent(models.EventInsert, models.EntityPost, models.FeedTopic(),
		&models.Post{ID: uuid.New(), AuthorID: "farmer-1", Title: title}, nil)
}

func TestHubDispatchRoutesByTopic(t *testing.T) {
	hub, _ := newTestHub()
	defer hub.Stop()

	feed := NewSubscriber(4)
	feed.AddTopic(models.FeedTopic())
	experts := NewSubscriber(4)
	experts.AddTopic(models.ExpertsTopic())

	hub.Register(feed)
	hub.Register(experts)

	hub.Dispatch(feedPostEvent("routing"))

	require.Len(t, feed.Send, 1)
	assert.Len(t, experts.Send, 0)

	ev := <-feed.Send
	assert.Equal(t, models.FeedTopic(), ev.Topic)
	assert.Equal(t, "routing", ev.Post().Title)
}

func TestHubDispatchDropsForSlowSubscriber(t *testing.T) {
	hub, m := newTestHub()
	defer hub.Stop()

	slow := NewSubscriber(1)
	slow.AddTopic(models.FeedTopic())
	hub.Register(slow)

	hub.Dispatch(feedPostEvent("first"))
	hub.Dispatch(feedPostEvent("second"))

	assert.Len(t, slow.Send, 1, "the full buffer drops the second event")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsDropped))

	// The drop only skips the stalled client; later events flow once the
	// buffer has room again.
	<-slow.Send
	hub.Dispatch(feedPostEvent("third"))
	ev := <-slow.Send
	assert.Equal(t, "third", ev.Post().Title)
}

func TestHubRegisterUnregisterIdempotent(t *testing.T) {
	hub, m := newTestHub()
	defer hub.Stop()

	sub := NewSubscriber(4)
	hub.Register(sub)
	hub.Register(sub)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Subscribers))

	hub.Unregister(sub)
	hub.Unregister(sub)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Subscribers))

	_, open := <-sub.Send
	assert.False(t, open, "unregister closes the delivery channel")
}

func TestHubUnregisteredSubscriberGetsNothing(t *testing.T) {
	hub, _ := newTestHub()
	defer hub.Stop()

	sub := NewSubscriber(4)
	sub.AddTopic(models.FeedTopic())
	hub.Register(sub)
	hub.Unregister(sub)

	hub.Dispatch(feedPostEvent("ghost"))

	_, open := <-sub.Send
	assert.False(t, open)
}

func TestHubBusMessageRoutingTrustsChannelSuffix(t *testing.T) {
	hub, _ := newTestHub()
	defer hub.Stop()

	sub := NewSubscriber(4)
	sub.AddTopic(models.ExpertsTopic())
	hub.Register(sub)

	// The embedded topic disagrees with the channel it arrived on; the
	// channel wins.
	ev := feedPostEvent("misrouted")
	payload, err := ev.Marshal()
	require.NoError(t, err)

	hub.handleBusMessage(busChannelPrefix+models.ExpertsTopic(), string(payload))

	require.Len(t, sub.Send, 1)
	got := <-sub.Send
	assert.Equal(t, models.ExpertsTopic(), got.Topic)
}

func TestHubBusMessageRejectsMalformedPayload(t *testing.T) {
	hub, _ := newTestHub()
	defer hub.Stop()

	sub := NewSubscriber(4)
	sub.AddTopic(models.FeedTopic())
	hub.Register(sub)

	hub.handleBusMessage(busChannelPrefix+models.FeedTopic(), "{not json")
	assert.Len(t, sub.Send, 0)
}

func TestSubscriberTopicManagement(t *testing.T) {
	sub := NewSubscriber(4)

	sub.AddTopic(models.FeedTopic())
	sub.AddTopic(models.PresenceTopic())
	assert.True(t, sub.wants(models.FeedTopic()))
	assert.True(t, sub.wants(models.PresenceTopic()))

	sub.RemoveTopic(models.FeedTopic())
	assert.False(t, sub.wants(models.FeedTopic()))

	sub.close()
	assert.False(t, sub.wants(models.PresenceTopic()), "a closed subscriber wants nothing")
}
