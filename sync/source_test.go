package sync

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrisync/models"
)

func TestSubscriptionUnsubscribeIsIdempotent(t *testing.T) {
	var stops int32
	sub := newSubscription(nil, func(models.ChangeEvent) {}, func() {
		atomic.AddInt32(&stops, 1)
	})

	require.True(t, sub.Alive())

	sub.Unsubscribe()
	sub.Unsubscribe()
	sub.Unsubscribe()

	assert.False(t, sub.Alive())
	assert.Equal(t, int32(1), atomic.LoadInt32(&stops), "teardown must run exactly once")
}

func TestSubscriptionNoDeliveryAfterUnsubscribe(t *testing.T) {
	var delivered int32
	sub := newSubscription(nil, func(models.ChangeEvent) {
		atomic.AddInt32(&delivered, 1)
	}, func() {})

	ev := models.NewChangeEvent(models.EventInsert, models.EntityPost, models.FeedTopic(), newPost("x"), nil)

	sub.deliver(ev)
	sub.Unsubscribe()
	sub.deliver(ev)
	sub.deliver(ev)

	assert.Equal(t, int32(1), atomic.LoadInt32(&delivered))
}

func TestSubscriptionFilterRejectsEvents(t *testing.T) {
	var delivered int32
	sub := newSubscription(func(ev models.ChangeEvent) bool {
		return ev.Entity == models.EntityNotification
	}, func(models.ChangeEvent) {
		atomic.AddInt32(&delivered, 1)
	}, func() {})

	sub.deliver(models.NewChangeEvent(models.EventInsert, models.EntityPost, models.FeedTopic(), newPost("x"), nil))
	assert.Equal(t, int32(0), atomic.LoadInt32(&delivered))
}

func TestSubscriptionConcurrentUnsubscribeAndDeliver(t *testing.T) {
	sub := newSubscription(nil, func(models.ChangeEvent) {}, func() {})
	ev := models.NewChangeEvent(models.EventInsert, models.EntityPost, models.FeedTopic(), newPost("x"), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub.deliver(ev)
		}()
		go func() {
			defer wg.Done()
			sub.Unsubscribe()
		}()
	}
	wg.Wait()
	assert.False(t, sub.Alive())
}
