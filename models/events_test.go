package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEventDecodesTypedPayload(t *testing.T) {
	raw := []byte(`{
		"event_type": "insert",
		"entity": "post",
		"topic": "feed",
		"new": {"id": "7b5e2c2a-1f4e-4a5e-9a5e-0c9d1e2f3a4b", "author_id": "farmer-1", "title": "Leaf curl on tomatoes"}
	}`)

	ev, err := NormalizeEvent(raw)
	require.NoError(t, err)

	assert.Equal(t, EventInsert, ev.Kind)
	assert.Equal(t, EntityPost, ev.Entity)
	assert.Equal(t, FeedTopic(), ev.Topic)

	post := ev.Post()
	require.NotNil(t, post)
	assert.Equal(t, "Leaf curl on tomatoes", post.Title)
	assert.Equal(t, "farmer-1", post.AuthorID)

	// The wrong-entity accessors stay nil rather than panicking.
	assert.Nil(t, ev.Reaction())
	assert.Nil(t, ev.Notification())
}

func TestNormalizeEventCarriesDeletePreImage(t *testing.T) {
	raw := []byte(`{
		"event_type": "delete",
		"entity": "reaction",
		"topic": "feed",
		"old": {"id": "7b5e2c2a-1f4e-4a5e-9a5e-0c9d1e2f3a4b", "post_id": "0a1b2c3d-4e5f-6a7b-8c9d-0e1f2a3b4c5d", "user_id": "farmer-2", "kind": "helpful"}
	}`)

	ev, err := NormalizeEvent(raw)
	require.NoError(t, err)

	assert.Nil(t, ev.Reaction())
	old := ev.OldReaction()
	require.NotNil(t, old)
	assert.Equal(t, "farmer-2", old.UserID)
	assert.Equal(t, ReactionHelpful, old.Kind)
}

func TestNormalizeEventRejectsUnknownEntity(t *testing.T) {
	raw := []byte(`{"event_type": "insert", "entity": "tractor", "topic": "feed", "new": {}}`)

	_, err := NormalizeEvent(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown entity type")
}

func TestNormalizeEventRejectsUnknownEventType(t *testing.T) {
	raw := []byte(`{"event_type": "truncate", "entity": "post", "topic": "feed"}`)

	_, err := NormalizeEvent(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

func TestNormalizeEventRejectsMalformedJSON(t *testing.T) {
	_, err := NormalizeEvent([]byte(`{"event_type":`))
	require.Error(t, err)
}

func TestMarshalNormalizeRoundTrip(t *testing.T) {
	follow := &Follow{
		ID:         uuid.New(),
		FollowerID: "farmer-1",
		ExpertID:   "agronomist-1",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}

	ev := NewChangeEvent(EventDelete, EntityFollow, ExpertsTopic(), nil, follow)

	data, err := ev.Marshal()
	require.NoError(t, err)

	got, err := NormalizeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, EventDelete, got.Kind)
	assert.Nil(t, got.Follow())

	old := got.OldFollow()
	require.NotNil(t, old)
	assert.Equal(t, follow.FollowerID, old.FollowerID)
	assert.Equal(t, follow.ExpertID, old.ExpertID)
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "feed", FeedTopic())
	assert.Equal(t, "post:abc", PostTopic("abc"))
	assert.Equal(t, "user:farmer-1", UserTopic("farmer-1"))
	assert.Equal(t, "experts", ExpertsTopic())
	assert.Equal(t, "presence", PresenceTopic())
}

func TestReactionCountsCloneIsIndependent(t *testing.T) {
	counts := ReactionCounts{ReactionHelpful: 3, ReactionTried: 1}
	clone := counts.Clone()

	clone[ReactionHelpful] = 99
	assert.Equal(t, 3, counts[ReactionHelpful])

	var nilCounts ReactionCounts
	assert.NotNil(t, nilCounts.Clone(), "cloning nil counts yields a usable map")
}
