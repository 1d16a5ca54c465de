package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrisync/config"
	"agrisync/models"
	"agrisync/utils"
)

func testConfig() *config.Config {
	return &config.Config{
		EchoWindow:        2000 * time.Millisecond,
		MutationTimeout:   5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// fakeSource delivers events synchronously to registered subscriptions.
type fakeSource struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: make(map[string][]*Subscription)}
}

func (f *fakeSource) Subscribe(topic string, filter EventFilter, fn EventHandler) (*Subscription, error) {
	sub := newSubscription(filter, fn, func() {})
	f.mu.Lock()
	f.subs[topic] = append(f.subs[topic], sub)
	f.mu.Unlock()
	return sub, nil
}

func (f *fakeSource) emit(ev models.ChangeEvent) {
	f.mu.Lock()
	subs := append([]*Subscription(nil), f.subs[ev.Topic]...)
	f.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(ev)
	}
}

type fakeFeedAPI struct {
	mu        sync.Mutex
	posts     []*models.Post
	reactions []*models.Reaction
	saved     []*models.SavedPost

	toggleReaction func(postID string, kind models.ReactionKind) (*models.ToggleResponse, error)
	toggleSave     func(postID string) (*models.ToggleResponse, error)
}

func (f *fakeFeedAPI) FetchFeed(ctx context.Context, q FeedQuery) ([]*models.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Post(nil), f.posts...), nil
}

func (f *fakeFeedAPI) FetchMyReactions(ctx context.Context) ([]*models.Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Reaction(nil), f.reactions...), nil
}

func (f *fakeFeedAPI) FetchSaved(ctx context.Context) ([]*models.SavedPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.SavedPost(nil), f.saved...), nil
}

func (f *fakeFeedAPI) ToggleReaction(ctx context.Context, postID string, kind models.ReactionKind) (*models.ToggleResponse, error) {
	return f.toggleReaction(postID, kind)
}

func (f *fakeFeedAPI) ToggleSave(ctx context.Context, postID string) (*models.ToggleResponse, error) {
	return f.toggleSave(postID)
}

func startFeed(t *testing.T, api *fakeFeedAPI, source *fakeSource) *FeedSynchronizer {
	t.Helper()
	s := NewFeedSynchronizer("me", api, source, testConfig(), utils.NewTestLogger())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func TestToggleReactionOptimisticThenEchoSuppressed(t *testing.T) {
	post := newPost("maize blight remedy")
	post.ReactionCounts = models.ReactionCounts{models.ReactionHelpful: 3}

	release := make(chan struct{})
	api := &fakeFeedAPI{posts: []*models.Post{post}}
	api.toggleReaction = func(postID string, kind models.ReactionKind) (*models.ToggleResponse, error) {
		<-release
		confirmed := *post
		confirmed.ReactionCounts = models.ReactionCounts{models.ReactionHelpful: 4}
		return &models.ToggleResponse{Active: true, Post: &confirmed}, nil
	}

	source := newFakeSource()
	s := startFeed(t, api, source)

	done := make(chan error, 1)
	go func() {
		done <- s.ToggleReaction(context.Background(), post.EntityID(), models.ReactionHelpful)
	}()

	// The count is visible immediately, before the backend responds.
	assert.Eventually(t, func() bool {
		p, ok := s.store.Get(post.EntityID())
		return ok && p.ReactionCounts[models.ReactionHelpful] == 4
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-done)

	// The realtime echo arrives within the window and is suppressed.
	source.emit(models.NewChangeEvent(models.EventInsert, models.EntityReaction, models.FeedTopic(),
		&models.Reaction{ID: uuid.New(), PostID: post.ID, UserID: "me", Kind: models.ReactionHelpful}, nil))

	p, ok := s.store.Get(post.EntityID())
	require.True(t, ok)
	assert.Equal(t, 4, p.ReactionCounts[models.ReactionHelpful], "echo must not double-count")
	assert.True(t, s.Reacted(post.EntityID(), models.ReactionHelpful))
}

func TestToggleReactionAppliesForeignEvents(t *testing.T) {
	post := newPost("irrigation timing")
	post.ReactionCounts = models.ReactionCounts{models.ReactionTried: 1}

	api := &fakeFeedAPI{posts: []*models.Post{post}}
	source := newFakeSource()
	s := startFeed(t, api, source)

	// Someone else's reaction: no marker, applied as a delta.
	source.emit(models.NewChangeEvent(models.EventInsert, models.EntityReaction, models.FeedTopic(),
		&models.Reaction{ID: uuid.New(), PostID: post.ID, UserID: "other", Kind: models.ReactionTried}, nil))

	p, ok := s.store.Get(post.EntityID())
	require.True(t, ok)
	assert.Equal(t, 2, p.ReactionCounts[models.ReactionTried])
	assert.False(t, s.Reacted(post.EntityID(), models.ReactionTried))
}

func TestToggleReactionTwiceRestoresOriginalState(t *testing.T) {
	post := newPost("compost ratios")
	post.ReactionCounts = models.ReactionCounts{models.ReactionNewIdea: 7}

	active := false
	api := &fakeFeedAPI{posts: []*models.Post{post}}
	api.toggleReaction = func(postID string, kind models.ReactionKind) (*models.ToggleResponse, error) {
		active = !active
		return &models.ToggleResponse{Active: active}, nil
	}

	s := startFeed(t, api, newFakeSource())

	require.NoError(t, s.ToggleReaction(context.Background(), post.EntityID(), models.ReactionNewIdea))
	require.NoError(t, s.ToggleReaction(context.Background(), post.EntityID(), models.ReactionNewIdea))

	p, ok := s.store.Get(post.EntityID())
	require.True(t, ok)
	assert.Equal(t, 7, p.ReactionCounts[models.ReactionNewIdea])
	assert.False(t, s.Reacted(post.EntityID(), models.ReactionNewIdea))
}

func TestToggleReactionRevertsToSnapshotOnFailure(t *testing.T) {
	post := newPost("failed toggle")
	post.ReactionCounts = models.ReactionCounts{models.ReactionHelpful: 3}

	api := &fakeFeedAPI{posts: []*models.Post{post}}
	api.toggleReaction = func(postID string, kind models.ReactionKind) (*models.ToggleResponse, error) {
		return nil, errors.New("network down")
	}

	s := startFeed(t, api, newFakeSource())

	err := s.ToggleReaction(context.Background(), post.EntityID(), models.ReactionHelpful)
	require.Error(t, err)

	p, ok := s.store.Get(post.EntityID())
	require.True(t, ok)
	assert.Equal(t, 3, p.ReactionCounts[models.ReactionHelpful])
	assert.False(t, s.Reacted(post.EntityID(), models.ReactionHelpful))
	assert.Error(t, s.Err(), "the failure must surface on the error state")

	// The discarded marker means a later foreign event still applies.
	assert.False(t, s.echo.TryConsume(reactionKey(post.EntityID(), models.ReactionHelpful), "insert"))
}

func TestTwoSessionSaveRaceConverges(t *testing.T) {
	post := newPost("save me")

	api := &fakeFeedAPI{posts: []*models.Post{post}}
	api.toggleSave = func(postID string) (*models.ToggleResponse, error) {
		return &models.ToggleResponse{Active: true}, nil
	}

	source := newFakeSource()
	s := startFeed(t, api, source)

	require.NoError(t, s.ToggleSave(context.Background(), post.EntityID()))
	assert.True(t, s.Saved(post.EntityID()))

	saved := &models.SavedPost{ID: uuid.New(), PostID: post.ID, UserID: "me"}

	// Our own echo: suppressed, state unchanged.
	source.emit(models.NewChangeEvent(models.EventInsert, models.EntitySavedPost, models.UserTopic("me"), saved, nil))
	assert.True(t, s.Saved(post.EntityID()))

	// The other session's toggle landed last on the backend: its delete
	// event has no marker here and wins.
	source.emit(models.NewChangeEvent(models.EventDelete, models.EntitySavedPost, models.UserTopic("me"), nil, saved))
	assert.False(t, s.Saved(post.EntityID()))
}

func TestPostEventsProjectIntoFeed(t *testing.T) {
	api := &fakeFeedAPI{}
	source := newFakeSource()
	s := startFeed(t, api, source)

	p := newPost("fresh from realtime")
	source.emit(models.NewChangeEvent(models.EventInsert, models.EntityPost, models.FeedTopic(), p, nil))
	assert.Equal(t, 1, len(s.Items(nil)))

	edited := *p
	edited.Title = "edited elsewhere"
	source.emit(models.NewChangeEvent(models.EventUpdate, models.EntityPost, models.FeedTopic(), &edited, nil))
	got, ok := s.store.Get(p.EntityID())
	require.True(t, ok)
	assert.Equal(t, "edited elsewhere", got.Title)

	source.emit(models.NewChangeEvent(models.EventDelete, models.EntityPost, models.FeedTopic(), p, nil))
	assert.Equal(t, 0, len(s.Items(nil)))
}

type fakeExpertAPI struct {
	experts []*models.Expert
	follows []*models.Follow

	toggleFollow func(expertID string) (*models.FollowResponse, error)
}

func (f *fakeExpertAPI) FetchExperts(ctx context.Context) ([]*models.Expert, error) {
	return append([]*models.Expert(nil), f.experts...), nil
}

func (f *fakeExpertAPI) FetchFollowing(ctx context.Context) ([]*models.Follow, error) {
	return append([]*models.Follow(nil), f.follows...), nil
}

func (f *fakeExpertAPI) ToggleFollow(ctx context.Context, expertID string) (*models.FollowResponse, error) {
	return f.toggleFollow(expertID)
}

func TestToggleFollowRevertsOnFailure(t *testing.T) {
	expert := &models.Expert{UserID: "agronomist-1", Name: "Dr. Okoye", Followers: 10}

	api := &fakeExpertAPI{experts: []*models.Expert{expert}}
	api.toggleFollow = func(expertID string) (*models.FollowResponse, error) {
		return nil, errors.New("mutation rejected")
	}

	s := NewExpertSynchronizer("me", api, newFakeSource(), testConfig(), utils.NewTestLogger())
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	err := s.ToggleFollow(context.Background(), expert.UserID)
	require.Error(t, err)

	got, ok := s.store.Get(expert.UserID)
	require.True(t, ok)
	assert.Equal(t, 10, got.Followers)
	assert.False(t, s.Following(expert.UserID))
}

func TestToggleFollowEchoSuppressedButForeignApplied(t *testing.T) {
	expert := &models.Expert{UserID: "agronomist-1", Name: "Dr. Okoye", Followers: 10}

	api := &fakeExpertAPI{experts: []*models.Expert{expert}}
	api.toggleFollow = func(expertID string) (*models.FollowResponse, error) {
		confirmed := *expert
		confirmed.Followers = 11
		return &models.FollowResponse{Following: true, Expert: &confirmed}, nil
	}

	source := newFakeSource()
	s := NewExpertSynchronizer("me", api, source, testConfig(), utils.NewTestLogger())
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.NoError(t, s.ToggleFollow(context.Background(), expert.UserID))

	// The echoed edge event is suppressed: still 11, not 12.
	source.emit(models.NewChangeEvent(models.EventInsert, models.EntityFollow, models.ExpertsTopic(),
		&models.Follow{ID: uuid.New(), FollowerID: "me", ExpertID: expert.UserID}, nil))
	got, _ := s.store.Get(expert.UserID)
	assert.Equal(t, 11, got.Followers)

	// A different follower's edge applies normally.
	source.emit(models.NewChangeEvent(models.EventInsert, models.EntityFollow, models.ExpertsTopic(),
		&models.Follow{ID: uuid.New(), FollowerID: "someone-else", ExpertID: expert.UserID}, nil))
	got, _ = s.store.Get(expert.UserID)
	assert.Equal(t, 12, got.Followers)
	assert.True(t, s.Following(expert.UserID))
}

type fakeNotificationAPI struct {
	items    []*models.Notification
	markRead func(id string) (*models.Notification, error)
}

func (f *fakeNotificationAPI) FetchNotifications(ctx context.Context) ([]*models.Notification, error) {
	return append([]*models.Notification(nil), f.items...), nil
}

func (f *fakeNotificationAPI) MarkNotificationRead(ctx context.Context, id string) (*models.Notification, error) {
	return f.markRead(id)
}

func TestMarkReadOptimisticWithRevert(t *testing.T) {
	n := &models.Notification{ID: uuid.New(), UserID: "me", ActorID: "other", Kind: models.NotificationFollow}

	api := &fakeNotificationAPI{items: []*models.Notification{n}}
	api.markRead = func(id string) (*models.Notification, error) {
		return nil, errors.New("timeout")
	}

	s := NewNotificationSynchronizer("me", api, newFakeSource(), testConfig(), utils.NewTestLogger())
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	assert.Equal(t, 1, s.Unread())

	err := s.MarkRead(context.Background(), n.EntityID())
	require.Error(t, err)
	assert.Equal(t, 1, s.Unread(), "failed mark-read must revert the flag")

	// Now let the backend succeed.
	api.markRead = func(id string) (*models.Notification, error) {
		confirmed := *n
		confirmed.Read = true
		return &confirmed, nil
	}
	require.NoError(t, s.MarkRead(context.Background(), n.EntityID()))
	assert.Equal(t, 0, s.Unread())
}
