package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agrisync/config"
	"agrisync/models"
	"agrisync/utils"
)

// syncState is the loading/error surface every synchronizer exposes to its
// consumer. Errors are surfaced here, never as panics; a consumer clears
// them by retrying the action or refreshing.
type syncState struct {
	mu      sync.Mutex
	loading bool
	err     error
}

func (s *syncState) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *syncState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *syncState) setLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
}

func (s *syncState) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// FeedAPI is the slice of the backend API the feed synchronizer needs.
type FeedAPI interface {
	FetchFeed(ctx context.Context, q FeedQuery) ([]*models.Post, error)
	FetchMyReactions(ctx context.Context) ([]*models.Reaction, error)
	FetchSaved(ctx context.Context) ([]*models.SavedPost, error)
	ToggleReaction(ctx context.Context, postID string, kind models.ReactionKind) (*models.ToggleResponse, error)
	ToggleSave(ctx context.Context, postID string) (*models.ToggleResponse, error)
}

// FeedSynchronizer keeps the post feed consistent across sessions: realtime
// post and reaction events flow in through the source, user toggles apply
// optimistically and reconcile against the echoed authoritative events.
type FeedSynchronizer struct {
	syncState

	userID  string
	api     FeedAPI
	source  Source
	store   *Store[*models.Post]
	echo    *EchoWindow
	timeout time.Duration
	logger  *utils.Logger

	mu      sync.Mutex
	reacted map[string]bool // postID:kind -> current user reacted
	saved   map[string]bool // postID -> current user saved

	subs []*Subscription
}

func NewFeedSynchronizer(userID string, api FeedAPI, source Source, cfg *config.Config, logger *utils.Logger) *FeedSynchronizer {
	return &FeedSynchronizer{
		userID:  userID,
		api:     api,
		source:  source,
		store:   NewStore[*models.Post](),
		echo:    NewEchoWindow(cfg.EchoWindow),
		timeout: cfg.MutationTimeout,
		logger:  logger,
		reacted: make(map[string]bool),
		saved:   make(map[string]bool),
	}
}

// Start subscribes to the feed topic (posts, reactions) and the user topic
// (saved posts), then performs the initial fetch.
func (s *FeedSynchronizer) Start(ctx context.Context) error {
	feedSub, err := s.source.Subscribe(models.FeedTopic(), nil, s.onFeedEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to feed: %w", err)
	}
	s.subs = append(s.subs, feedSub)

	userSub, err := s.source.Subscribe(models.UserTopic(s.userID), func(ev models.ChangeEvent) bool {
		return ev.Entity == models.EntitySavedPost
	}, s.onSavedEvent)
	if err != nil {
		feedSub.Unsubscribe()
		return fmt.Errorf("failed to subscribe to user stream: %w", err)
	}
	s.subs = append(s.subs, userSub)

	return s.Refresh(ctx)
}

// Close tears down all subscriptions. Idempotent.
func (s *FeedSynchronizer) Close() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
}

// Items returns the current feed view, optionally filtered by crop/tag.
func (s *FeedSynchronizer) Items(filter func(*models.Post) bool) []*models.Post {
	return s.store.List(filter)
}

// Subscribe registers a change callback on the projection.
func (s *FeedSynchronizer) Subscribe(fn func()) func() {
	return s.store.Subscribe(fn)
}

// Reacted reports whether the current user has an active reaction of the
// given kind on the post, per local knowledge.
func (s *FeedSynchronizer) Reacted(postID string, kind models.ReactionKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reacted[reactionKey(postID, kind)]
}

// Saved reports whether the current user has the post bookmarked.
func (s *FeedSynchronizer) Saved(postID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[postID]
}

// Refresh re-fetches authoritative state, replacing the projection. This is
// the reconciliation path after a realtime gap.
func (s *FeedSynchronizer) Refresh(ctx context.Context) error {
	s.setLoading(true)
	defer s.setLoading(false)

	posts, err := s.api.FetchFeed(ctx, FeedQuery{})
	if err != nil {
		s.setErr(err)
		return err
	}

	reactions, err := s.api.FetchMyReactions(ctx)
	if err != nil {
		s.setErr(err)
		return err
	}
	savedPosts, err := s.api.FetchSaved(ctx)
	if err != nil {
		s.setErr(err)
		return err
	}

	s.mu.Lock()
	s.reacted = make(map[string]bool, len(reactions))
	for _, r := range reactions {
		s.reacted[reactionKey(r.PostID.String(), r.Kind)] = true
	}
	s.saved = make(map[string]bool, len(savedPosts))
	for _, sp := range savedPosts {
		s.saved[sp.PostID.String()] = true
	}
	s.mu.Unlock()

	s.store.Replace(posts)
	s.setErr(nil)
	return nil
}

// LoadMore appends the next page of the feed without disturbing realtime
// entries already at the head.
func (s *FeedSynchronizer) LoadMore(ctx context.Context, q FeedQuery) error {
	posts, err := s.api.FetchFeed(ctx, q)
	if err != nil {
		s.setErr(err)
		return err
	}
	for _, p := range posts {
		s.store.Append(p)
	}
	s.setErr(nil)
	return nil
}

// ToggleReaction flips the current user's reaction of the given kind on a
// post. The count changes immediately; the request runs under a deadline
// and reverts the captured pre-mutation snapshot on failure.
func (s *FeedSynchronizer) ToggleReaction(ctx context.Context, postID string, kind models.ReactionKind) error {
	if !models.ValidReactionKind(kind) {
		return fmt.Errorf("invalid reaction kind: %q", kind)
	}

	post, ok := s.store.Get(postID)
	if !ok {
		return fmt.Errorf("unknown post: %s", postID)
	}

	key := reactionKey(postID, kind)

	s.mu.Lock()
	wasReacted := s.reacted[key]
	s.reacted[key] = !wasReacted
	s.mu.Unlock()

	// Capture the pre-mutation snapshot so the revert is deterministic even
	// if other mutations interleave before the failure lands.
	snapshot := post.ReactionCounts.Clone()

	updated := clonePost(post)
	if updated.ReactionCounts == nil {
		updated.ReactionCounts = make(models.ReactionCounts)
	}
	expected := string(models.EventInsert)
	if wasReacted {
		expected = string(models.EventDelete)
		if updated.ReactionCounts[kind] > 0 {
			updated.ReactionCounts[kind]--
		}
	} else {
		updated.ReactionCounts[kind]++
	}
	s.store.Upsert(updated)
	s.echo.Mark(key, expected)

	mctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.api.ToggleReaction(mctx, postID, kind)
	if err != nil {
		s.echo.Discard(key)
		s.mu.Lock()
		s.reacted[key] = wasReacted
		s.mu.Unlock()
		if cur, ok := s.store.Get(postID); ok {
			reverted := clonePost(cur)
			reverted.ReactionCounts = snapshot.Clone()
			s.store.Upsert(reverted)
		}
		s.setErr(err)
		return err
	}

	// Reconcile with the authoritative response. The echo marker stays in
	// place so the corroborating realtime event is not applied twice.
	s.mu.Lock()
	s.reacted[key] = resp.Active
	s.mu.Unlock()
	if resp.Post != nil {
		s.store.Upsert(resp.Post)
	}
	s.setErr(nil)
	return nil
}

// ToggleSave flips the current user's bookmark on a post.
func (s *FeedSynchronizer) ToggleSave(ctx context.Context, postID string) error {
	key := saveKey(postID)

	s.mu.Lock()
	wasSaved := s.saved[postID]
	s.saved[postID] = !wasSaved
	s.mu.Unlock()

	expected := string(models.EventInsert)
	if wasSaved {
		expected = string(models.EventDelete)
	}
	s.echo.Mark(key, expected)

	mctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.api.ToggleSave(mctx, postID)
	if err != nil {
		s.echo.Discard(key)
		s.mu.Lock()
		s.saved[postID] = wasSaved
		s.mu.Unlock()
		s.setErr(err)
		return err
	}

	s.mu.Lock()
	s.saved[postID] = resp.Active
	s.mu.Unlock()
	s.setErr(nil)
	return nil
}

func (s *FeedSynchronizer) onFeedEvent(ev models.ChangeEvent) {
	switch ev.Entity {
	case models.EntityPost:
		s.applyPostEvent(ev)
	case models.EntityReaction:
		s.applyReactionEvent(ev)
	}
}

func (s *FeedSynchronizer) applyPostEvent(ev models.ChangeEvent) {
	post := ev.Post()
	switch ev.Kind {
	case models.EventInsert, models.EventUpdate:
		if post != nil {
			s.store.Upsert(post)
		}
	case models.EventDelete:
		if post != nil {
			s.store.Remove(post.EntityID())
		}
	}
}

func (s *FeedSynchronizer) applyReactionEvent(ev models.ChangeEvent) {
	r := ev.Reaction()
	if r == nil {
		r = ev.OldReaction()
	}
	if r == nil {
		return
	}

	key := reactionKey(r.PostID.String(), r.Kind)

	// Our own echo: the optimistic update already applied this change.
	if r.UserID == s.userID && s.echo.TryConsume(key, string(ev.Kind)) {
		return
	}

	post, ok := s.store.Get(r.PostID.String())
	if !ok {
		return
	}

	updated := clonePost(post)
	if updated.ReactionCounts == nil {
		updated.ReactionCounts = make(models.ReactionCounts)
	}
	switch ev.Kind {
	case models.EventInsert:
		updated.ReactionCounts[r.Kind]++
	case models.EventDelete:
		if updated.ReactionCounts[r.Kind] > 0 {
			updated.ReactionCounts[r.Kind]--
		}
	default:
		return
	}
	s.store.Upsert(updated)

	// An unsuppressed event from our own user came from another session of
	// the same account; adopt its membership change.
	if r.UserID == s.userID {
		s.mu.Lock()
		s.reacted[key] = ev.Kind == models.EventInsert
		s.mu.Unlock()
	}
}

func (s *FeedSynchronizer) onSavedEvent(ev models.ChangeEvent) {
	sp := ev.SavedPost()
	if sp == nil {
		sp = ev.OldSavedPost()
	}
	if sp == nil {
		return
	}

	postID := sp.PostID.String()
	key := saveKey(postID)

	if s.echo.TryConsume(key, string(ev.Kind)) {
		return
	}

	// Another session of this user toggled the bookmark.
	s.mu.Lock()
	s.saved[postID] = ev.Kind == models.EventInsert
	s.mu.Unlock()
}

func reactionKey(postID string, kind models.ReactionKind) string {
	return "reaction:" + postID + ":" + string(kind)
}

func saveKey(postID string) string {
	return "save:" + postID
}

func clonePost(p *models.Post) *models.Post {
	cp := *p
	cp.ReactionCounts = p.ReactionCounts.Clone()
	cp.Tags = append(models.StringList(nil), p.Tags...)
	return &cp
}
