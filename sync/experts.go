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

// ExpertAPI is the slice of the backend API the expert synchronizer needs.
type ExpertAPI interface {
	FetchExperts(ctx context.Context) ([]*models.Expert, error)
	FetchFollowing(ctx context.Context) ([]*models.Follow, error)
	ToggleFollow(ctx context.Context, expertID string) (*models.FollowResponse, error)
}

// ExpertSynchronizer projects the expert directory with live follower
// counts. The follower aggregate is the classic double-count hazard: the
// optimistic increment and the echoed follow event would both bump it
// without the echo window.
type ExpertSynchronizer struct {
	syncState

	userID  string
	api     ExpertAPI
	source  Source
	store   *Store[*models.Expert]
	echo    *EchoWindow
	timeout time.Duration
	logger  *utils.Logger

	mu        sync.Mutex
	following map[string]bool // expertID -> current user follows

	sub *Subscription
}

func NewExpertSynchronizer(userID string, api ExpertAPI, source Source, cfg *config.Config, logger *utils.Logger) *ExpertSynchronizer {
	return &ExpertSynchronizer{
		userID:    userID,
		api:       api,
		source:    source,
		store:     NewStore[*models.Expert](),
		echo:      NewEchoWindow(cfg.EchoWindow),
		timeout:   cfg.MutationTimeout,
		logger:    logger,
		following: make(map[string]bool),
	}
}

func (s *ExpertSynchronizer) Start(ctx context.Context) error {
	sub, err := s.source.Subscribe(models.ExpertsTopic(), nil, s.onEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to experts: %w", err)
	}
	s.sub = sub
	return s.Refresh(ctx)
}

func (s *ExpertSynchronizer) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
}

func (s *ExpertSynchronizer) Items(filter func(*models.Expert) bool) []*models.Expert {
	return s.store.List(filter)
}

func (s *ExpertSynchronizer) Subscribe(fn func()) func() {
	return s.store.Subscribe(fn)
}

// Following reports whether the current user follows the expert.
func (s *ExpertSynchronizer) Following(expertID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.following[expertID]
}

func (s *ExpertSynchronizer) Refresh(ctx context.Context) error {
	s.setLoading(true)
	defer s.setLoading(false)

	experts, err := s.api.FetchExperts(ctx)
	if err != nil {
		s.setErr(err)
		return err
	}
	follows, err := s.api.FetchFollowing(ctx)
	if err != nil {
		s.setErr(err)
		return err
	}

	s.mu.Lock()
	s.following = make(map[string]bool, len(follows))
	for _, f := range follows {
		s.following[f.ExpertID] = true
	}
	s.mu.Unlock()

	s.store.Replace(experts)
	s.setErr(nil)
	return nil
}

// ToggleFollow flips the current user's follow edge to the expert, adjusting
// the follower aggregate optimistically. On request failure both the edge
// and the captured count snapshot are restored.
func (s *ExpertSynchronizer) ToggleFollow(ctx context.Context, expertID string) error {
	expert, ok := s.store.Get(expertID)
	if !ok {
		return fmt.Errorf("unknown expert: %s", expertID)
	}

	key := followKey(expertID)

	s.mu.Lock()
	wasFollowing := s.following[expertID]
	s.following[expertID] = !wasFollowing
	s.mu.Unlock()

	snapshot := expert.Followers

	updated := *expert
	expected := string(models.EventInsert)
	if wasFollowing {
		expected = string(models.EventDelete)
		if updated.Followers > 0 {
			updated.Followers--
		}
	} else {
		updated.Followers++
	}
	s.store.Upsert(&updated)
	s.echo.Mark(key, expected)

	mctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.api.ToggleFollow(mctx, expertID)
	if err != nil {
		s.echo.Discard(key)
		s.mu.Lock()
		s.following[expertID] = wasFollowing
		s.mu.Unlock()
		if cur, ok := s.store.Get(expertID); ok {
			reverted := *cur
			reverted.Followers = snapshot
			s.store.Upsert(&reverted)
		}
		s.setErr(err)
		return err
	}

	s.mu.Lock()
	s.following[expertID] = resp.Following
	s.mu.Unlock()
	if resp.Expert != nil {
		s.store.Upsert(resp.Expert)
	}
	s.setErr(nil)
	return nil
}

func (s *ExpertSynchronizer) onEvent(ev models.ChangeEvent) {
	switch ev.Entity {
	case models.EntityExpert:
		s.applyExpertEvent(ev)
	case models.EntityFollow:
		s.applyFollowEvent(ev)
	}
}

func (s *ExpertSynchronizer) applyExpertEvent(ev models.ChangeEvent) {
	expert := ev.Expert()
	if expert == nil {
		return
	}
	switch ev.Kind {
	case models.EventInsert, models.EventUpdate:
		s.store.Upsert(expert)
	case models.EventDelete:
		s.store.Remove(expert.EntityID())
	}
}

func (s *ExpertSynchronizer) applyFollowEvent(ev models.ChangeEvent) {
	f := ev.Follow()
	if f == nil {
		f = ev.OldFollow()
	}
	if f == nil {
		return
	}

	key := followKey(f.ExpertID)

	// Our own echo: the follower count was already adjusted optimistically.
	if f.FollowerID == s.userID && s.echo.TryConsume(key, string(ev.Kind)) {
		return
	}

	expert, ok := s.store.Get(f.ExpertID)
	if !ok {
		return
	}

	updated := *expert
	switch ev.Kind {
	case models.EventInsert:
		updated.Followers++
	case models.EventDelete:
		if updated.Followers > 0 {
			updated.Followers--
		}
	default:
		return
	}
	s.store.Upsert(&updated)

	if f.FollowerID == s.userID {
		s.mu.Lock()
		s.following[f.ExpertID] = ev.Kind == models.EventInsert
		s.mu.Unlock()
	}
}

func followKey(expertID string) string {
	return "follow:" + expertID
}
