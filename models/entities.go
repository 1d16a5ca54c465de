package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ReactionKind is the fixed set of reactions a post can receive.
type ReactionKind string

const (
	ReactionHelpful   ReactionKind = "helpful"
	ReactionTried     ReactionKind = "tried"
	ReactionDidntWork ReactionKind = "didnt_work"
	ReactionNewIdea   ReactionKind = "new_idea"
)

// ReactionKinds lists all valid reaction kinds.
var ReactionKinds = []ReactionKind{
	ReactionHelpful,
	ReactionTried,
	ReactionDidntWork,
	ReactionNewIdea,
}

// ValidReactionKind reports whether k is a member of the fixed reaction set.
func ValidReactionKind(k ReactionKind) bool {
	for _, kind := range ReactionKinds {
		if kind == k {
			return true
		}
	}
	return false
}

// ReactionCounts maps reaction kind to a non-negative count, stored as a
// PostgreSQL JSONB column on posts.
type ReactionCounts map[ReactionKind]int

func (rc ReactionCounts) Value() (driver.Value, error) {
	return json.Marshal(rc)
}

func (rc *ReactionCounts) Scan(value interface{}) error {
	if value == nil {
		*rc = make(ReactionCounts)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, rc)
}

// Clone returns a copy of the counter map, safe to mutate independently.
func (rc ReactionCounts) Clone() ReactionCounts {
	out := make(ReactionCounts, len(rc))
	for k, v := range rc {
		out[k] = v
	}
	return out
}

// StringList is a JSONB-backed list of strings (crop tags on posts).
type StringList []string

func (s StringList) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = StringList{}
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, s)
}

// Post is a community post by a farmer or expert.
type Post struct {
	ID             uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	AuthorID       string         `json:"author_id" gorm:"not null;index"`
	Title          string         `json:"title" gorm:"not null" binding:"required"`
	Body           string         `json:"body"`
	Crop           string         `json:"crop" gorm:"index"`
	Tags           StringList     `json:"tags" gorm:"type:jsonb;default:'[]'"`
	ReactionCounts ReactionCounts `json:"reaction_counts" gorm:"type:jsonb;default:'{}'"`
	CommentCount   int            `json:"comment_count" gorm:"default:0"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Post) TableName() string {
	return "posts"
}

// EntityID implements the sync store identity contract.
func (p *Post) EntityID() string { return p.ID.String() }

// Comment is a reply to a post.
type Comment struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	PostID    uuid.UUID `json:"post_id" gorm:"type:uuid;not null;index"`
	AuthorID  string    `json:"author_id" gorm:"not null"`
	Body      string    `json:"body" gorm:"not null" binding:"required"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Comment) TableName() string {
	return "comments"
}

func (c *Comment) EntityID() string { return c.ID.String() }

// Reaction is one user's reaction of a given kind on a post. Toggling the
// same kind twice removes the row.
type Reaction struct {
	ID        uuid.UUID    `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	PostID    uuid.UUID    `json:"post_id" gorm:"type:uuid;not null;uniqueIndex:ux_post_user_kind,priority:1"`
	UserID    string       `json:"user_id" gorm:"not null;uniqueIndex:ux_post_user_kind,priority:2"`
	Kind      ReactionKind `json:"kind" gorm:"not null;uniqueIndex:ux_post_user_kind,priority:3"`
	CreatedAt time.Time    `json:"created_at"`
}

func (Reaction) TableName() string {
	return "reactions"
}

func (r *Reaction) EntityID() string { return r.ID.String() }

// Expert is a followable profile with a derived follower aggregate.
type Expert struct {
	UserID    string    `json:"user_id" gorm:"primary_key"`
	Name      string    `json:"name" gorm:"not null"`
	Specialty string    `json:"specialty"`
	Followers int       `json:"followers" gorm:"default:0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Expert) TableName() string {
	return "experts"
}

func (e *Expert) EntityID() string { return e.UserID }

// Follow is a directed edge from a follower to an expert.
type Follow struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	FollowerID string    `json:"follower_id" gorm:"not null;uniqueIndex:ux_follower_expert,priority:1"`
	ExpertID   string    `json:"expert_id" gorm:"not null;uniqueIndex:ux_follower_expert,priority:2"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Follow) TableName() string {
	return "follows"
}

func (f *Follow) EntityID() string { return f.ID.String() }

// SavedPost marks a post bookmarked by a user.
type SavedPost struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	PostID    uuid.UUID `json:"post_id" gorm:"type:uuid;not null;uniqueIndex:ux_saved_post_user,priority:1"`
	UserID    string    `json:"user_id" gorm:"not null;uniqueIndex:ux_saved_post_user,priority:2"`
	CreatedAt time.Time `json:"created_at"`
}

func (SavedPost) TableName() string {
	return "saved_posts"
}

func (s *SavedPost) EntityID() string { return s.ID.String() }

// NotificationKind categorizes notifications.
type NotificationKind string

const (
	NotificationReaction NotificationKind = "reaction"
	NotificationComment  NotificationKind = "comment"
	NotificationFollow   NotificationKind = "follow"
)

// Notification is delivered to a single user.
type Notification struct {
	ID        uuid.UUID        `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	UserID    string           `json:"user_id" gorm:"not null;index"`
	ActorID   string           `json:"actor_id" gorm:"not null"`
	Kind      NotificationKind `json:"kind" gorm:"not null"`
	PostID    *uuid.UUID       `json:"post_id,omitempty" gorm:"type:uuid"`
	Message   string           `json:"message"`
	Read      bool             `json:"read" gorm:"default:false"`
	CreatedAt time.Time        `json:"created_at"`
}

func (Notification) TableName() string {
	return "notifications"
}

func (n *Notification) EntityID() string { return n.ID.String() }

// PresenceStatus is the stored per-user status.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// UserPresence lives in Redis with a TTL, not in Postgres.
type UserPresence struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
	Device   string         `json:"device,omitempty"`
}

func (p *UserPresence) EntityID() string { return p.UserID }

// IsOnline reports the derived online state: stored online and fresh within
// the threshold. A stale record reads as offline regardless of stored status.
func (p *UserPresence) IsOnline(threshold time.Duration, now time.Time) bool {
	return p.Status == PresenceOnline && now.Sub(p.LastSeen) < threshold
}

// Request/Response DTOs

type CreatePostRequest struct {
	Title string     `json:"title" binding:"required"`
	Body  string     `json:"body"`
	Crop  string     `json:"crop"`
	Tags  StringList `json:"tags"`
}

type CreateCommentRequest struct {
	Body string `json:"body" binding:"required"`
}

type ToggleReactionRequest struct {
	Kind ReactionKind `json:"kind" binding:"required"`
}

type ToggleResponse struct {
	Active bool  `json:"active"`
	Post   *Post `json:"post,omitempty"`
}

type FollowResponse struct {
	Following bool    `json:"following"`
	Expert    *Expert `json:"expert"`
}

type HeartbeatRequest struct {
	Status PresenceStatus `json:"status"`
	Device string         `json:"device,omitempty"`
}

type StatusResponse struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
	IsOnline bool           `json:"is_online"`
}

type OnlineUsersResponse struct {
	Count int            `json:"count"`
	Users []UserPresence `json:"users"`
}

type ListResponse[T any] struct {
	Data       []T   `json:"data"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
}
